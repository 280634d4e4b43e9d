package histogram

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
)

// WriteTo writes the percentile distribution in the HdrHistogram text format (.hgrm) that
// the usual plotting tools read. Values are microseconds.
func (h *Histogram) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	fmt.Fprintf(bw, "%12s %14s %10s %14s\n\n", "Value", "Percentile", "TotalCount", "1/(1-Percentile)")
	for _, b := range h.h.CumulativeDistribution() {
		p := b.Quantile / 100
		if p >= 1 {
			fmt.Fprintf(bw, "%12.3f %1.12f %10d\n", float64(b.ValueAt), 1.0, b.Count)
			continue
		}
		fmt.Fprintf(bw, "%12.3f %1.12f %10d %14.2f\n", float64(b.ValueAt), p, b.Count, 1/(1-p))
	}

	mean, stddev := h.Mean(), h.StdDev()
	if math.IsNaN(mean) {
		mean, stddev = 0, 0
	}
	fmt.Fprintf(bw, "#[Mean    = %12.3f, StdDeviation   = %12.3f]\n", mean, stddev)
	fmt.Fprintf(bw, "#[Max     = %12.3f, Total count    = %12d]\n", float64(h.Max()), h.TotalCount())

	err := bw.Flush()
	return cw.n, err
}

// WriteFile writes h to path in .hgrm format, replacing any existing file.
func WriteFile(path string, h *Histogram) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := h.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
