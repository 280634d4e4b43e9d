// Package histogram records call latencies in an HDR histogram and merges histograms from
// independent recorders.
//
// Values are microseconds. Every histogram created here has the same range and precision,
// so any two of them merge without loss. A Histogram is not safe for concurrent use: give each
// recorder its own and merge afterwards.
package histogram

import (
	"fmt"
	"time"

	"github.com/codahale/hdrhistogram"
)

const (
	LowestTrackable    int64 = 1                                        // 1µs
	HighestTrackable         = int64(24 * time.Hour / time.Microsecond) // 1 day
	SignificantFigures       = 3
)

type Histogram struct {
	h *hdrhistogram.Histogram
}

// New returns an empty histogram.
func New() *Histogram {
	return &Histogram{h: hdrhistogram.New(LowestTrackable, HighestTrackable, SignificantFigures)}
}

// Record adds one latency sample. Durations outside the trackable range are clamped to it.
func (h *Histogram) Record(d time.Duration) {
	h.RecordValue(d.Microseconds())
}

// RecordValue adds one sample in microseconds, clamped to the trackable range.
func (h *Histogram) RecordValue(us int64) {
	switch {
	case us < LowestTrackable:
		us = LowestTrackable
	case us > HighestTrackable:
		us = HighestTrackable
	}
	// in range, so RecordValue cannot fail
	_ = h.h.RecordValue(us)
}

func (h *Histogram) TotalCount() int64 { return h.h.TotalCount() }

// ValueAtQuantile returns the value at q, a percentile between 0 and 100.
func (h *Histogram) ValueAtQuantile(q float64) int64 { return h.h.ValueAtQuantile(q) }

func (h *Histogram) Mean() float64   { return h.h.Mean() }
func (h *Histogram) StdDev() float64 { return h.h.StdDev() }
func (h *Histogram) Min() int64      { return h.h.Min() }
func (h *Histogram) Max() int64      { return h.h.Max() }

// Merge adds every sample of other into h. other is not modified.
func (h *Histogram) Merge(other *Histogram) {
	if other == nil {
		return
	}
	h.h.Merge(other.h)
}

// Copy returns an independent histogram with the same samples.
func (h *Histogram) Copy() *Histogram {
	c := New()
	c.Merge(h)
	return c
}

// Equal reports whether h and other hold the same counts in every bucket.
func (h *Histogram) Equal(other *Histogram) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.h.Equals(other.h)
}

// Add is the reduction step of a merge: it returns a new histogram holding the samples of
// both a and b and never modifies either. A nil operand acts as the empty histogram, so
// Add is associative and commutative with nil as its identity.
func Add(a, b *Histogram) *Histogram {
	out := New()
	out.Merge(a)
	out.Merge(b)
	return out
}

// Fold merges hs left to right with Add. Folding nothing yields an empty histogram.
func Fold(hs ...*Histogram) *Histogram {
	var acc *Histogram
	for _, h := range hs {
		acc = Add(acc, h)
	}
	if acc == nil {
		return New()
	}
	return acc
}

// Summary is a handful of quantiles, in microseconds.
type Summary struct {
	Count int64   `json:"count"`
	Min   int64   `json:"min_us"`
	Mean  float64 `json:"mean_us"`
	P50   int64   `json:"p50_us"`
	P90   int64   `json:"p90_us"`
	P99   int64   `json:"p99_us"`
	P999  int64   `json:"p999_us"`
	Max   int64   `json:"max_us"`
}

func (h *Histogram) Summarize() Summary {
	return Summary{
		Count: h.TotalCount(),
		Min:   h.Min(),
		Mean:  h.Mean(),
		P50:   h.ValueAtQuantile(50),
		P90:   h.ValueAtQuantile(90),
		P99:   h.ValueAtQuantile(99),
		P999:  h.ValueAtQuantile(99.9),
		Max:   h.Max(),
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("count=%d min=%dµs mean=%.1fµs p50=%dµs p90=%dµs p99=%dµs p99.9=%dµs max=%dµs",
		s.Count, s.Min, s.Mean, s.P50, s.P90, s.P99, s.P999, s.Max)
}
