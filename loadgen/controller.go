package loadgen

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smurf-rpc/client"
	"smurf-rpc/histogram"
)

type Phase string

const (
	PhaseConnect   Phase = "connect"
	PhaseBenchmark Phase = "benchmark"
)

// ShardError attributes a failure to the shard and phase it happened in.
type ShardError struct {
	Shard int
	Phase Phase
	Err   error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %d %s: %v", e.Shard, e.Phase, e.Err)
}

func (e *ShardError) Unwrap() error { return e.Err }

var ErrNoShards = errors.New("loadgen: no shard completed")

type ControllerConfig struct {
	// Shards is the number of generators. Zero means one per CPU.
	Shards    int
	Generator Config
	// AllowPartial keeps the samples of healthy shards when others fail. When false, any
	// shard failure fails the run.
	AllowPartial bool
}

// Report is the outcome of one run.
type Report struct {
	RunID     string
	Histogram *histogram.Histogram // merged across every shard that completed
	Results   []Result             // one per completed shard, by shard index
	Failed    []*ShardError
	Duration  time.Duration
}

func (r *Report) Successes() int64 {
	var n int64
	for _, res := range r.Results {
		n += res.Successes
	}
	return n
}

func (r *Report) Failures() int64 {
	var n int64
	for _, res := range r.Results {
		n += res.Failures
	}
	return n
}

// WriteHistogram writes the merged histogram to path in .hgrm format.
func (r *Report) WriteHistogram(path string) error {
	return histogram.WriteFile(path, r.Histogram)
}

// Controller runs one Generator per shard through connect, benchmark and collect, then folds
// the shard histograms into one.
type Controller[C any] struct {
	cfg     ControllerConfig
	newStub func(*client.Client) C
	logger  *zap.Logger
}

func NewController[C any](cfg ControllerConfig, newStub func(*client.Client) C, logger *zap.Logger) *Controller[C] {
	if cfg.Shards <= 0 {
		cfg.Shards = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller[C]{cfg: cfg, newStub: newStub, logger: logger}
}

func (c *Controller[C]) Shards() int { return c.cfg.Shards }

// Run executes one benchmark across all shards. Shards are always stopped before Run returns.
//
// Without AllowPartial, the first phase in which any shard fails ends the run with the
// aggregated shard errors. With AllowPartial, failed shards are dropped and reported in
// Report.Failed; the run fails only when no shard completes.
func (c *Controller[C]) Run(ctx context.Context, gen GeneratorFunc, method MethodFunc[C]) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	logger := c.logger.With(zap.String("run_id", report.RunID))
	start := time.Now()

	shards := make([]*Generator[C], c.cfg.Shards)
	for i := range shards {
		shards[i] = NewGenerator(i, c.cfg.Generator, c.newStub, logger)
	}
	defer func() {
		for _, g := range shards {
			g.Stop()
		}
		logger.Info("shards stopped")
	}()

	logger.Info("connecting",
		zap.Int("shards", len(shards)),
		zap.Int("concurrency", c.cfg.Generator.Concurrency),
		zap.String("server", c.cfg.Generator.ServerAddress))
	live, err := c.phase(ctx, logger, report, PhaseConnect, shards, func(ctx context.Context, g *Generator[C]) error {
		return g.Connect(ctx)
	})
	if err != nil {
		return report, err
	}

	logger.Info("benchmarking",
		zap.Int("shards", len(live)),
		zap.Int("request_count", c.cfg.Generator.RequestCount))
	results := make([]Result, len(shards))
	live, err = c.phase(ctx, logger, report, PhaseBenchmark, live, func(ctx context.Context, g *Generator[C]) error {
		res, err := g.Benchmark(ctx, gen, method)
		results[g.Shard()] = res
		return err
	})
	if err != nil {
		return report, err
	}

	hists := make([]*histogram.Histogram, 0, len(live))
	for _, g := range live {
		hists = append(hists, g.CopyHistogram())
		report.Results = append(report.Results, results[g.Shard()])
	}
	report.Histogram = histogram.Fold(hists...)
	report.Duration = time.Since(start)

	logger.Info("run completed",
		zap.Int64("samples", report.Histogram.TotalCount()),
		zap.Int64("failures", report.Failures()),
		zap.Int("failed_shards", len(report.Failed)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// phase runs fn on every shard in parallel and returns the shards that succeeded.
func (c *Controller[C]) phase(ctx context.Context, logger *zap.Logger, report *Report, phase Phase, shards []*Generator[C],
	fn func(context.Context, *Generator[C]) error) ([]*Generator[C], error) {
	errs := make([]error, len(shards))
	var eg errgroup.Group
	for i, g := range shards {
		eg.Go(func() error {
			errs[i] = fn(ctx, g)
			return nil
		})
	}
	eg.Wait()

	var combined error
	live := make([]*Generator[C], 0, len(shards))
	for i, g := range shards {
		if errs[i] == nil {
			live = append(live, g)
			continue
		}
		se := &ShardError{Shard: g.Shard(), Phase: phase, Err: errs[i]}
		report.Failed = append(report.Failed, se)
		combined = multierr.Append(combined, se)
		logger.Warn("shard failed", zap.Int("shard", g.Shard()), zap.String("phase", string(phase)), zap.Error(errs[i]))
	}

	if combined == nil {
		return live, nil
	}
	if !c.cfg.AllowPartial {
		return nil, combined
	}
	if len(live) == 0 {
		return nil, multierr.Append(ErrNoShards, combined)
	}
	return live, nil
}
