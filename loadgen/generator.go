// Package loadgen drives an RPC service with a fixed amount of load and measures latency.
//
// A Generator is one shard: it owns `concurrency` logical connections, each with a client and
// socket of its own, and runs `request_count` strictly sequential calls on each of them. A
// Controller runs one Generator per shard in parallel and folds their histograms into one.
//
//	Controller ─┬─ Generator(shard 0) ─┬─ conn 0: call → call → ... (request_count)
//	            │                      └─ conn C-1
//	            └─ Generator(shard N-1)
//
// Nothing is shared between shards except the final histogram snapshot.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"smurf-rpc/client"
	"smurf-rpc/histogram"
	"smurf-rpc/ident"
	"smurf-rpc/message"
)

// FailurePolicy decides what a logical connection does after a failed call.
type FailurePolicy string

const (
	// FailContinue counts the failure, records no latency sample, and moves on.
	FailContinue FailurePolicy = "continue"
	// FailAbort stops the logical connection; its remaining iterations are counted as skipped.
	FailAbort FailurePolicy = "abort"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailContinue:
		return FailContinue, nil
	case FailAbort:
		return FailAbort, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Config is fixed for the lifetime of one benchmark run.
type Config struct {
	ServerAddress string
	Service       *ident.ServiceDescriptor // resolved through the registry when one is configured
	RequestCount  int
	Concurrency   int
	MemoryBudget  int64 // bytes per shard, split evenly across logical connections; 0 = unbounded
	Compression   message.CompressionFlag
	CallTimeout   time.Duration
	DialTimeout   time.Duration
	FailurePolicy FailurePolicy

	// ClientOptions are appended to the options every logical connection's client is built with.
	ClientOptions []client.Option
}

type State int

const (
	StateCreated State = iota
	StateConnected
	StateBenchmarking
	StateCompleted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateBenchmarking:
		return "benchmarking"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrState = errors.New("loadgen: illegal state transition")

// ConnectError is a shard that could not reach its server.
type ConnectError struct {
	Shard int
	Addr  string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("shard %d: connect %s: %v", e.Shard, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// GeneratorFunc synthesizes the request envelope for one iteration. It is called concurrently
// from every logical connection of every shard.
type GeneratorFunc func() (*message.Envelope, error)

// MethodFunc performs one call on stub and waits for its outcome. A non-nil error is a call
// failure and is handled by the failure policy.
type MethodFunc[C any] func(ctx context.Context, stub C, env *message.Envelope) error

// Result counts what one shard's benchmark did.
type Result struct {
	Shard     int
	Successes int64
	Failures  int64
	Skipped   int64 // iterations never attempted, after an abort or a stop
	Duration  time.Duration
	Latency   histogram.Summary
}

// Requests is the number of calls attempted.
func (r Result) Requests() int64 { return r.Successes + r.Failures }

// Throughput in successful calls per second.
func (r Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Successes) / r.Duration.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("shard %d: %d ok, %d failed, %d skipped in %s (%.0f req/s) %s",
		r.Shard, r.Successes, r.Failures, r.Skipped, r.Duration.Round(time.Millisecond), r.Throughput(), r.Latency)
}

// Generator is the load generator of one shard. C is the client stub type handed to the
// method callback; newStub builds it around each logical connection's client.
type Generator[C any] struct {
	shard   int
	cfg     Config
	newStub func(*client.Client) C
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	clients []*client.Client
	stubs   []C
	hist    *histogram.Histogram
	cancel  context.CancelFunc // cancels a running benchmark
}

func NewGenerator[C any](shard int, cfg Config, newStub func(*client.Client) C, logger *zap.Logger) *Generator[C] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailContinue
	}
	return &Generator[C]{
		shard:   shard,
		cfg:     cfg,
		newStub: newStub,
		logger:  logger.With(zap.Int("shard", shard)),
		hist:    histogram.New(),
	}
}

func (g *Generator[C]) Shard() int { return g.shard }

func (g *Generator[C]) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connect builds one client per logical connection and dials its socket.
// If any dial fails the shard cannot benchmark: every client is closed and a ConnectError returned.
func (g *Generator[C]) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.state != StateCreated {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrState, state)
	}
	g.mu.Unlock()

	budget := int64(0)
	if g.cfg.MemoryBudget > 0 && g.cfg.Concurrency > 0 {
		budget = max(g.cfg.MemoryBudget/int64(g.cfg.Concurrency), 1)
	}
	opts := append([]client.Option{
		client.WithPoolSize(1),
		client.WithCompression(g.cfg.Compression),
		client.WithCallTimeout(g.cfg.CallTimeout),
		client.WithMemoryBudget(budget),
		client.WithDialTimeout(g.cfg.DialTimeout),
		client.WithLogger(g.logger),
	}, g.cfg.ClientOptions...)

	clients := make([]*client.Client, g.cfg.Concurrency)
	eg, ctx := errgroup.WithContext(ctx)
	for i := range clients {
		clients[i] = client.New(g.cfg.ServerAddress, opts...)
		eg.Go(func() error {
			return clients[i].Connect(ctx, g.cfg.Service)
		})
	}
	if err := eg.Wait(); err != nil {
		for _, c := range clients {
			c.Close()
		}
		return &ConnectError{Shard: g.shard, Addr: g.cfg.ServerAddress, Err: err}
	}

	stubs := make([]C, len(clients))
	for i, c := range clients {
		stubs[i] = g.newStub(c)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateCreated {
		// stopped while dialing
		for _, c := range clients {
			c.Close()
		}
		return fmt.Errorf("%w: shard %d is %s", ErrState, g.shard, g.state)
	}
	g.clients, g.stubs = clients, stubs
	g.state = StateConnected
	g.logger.Debug("shard connected", zap.Int("connections", len(clients)))
	return nil
}

// connStats is what one logical connection did. Each connection records into its own
// histogram; they are merged once every connection has finished.
type connStats struct {
	hist      *histogram.Histogram
	successes int64
	failures  int64
	skipped   int64
}

// Benchmark runs request_count sequential iterations on every logical connection concurrently
// and returns once all of them have resolved. Within a connection, iteration n+1 starts only
// after iteration n has succeeded or failed.
func (g *Generator[C]) Benchmark(ctx context.Context, gen GeneratorFunc, method MethodFunc[C]) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	if g.state != StateConnected {
		state := g.state
		g.mu.Unlock()
		return Result{Shard: g.shard}, fmt.Errorf("%w: benchmark in state %s", ErrState, state)
	}
	g.state = StateBenchmarking
	g.cancel = cancel
	stubs := g.stubs
	g.mu.Unlock()

	g.logger.Debug("shard benchmarking",
		zap.Int("concurrency", len(stubs)),
		zap.Int("request_count", g.cfg.RequestCount),
		zap.String("failure_policy", string(g.cfg.FailurePolicy)))

	start := time.Now()
	stats := make([]connStats, len(stubs))
	var wg sync.WaitGroup
	for i := range stubs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats[i] = g.run(ctx, stubs[i], gen, method)
		}()
	}
	wg.Wait()

	res := Result{Shard: g.shard, Duration: time.Since(start)}
	hists := make([]*histogram.Histogram, len(stats))
	for i, s := range stats {
		res.Successes += s.successes
		res.Failures += s.failures
		res.Skipped += s.skipped
		hists[i] = s.hist
	}
	merged := histogram.Fold(hists...)
	res.Latency = merged.Summarize()

	g.mu.Lock()
	g.hist = merged
	g.cancel = nil
	stopped := g.state == StateStopped
	if !stopped {
		g.state = StateCompleted
	}
	g.mu.Unlock()

	g.logger.Debug("shard completed",
		zap.Int64("successes", res.Successes),
		zap.Int64("failures", res.Failures),
		zap.Int64("skipped", res.Skipped),
		zap.Duration("duration", res.Duration))

	if err := ctx.Err(); err != nil && res.Skipped > 0 {
		return res, fmt.Errorf("shard %d: benchmark interrupted: %w", g.shard, context.Cause(ctx))
	}
	return res, nil
}

// run is one logical connection.
func (g *Generator[C]) run(ctx context.Context, stub C, gen GeneratorFunc, method MethodFunc[C]) connStats {
	s := connStats{hist: histogram.New()}
	n := int64(g.cfg.RequestCount)
	for i := int64(0); i < n; i++ {
		if ctx.Err() != nil {
			s.skipped += n - i
			return s
		}

		env, err := gen()
		if err == nil {
			start := time.Now()
			err = method(ctx, stub, env)
			if err == nil {
				s.hist.Record(time.Since(start))
				s.successes++
				continue
			}
		}

		s.failures++
		if s.failures == 1 {
			g.logger.Debug("call failed", zap.Int64("iteration", i), zap.Error(err))
		}
		if g.cfg.FailurePolicy == FailAbort {
			s.skipped += n - i - 1
			return s
		}
	}
	return s
}

// CopyHistogram returns an independent snapshot of the shard histogram.
func (g *Generator[C]) CopyHistogram() *histogram.Histogram {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hist.Copy()
}

// Stop cancels a running benchmark and closes every client, failing calls still in flight.
// It can be called in any state and more than once.
func (g *Generator[C]) Stop() error {
	g.mu.Lock()
	if g.state == StateStopped {
		g.mu.Unlock()
		return nil
	}
	g.state = StateStopped
	if g.cancel != nil {
		g.cancel()
	}
	clients := g.clients
	g.clients = nil
	g.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return nil
}
