package loadgen

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"smurf-rpc/client"
	"smurf-rpc/ident"
	"smurf-rpc/message"
	"smurf-rpc/server"
	"smurf-rpc/transport"
)

var (
	echoDesc   = ident.NewService("Echo")
	pingMethod = echoDesc.Method("Ping", "Request", "Response")
)

type echo struct{}

func (echo) Descriptor() *ident.ServiceDescriptor { return echoDesc }

func (echo) Methods() []server.MethodHandle {
	return []server.MethodHandle{{
		Method: pingMethod,
		Handler: func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			return message.Reply(req, message.StatusOK, req.Payload), nil
		},
	}}
}

func startServer(t *testing.T) string {
	t.Helper()
	svr := server.NewServer()
	require.NoError(t, svr.Register(echo{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr.Addr().String()
}

func identity(c *client.Client) *client.Client { return c }

func ping() (*message.Envelope, error) {
	return message.New([]byte("ping")), nil
}

func call(ctx context.Context, c *client.Client, env *message.Envelope) error {
	resp, err := c.Call(ctx, pingMethod, env)
	if err != nil {
		return err
	}
	if resp.Header.Status != message.StatusOK {
		return errors.New("unexpected status")
	}
	return nil
}

func config(addr string, concurrency, requests int) Config {
	return Config{
		ServerAddress: addr,
		Service:       echoDesc,
		RequestCount:  requests,
		Concurrency:   concurrency,
		CallTimeout:   5 * time.Second,
		DialTimeout:   time.Second,
	}
}

func connected(t *testing.T, cfg Config) *Generator[*client.Client] {
	t.Helper()
	g := NewGenerator(0, cfg, identity, nil)
	require.NoError(t, g.Connect(context.Background()))
	t.Cleanup(func() { g.Stop() })
	return g
}

func TestGeneratorRecordsEverySample(t *testing.T) {
	g := connected(t, config(startServer(t), 4, 50))

	res, err := g.Benchmark(context.Background(), ping, call)
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Successes)
	assert.Zero(t, res.Failures)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, int64(200), res.Latency.Count)
	assert.Equal(t, StateCompleted, g.State())

	h := g.CopyHistogram()
	assert.Equal(t, int64(200), h.TotalCount())
	h.RecordValue(1)
	assert.Equal(t, int64(200), g.CopyHistogram().TotalCount(), "copy is independent")
}

func TestStrictSequencingPerConnection(t *testing.T) {
	g := connected(t, config(startServer(t), 1, 30))

	var inFlight, maxInFlight atomic.Int32
	var order []int
	var seq int
	gen := func() (*message.Envelope, error) {
		seq++
		return message.New([]byte{byte(seq)}), nil
	}
	method := func(ctx context.Context, c *client.Client, env *message.Envelope) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		order = append(order, int(env.Payload[0]))
		return call(ctx, c, env)
	}

	res, err := g.Benchmark(context.Background(), gen, method)
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Successes)
	assert.Equal(t, int32(1), maxInFlight.Load())
	for i, v := range order {
		assert.Equal(t, i+1, v)
	}
}

func TestConnectionsRunConcurrently(t *testing.T) {
	g := connected(t, config(startServer(t), 4, 5))

	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	method := func(ctx context.Context, c *client.Client, env *message.Envelope) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		mu.Lock()
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return call(ctx, c, env)
	}

	_, err := g.Benchmark(context.Background(), ping, method)
	require.NoError(t, err)
	assert.Greater(t, maxInFlight.Load(), int32(1))
}

var errInjected = errors.New("injected")

func TestFailurePolicyContinue(t *testing.T) {
	cfg := config(startServer(t), 1, 30)
	cfg.FailurePolicy = FailContinue
	g := connected(t, cfg)

	var n atomic.Int32
	method := func(ctx context.Context, c *client.Client, env *message.Envelope) error {
		if n.Add(1)%3 == 0 {
			return errInjected
		}
		return call(ctx, c, env)
	}

	res, err := g.Benchmark(context.Background(), ping, method)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Successes)
	assert.Equal(t, int64(10), res.Failures)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, int64(30), res.Requests())
	// failures record no latency sample
	assert.Equal(t, int64(20), g.CopyHistogram().TotalCount())
}

func TestFailurePolicyAbort(t *testing.T) {
	cfg := config(startServer(t), 1, 30)
	cfg.FailurePolicy = FailAbort
	g := connected(t, cfg)

	var n atomic.Int32
	method := func(ctx context.Context, c *client.Client, env *message.Envelope) error {
		if n.Add(1) == 5 {
			return errInjected
		}
		return call(ctx, c, env)
	}

	res, err := g.Benchmark(context.Background(), ping, method)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Successes)
	assert.Equal(t, int64(1), res.Failures)
	assert.Equal(t, int64(25), res.Skipped)
	assert.Equal(t, int32(5), n.Load(), "no call after the abort")
	assert.Equal(t, int64(4), g.CopyHistogram().TotalCount())
}

func TestGeneratorFuncFailureIsCallFailure(t *testing.T) {
	g := connected(t, config(startServer(t), 2, 10))

	gen := func() (*message.Envelope, error) { return nil, errInjected }
	var calls atomic.Int32
	method := func(ctx context.Context, c *client.Client, env *message.Envelope) error {
		calls.Add(1)
		return nil
	}

	res, err := g.Benchmark(context.Background(), gen, method)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Failures)
	assert.Zero(t, calls.Load())
}

func TestUnknownMethodCountsAsFailure(t *testing.T) {
	g := connected(t, config(startServer(t), 1, 3))

	missing := echoDesc.Method("Missing", "Request", "Response")
	method := func(ctx context.Context, c *client.Client, env *message.Envelope) error {
		resp, err := c.Call(ctx, missing, env)
		if err != nil {
			return err
		}
		if resp.Header.Status != message.StatusOK {
			return errInjected
		}
		return nil
	}

	res, err := g.Benchmark(context.Background(), ping, method)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Failures)
}

func TestStateMachine(t *testing.T) {
	addr := startServer(t)
	g := NewGenerator(3, config(addr, 1, 1), identity, nil)
	assert.Equal(t, StateCreated, g.State())
	assert.Equal(t, 3, g.Shard())

	_, err := g.Benchmark(context.Background(), ping, call)
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, g.Connect(context.Background()))
	assert.Equal(t, StateConnected, g.State())
	assert.ErrorIs(t, g.Connect(context.Background()), ErrState)

	_, err = g.Benchmark(context.Background(), ping, call)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, g.State())

	_, err = g.Benchmark(context.Background(), ping, call)
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, g.Stop())
	require.NoError(t, g.Stop())
	assert.Equal(t, StateStopped, g.State())
	assert.Equal(t, int64(1), g.CopyHistogram().TotalCount())
}

func TestConnectError(t *testing.T) {
	g := NewGenerator(2, config("127.0.0.1:1", 2, 1), identity, nil)
	defer g.Stop()

	err := g.Connect(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Shard)
	assert.Equal(t, StateCreated, g.State())
}

// silentServer accepts connections and never answers.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 512)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestStopCancelsPendingCalls(t *testing.T) {
	cfg := config(silentServer(t), 3, 10)
	cfg.CallTimeout = 30 * time.Second
	g := connected(t, cfg)

	var callErrs sync.Map
	method := func(ctx context.Context, c *client.Client, env *message.Envelope) error {
		err := call(ctx, c, env)
		callErrs.Store(err, true)
		return err
	}

	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		defer close(done)
		res, err = g.Benchmark(context.Background(), ping, method)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, g.Stop())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("benchmark still pending after stop")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Successes)
	assert.Equal(t, int64(3), res.Failures)
	assert.Equal(t, int64(27), res.Skipped)
	assert.Equal(t, StateStopped, g.State())

	callErrs.Range(func(k, _ any) bool {
		e := k.(error)
		assert.True(t, errors.Is(e, transport.ErrCanceled) || errors.Is(e, transport.ErrClosed), e.Error())
		return true
	})
}

func TestCallTimeoutIsFailure(t *testing.T) {
	cfg := config(silentServer(t), 1, 2)
	cfg.CallTimeout = 30 * time.Millisecond
	g := connected(t, cfg)

	res, err := g.Benchmark(context.Background(), ping, call)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Failures)
	assert.Zero(t, g.CopyHistogram().TotalCount())
}

func TestControllerMergesShards(t *testing.T) {
	ctrl := NewController(ControllerConfig{
		Shards:    3,
		Generator: config(startServer(t), 2, 25),
	}, identity, nil)

	report, err := ctrl.Run(context.Background(), ping, call)
	require.NoError(t, err)
	_, err = uuid.Parse(report.RunID)
	assert.NoError(t, err)
	assert.Equal(t, int64(150), report.Histogram.TotalCount())
	assert.Equal(t, int64(150), report.Successes())
	require.Len(t, report.Results, 3)
	for i, res := range report.Results {
		assert.Equal(t, i, res.Shard)
		assert.Equal(t, int64(50), res.Successes)
	}
	assert.Empty(t, report.Failed)
}

func TestControllerDefaultsToNumCPU(t *testing.T) {
	ctrl := NewController(ControllerConfig{}, identity, nil)
	assert.Positive(t, ctrl.Shards())
}

func TestControllerConnectFailure(t *testing.T) {
	ctrl := NewController(ControllerConfig{
		Shards:    2,
		Generator: config("127.0.0.1:1", 1, 1),
	}, identity, nil)

	report, err := ctrl.Run(context.Background(), ping, call)
	require.Error(t, err)
	var se *ShardError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PhaseConnect, se.Phase)
	var ce *ConnectError
	assert.ErrorAs(t, err, &ce)
	assert.Len(t, report.Failed, 2)
	assert.Nil(t, report.Histogram)
}

func TestControllerPartialNoSurvivors(t *testing.T) {
	ctrl := NewController(ControllerConfig{
		Shards:       2,
		Generator:    config("127.0.0.1:1", 1, 1),
		AllowPartial: true,
	}, identity, nil)

	_, err := ctrl.Run(context.Background(), ping, call)
	assert.ErrorIs(t, err, ErrNoShards)
}

func TestPhaseAttributesFailures(t *testing.T) {
	shards := make([]*Generator[*client.Client], 3)
	for i := range shards {
		shards[i] = NewGenerator(i, Config{}, identity, nil)
	}
	failOne := func(ctx context.Context, g *Generator[*client.Client]) error {
		if g.Shard() == 1 {
			return errInjected
		}
		return nil
	}

	strict := NewController(ControllerConfig{Shards: 3}, identity, nil)
	report := &Report{}
	_, err := strict.phase(context.Background(), zap.NewNop(), report, PhaseBenchmark, shards, failOne)
	assert.ErrorIs(t, err, errInjected)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 1, report.Failed[0].Shard)
	assert.Equal(t, PhaseBenchmark, report.Failed[0].Phase)

	partial := NewController(ControllerConfig{Shards: 3, AllowPartial: true}, identity, nil)
	report = &Report{}
	live, err := partial.phase(context.Background(), zap.NewNop(), report, PhaseBenchmark, shards, failOne)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, 0, live[0].Shard())
	assert.Equal(t, 2, live[1].Shard())
	assert.Len(t, report.Failed, 1)
}

func TestShardFailuresCarryRunID(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctrl := NewController(ControllerConfig{
		Shards:    2,
		Generator: config("127.0.0.1:1", 1, 1),
	}, identity, zap.New(core))

	report, err := ctrl.Run(context.Background(), ping, call)
	require.Error(t, err)

	failed := logs.FilterMessage("shard failed").All()
	require.Len(t, failed, 2)
	for _, entry := range failed {
		assert.Equal(t, report.RunID, entry.ContextMap()["run_id"])
		assert.Equal(t, string(PhaseConnect), entry.ContextMap()["phase"])
	}
}
