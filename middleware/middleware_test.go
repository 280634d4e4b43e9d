package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smurf-rpc/message"
)

func echoHandler(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	return message.Reply(req, message.StatusOK, []byte("ok")), nil
}

func slowHandler(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	time.Sleep(200 * time.Millisecond)
	return message.Reply(req, message.StatusOK, []byte("ok")), nil
}

func newRequest() *message.Envelope {
	req := message.New([]byte("ping"))
	req.Header.CorrelationKey = 3980633244
	return req
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)

	resp, err := handler(context.Background(), newRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Payload))
	assert.Equal(t, uint32(3980633244), resp.Header.CorrelationKey)
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	_, err := handler(context.Background(), newRequest())
	assert.NoError(t, err)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), newRequest())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), newRequest())
		require.NoError(t, err, "request %d", i)
	}

	_, err := handler(context.Background(), newRequest())
	assert.ErrorIs(t, err, ErrRateLimited)
}

var errFlaky = errors.New("flaky")

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	var seen []*message.Envelope
	flaky := func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
		seen = append(seen, req)
		if calls.Add(1) < 3 {
			return nil, errFlaky
		}
		return echoHandler(ctx, req)
	}
	retryable := func(err error) bool { return errors.Is(err, errFlaky) }

	handler := RetryMiddleware(3, time.Millisecond, retryable, zap.NewNop())(flaky)
	req := newRequest()
	resp, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Payload))
	assert.Equal(t, int32(3), calls.Load())

	// every attempt is a distinct envelope with the same key
	require.Len(t, seen, 3)
	assert.NotSame(t, seen[0], seen[1])
	for _, env := range seen {
		assert.NotSame(t, req, env)
		assert.Equal(t, req.Header.CorrelationKey, env.Header.CorrelationKey)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	permanent := errors.New("permanent")
	failing := func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
		calls.Add(1)
		return nil, permanent
	}
	handler := RetryMiddleware(5, time.Millisecond, func(error) bool { return false }, zap.NewNop())(failing)

	_, err := handler(context.Background(), newRequest())
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	handler := MetricsMiddleware(reg, "server")(echoHandler)
	// a second middleware on the same registry reuses the collectors
	again := MetricsMiddleware(reg, "server")(echoHandler)

	for i := 0; i < 3; i++ {
		_, err := handler(context.Background(), newRequest())
		require.NoError(t, err)
	}
	_, err := again(context.Background(), newRequest())
	require.NoError(t, err)

	m := newRPCMetrics(reg)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.calls.WithLabelValues("server", "3980633244", "200")))
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(tag("a"), tag("b"), LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp, err := handler(context.Background(), newRequest())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestNilResponsePassesThrough(t *testing.T) {
	nilHandler := func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	h := Chain(LoggingMiddleware(zap.NewNop()), MetricsMiddleware(reg, "server"))(nilHandler)

	resp, err := h(context.Background(), newRequest())
	assert.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		newRPCMetrics(reg).calls.WithLabelValues("server", "3980633244", "empty")))
}
