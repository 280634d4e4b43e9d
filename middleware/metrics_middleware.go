package middleware

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"smurf-rpc/message"
)

type rpcMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func newRPCMetrics(reg prometheus.Registerer) *rpcMetrics {
	m := &rpcMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smurf",
			Name:      "rpc_calls_total",
			Help:      "RPC calls by side, correlation key and status.",
		}, []string{"side", "key", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "smurf",
			Name:      "rpc_latency_seconds",
			Help:      "RPC latency by side.",
			// 40 exponential buckets from 10µs
			Buckets: prometheus.ExponentialBuckets(0.00001, 1.5, 40),
		}, []string{"side"}),
	}
	m.calls = register(reg, m.calls)
	m.latency = register(reg, m.latency)
	return m
}

// register returns the already-registered collector when one exists, so several servers or
// clients in one process can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// MetricsMiddleware counts calls and observes their latency. side is "server" or "client".
func MetricsMiddleware(reg prometheus.Registerer, side string) Middleware {
	m := newRPCMetrics(reg)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			m.latency.WithLabelValues(side).Observe(time.Since(start).Seconds())

			status := "error"
			switch {
			case err != nil:
			case resp == nil:
				status = "empty"
			default:
				status = strconv.FormatUint(uint64(resp.Header.Status), 10)
			}
			m.calls.WithLabelValues(side, strconv.FormatUint(uint64(req.Header.CorrelationKey), 10), status).Inc()
			return resp, err
		}
	}
}
