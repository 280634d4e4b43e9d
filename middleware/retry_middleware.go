package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smurf-rpc/message"
)

// RetryMiddleware retries calls whose error satisfies retryable, with exponential backoff.
// Each attempt gets its own envelope; the payload bytes are shared read-only.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			attempt := *req
			resp, err := next(ctx, &attempt)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return resp, err
				}
				logger.Debug("retrying rpc",
					zap.Int("attempt", i+1),
					zap.Uint32("key", req.Header.CorrelationKey),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, err
				}
				attempt = *req
				resp, err = next(ctx, &attempt)
			}
			return resp, err
		}
	}
}
