package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smurf-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.Uint32("key", req.Header.CorrelationKey),
				zap.Int("payload_bytes", len(req.Payload)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("rpc failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			if resp == nil {
				logger.Warn("rpc returned no envelope", fields...)
				return nil, nil
			}
			logger.Debug("rpc", append(fields, zap.Uint32("status", resp.Header.Status))...)
			return resp, nil
		}
	}
}
