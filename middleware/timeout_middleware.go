package middleware

import (
	"context"
	"fmt"
	"time"

	"smurf-rpc/message"
)

type result struct {
	resp *message.Envelope
	err  error
}

// TimeOutMiddleware fails the call with ErrTimeout once timeout elapses, even if next
// ignores its context. next keeps running in the background until it notices cancellation.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
				}
				return nil, ctx.Err()
			}
		}
	}
}
