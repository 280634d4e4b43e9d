// Package middleware wraps envelope handlers in an onion of cross-cutting concerns.
//
// The same HandlerFunc shape is used on both sides of a call: on the server it wraps the
// dispatch of an inbound request, on the client it wraps send-and-await of an outbound one.
package middleware

import (
	"context"
	"errors"

	"smurf-rpc/message"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) (*message.Envelope, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
