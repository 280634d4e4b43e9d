package server

import (
	"context"
	"fmt"

	"smurf-rpc/codec"
	"smurf-rpc/ident"
	"smurf-rpc/message"
	"smurf-rpc/middleware"
)

// MethodHandle binds one method descriptor to the handler that serves it.
type MethodHandle struct {
	Method  *ident.MethodDescriptor
	Handler middleware.HandlerFunc
}

// Service is anything that can describe itself and list its method handles.
// Generated-style services (see package demo) implement it by hand.
type Service interface {
	Descriptor() *ident.ServiceDescriptor
	Methods() []MethodHandle
}

// service is the immutable dispatch table built for one registered Service.
type service struct {
	desc    *ident.ServiceDescriptor
	methods map[uint32]MethodHandle // method id → handle
}

func newService(svc Service) (*service, error) {
	desc := svc.Descriptor()
	if desc == nil {
		return nil, fmt.Errorf("rpc: service has no descriptor")
	}
	s := &service{
		desc:    desc,
		methods: make(map[uint32]MethodHandle),
	}
	for _, h := range svc.Methods() {
		if h.Method == nil || h.Handler == nil {
			return nil, fmt.Errorf("rpc: %s: incomplete method handle", desc.Name)
		}
		if h.Method.Service.ID != desc.ID {
			return nil, fmt.Errorf("rpc: %s: method %s belongs to service %s", desc.Name, h.Method.Name, h.Method.Service.Name)
		}
		if prev, ok := s.methods[h.Method.ID]; ok {
			return nil, fmt.Errorf("rpc: %s: method id %d of %s collides with %s",
				desc.Name, h.Method.ID, h.Method.Name, prev.Method.Name)
		}
		s.methods[h.Method.ID] = h
	}
	return s, nil
}

// lookup recovers the method id from a correlation key using this service's id.
func (s *service) lookup(key uint32) (MethodHandle, bool) {
	h, ok := s.methods[ident.Combine(key, s.desc.ID)]
	return h, ok
}

// Handle adapts a typed handler into a HandlerFunc. The request body is decoded lazily with c.
func Handle[T any](c codec.Codec, fn func(ctx context.Context, req *codec.Typed[T]) (*message.Envelope, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
		return fn(ctx, codec.NewTyped[T](req, c))
	}
}

// Respond encodes v as the payload of a response to req. A nil v leaves the payload empty.
func Respond(c codec.Codec, req *message.Envelope, status uint32, v any) (*message.Envelope, error) {
	if v == nil {
		return message.Reply(req, status, nil), nil
	}
	payload, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	return message.Reply(req, status, payload), nil
}

// NotImplemented is what generated handlers answer until a service overrides them.
func NotImplemented(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	return message.Reply(req, message.StatusNotImplemented, nil), nil
}
