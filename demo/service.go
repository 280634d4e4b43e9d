// Package demo is the SmurfStorage service the load client benchmarks, written the way a code
// generator would emit it: a descriptor, a server-side service with overridable handlers, and a
// typed client stub.
package demo

import (
	"context"

	"smurf-rpc/client"
	"smurf-rpc/codec"
	"smurf-rpc/ident"
	"smurf-rpc/message"
	"smurf-rpc/middleware"
	"smurf-rpc/server"
)

var (
	// SmurfStorageDescriptor has id 1969906889.
	SmurfStorageDescriptor = ident.NewService("SmurfStorage")
	// GetMethod has id 2552873045 and correlation key 3980633244.
	GetMethod = SmurfStorageDescriptor.Method("Get", "Request", "Response")
)

// SmurfStorage serves the SmurfStorage methods. A nil handler answers 501.
type SmurfStorage struct {
	Codec codec.Codec // nil means JSON
	Get   func(ctx context.Context, req *codec.Typed[Request]) (*message.Envelope, error)
}

func (s *SmurfStorage) Descriptor() *ident.ServiceDescriptor {
	return SmurfStorageDescriptor
}

func (s *SmurfStorage) Methods() []server.MethodHandle {
	var get middleware.HandlerFunc = server.NotImplemented
	if s.Get != nil {
		get = server.Handle(s.Codec, s.Get)
	}
	return []server.MethodHandle{
		{Method: GetMethod, Handler: get},
	}
}

// EchoGet answers every Get with the request name.
func EchoGet(c codec.Codec) func(ctx context.Context, req *codec.Typed[Request]) (*message.Envelope, error) {
	return func(ctx context.Context, req *codec.Typed[Request]) (*message.Envelope, error) {
		body, err := req.Body()
		if err != nil {
			return nil, err
		}
		return server.Respond(c, req.Envelope, message.StatusOK, &Response{Name: body.Name})
	}
}

// SmurfStorageClient is the typed stub for SmurfStorage.
type SmurfStorageClient struct {
	*client.Client
}

func NewSmurfStorageClient(c *client.Client) *SmurfStorageClient {
	return &SmurfStorageClient{Client: c}
}

// Get sends env, whose payload must be an encoded Request, to SmurfStorage.Get.
func (c *SmurfStorageClient) Get(ctx context.Context, env *message.Envelope) (*codec.Typed[Response], error) {
	return client.Invoke[Response](ctx, c.Client, GetMethod, env)
}
