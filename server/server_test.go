package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smurf-rpc/codec"
	"smurf-rpc/ident"
	"smurf-rpc/message"
	"smurf-rpc/middleware"
	"smurf-rpc/protocol"
	"smurf-rpc/registry"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

var (
	arithDesc = ident.NewService("Arith")
	addMethod = arithDesc.Method("Add", "Args", "Reply")
	divMethod = arithDesc.Method("Div", "Args", "Reply")
	mulMethod = arithDesc.Method("Mul", "Args", "Reply")
)

var errDivByZero = errors.New("division by zero")

type arith struct{}

func (arith) Descriptor() *ident.ServiceDescriptor { return arithDesc }

func (arith) Methods() []MethodHandle {
	c := &codec.JSONCodec{}
	return []MethodHandle{
		{Method: addMethod, Handler: Handle(c, func(ctx context.Context, req *codec.Typed[Args]) (*message.Envelope, error) {
			args, err := req.Body()
			if err != nil {
				return nil, err
			}
			return Respond(c, req.Envelope, message.StatusOK, &Reply{Result: args.A + args.B})
		})},
		{Method: divMethod, Handler: Handle(c, func(ctx context.Context, req *codec.Typed[Args]) (*message.Envelope, error) {
			args, err := req.Body()
			if err != nil {
				return nil, err
			}
			if args.B == 0 {
				return nil, errDivByZero
			}
			return Respond(c, req.Envelope, message.StatusOK, &Reply{Result: args.A / args.B})
		})},
		{Method: mulMethod, Handler: NotImplemented},
	}
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(opts...)
	require.NoError(t, svr.Register(arith{}))
	return serve(t, svr)
}

func serve(t *testing.T, svr *Server) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln)
	svr.Addr()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func roundTrip(t *testing.T, conn net.Conn, key uint32, v any) *message.Envelope {
	t.Helper()
	req, err := codec.Marshal(&codec.JSONCodec{}, v)
	require.NoError(t, err)
	req.Header.CorrelationKey = key
	require.NoError(t, protocol.Encode(conn, protocol.MsgTypeRequest, req))

	msgType, resp, err := protocol.Decode(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTypeResponse, msgType)
	require.Equal(t, key, resp.Header.CorrelationKey)
	return resp
}

func dial(t *testing.T, svr *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer(t *testing.T) {
	svr := startServer(t)
	conn := dial(t, svr)

	resp := roundTrip(t, conn, addMethod.Key(), &Args{1, 2})
	assert.Equal(t, message.StatusOK, resp.Header.Status)

	reply, err := codec.NewTyped[Reply](resp, nil).Body()
	require.NoError(t, err)
	assert.Equal(t, 3, reply.Result)
}

func TestUnknownKeyKeepsServing(t *testing.T) {
	svr := startServer(t)
	conn := dial(t, svr)

	unknown := arithDesc.Method("Sub", "Args", "Reply").Key()
	resp := roundTrip(t, conn, unknown, &Args{1, 2})
	assert.Equal(t, message.StatusNotFound, resp.Header.Status)

	// same connection is still served afterwards
	resp = roundTrip(t, conn, addMethod.Key(), &Args{2, 2})
	assert.Equal(t, message.StatusOK, resp.Header.Status)
}

func TestNotImplemented(t *testing.T) {
	svr := startServer(t)
	resp := roundTrip(t, dial(t, svr), mulMethod.Key(), &Args{1, 2})
	assert.Equal(t, message.StatusNotImplemented, resp.Header.Status)
	assert.Empty(t, resp.Payload)
}

func TestHandlerError(t *testing.T) {
	svr := startServer(t)
	resp := roundTrip(t, dial(t, svr), divMethod.Key(), &Args{1, 0})
	assert.Equal(t, message.StatusInternalError, resp.Header.Status)
	assert.Equal(t, errDivByZero.Error(), string(resp.Payload))
}

func TestMiddlewareStatus(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(arith{}))
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	serve(t, svr)
	conn := dial(t, svr)

	resp := roundTrip(t, conn, addMethod.Key(), &Args{1, 1})
	assert.Equal(t, message.StatusOK, resp.Header.Status)
	resp = roundTrip(t, conn, addMethod.Key(), &Args{1, 1})
	assert.Equal(t, message.StatusTooManyRequests, resp.Header.Status)
}

func TestHeartbeatIgnored(t *testing.T) {
	svr := startServer(t)
	conn := dial(t, svr)

	require.NoError(t, protocol.Encode(conn, protocol.MsgTypeHeartbeat, &message.Envelope{}))
	resp := roundTrip(t, conn, addMethod.Key(), &Args{4, 5})
	assert.Equal(t, message.StatusOK, resp.Header.Status)
}

func TestCompressedRoundTrip(t *testing.T) {
	svr := startServer(t)
	conn := dial(t, svr)

	req, err := codec.Marshal(nil, &Args{20, 22})
	require.NoError(t, err)
	req.Header.CorrelationKey = addMethod.Key()
	req.Header.Compression = message.CompressionZstd
	require.NoError(t, protocol.Encode(conn, protocol.MsgTypeRequest, req))

	_, resp, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, message.CompressionZstd, resp.Header.Compression)
	reply, err := codec.NewTyped[Reply](resp, nil).Body()
	require.NoError(t, err)
	assert.Equal(t, 42, reply.Result)
}

func TestConcurrentRequestsOnOneConn(t *testing.T) {
	svr := startServer(t)
	conn := dial(t, svr)

	// distinct keys so responses can be told apart regardless of completion order
	keys := []uint32{addMethod.Key(), mulMethod.Key(), divMethod.Key()}
	for _, key := range keys {
		req, err := codec.Marshal(nil, &Args{6, 3})
		require.NoError(t, err)
		req.Header.CorrelationKey = key
		require.NoError(t, protocol.Encode(conn, protocol.MsgTypeRequest, req))
	}

	got := map[uint32]uint32{}
	for range keys {
		_, resp, err := protocol.Decode(conn)
		require.NoError(t, err)
		got[resp.Header.CorrelationKey] = resp.Header.Status
	}
	assert.Equal(t, map[uint32]uint32{
		addMethod.Key(): message.StatusOK,
		mulMethod.Key(): message.StatusNotImplemented,
		divMethod.Key(): message.StatusOK,
	}, got)
}

type dupMethods struct{}

func (dupMethods) Descriptor() *ident.ServiceDescriptor { return arithDesc }
func (dupMethods) Methods() []MethodHandle {
	return []MethodHandle{
		{Method: addMethod, Handler: NotImplemented},
		{Method: addMethod, Handler: NotImplemented},
	}
}

type foreignMethod struct{}

func (foreignMethod) Descriptor() *ident.ServiceDescriptor { return ident.NewService("Other") }
func (foreignMethod) Methods() []MethodHandle {
	return []MethodHandle{{Method: addMethod, Handler: NotImplemented}}
}

func TestRegisterErrors(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(arith{}))

	assert.Error(t, svr.Register(arith{}), "duplicate service id")
	assert.Error(t, NewServer().Register(dupMethods{}), "duplicate method id")
	assert.Error(t, NewServer().Register(foreignMethod{}), "method of another service")

	serve(t, svr)
	assert.Error(t, svr.Register(foreignMethod{}), "register after serve")
}

func TestShutdownDrainsAndDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithRegistry(reg, "127.0.0.1:1", 10))
	require.NoError(t, svr.Register(arith{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- svr.ServeListener(ln) }()
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn, addMethod.Key(), &Args{1, 1})

	instances, err := reg.Discover(arithDesc.Name)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, arithDesc.ID, instances[0].ServiceID)

	require.NoError(t, svr.Shutdown(time.Second))
	assert.NoError(t, <-done)

	instances, err = reg.Discover(arithDesc.Name)
	require.NoError(t, err)
	assert.Empty(t, instances)

	// the live connection is closed by shutdown
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = protocol.Decode(conn)
	assert.Error(t, err)
}

var (
	faultyDesc    = ident.NewService("Faulty")
	nilMethod     = faultyDesc.Method("Nil", "Args", "Reply")
	panicMethod   = faultyDesc.Method("Panic", "Args", "Reply")
	badFlagMethod = faultyDesc.Method("BadFlag", "Args", "Reply")
)

// faulty has handlers that misbehave in ways the server must absorb.
type faulty struct{}

func (faulty) Descriptor() *ident.ServiceDescriptor { return faultyDesc }

func (faulty) Methods() []MethodHandle {
	return []MethodHandle{
		{Method: nilMethod, Handler: func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			return nil, nil
		}},
		{Method: panicMethod, Handler: func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			panic("boom")
		}},
		{Method: badFlagMethod, Handler: func(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
			resp := message.Reply(req, message.StatusOK, []byte("unframeable"))
			resp.Header.Compression = message.CompressionFlag(9)
			return resp, nil
		}},
	}
}

func startFaulty(t *testing.T) *Server {
	t.Helper()
	svr := NewServer()
	svr.Use(middleware.LoggingMiddleware(zap.NewNop()))
	require.NoError(t, svr.Register(arith{}))
	require.NoError(t, svr.Register(faulty{}))
	return serve(t, svr)
}

func TestNilResponseBehindLogging(t *testing.T) {
	svr := startFaulty(t)
	conn := dial(t, svr)

	resp := roundTrip(t, conn, nilMethod.Key(), &Args{})
	assert.Equal(t, message.StatusInternalError, resp.Header.Status)
	assert.Equal(t, "handler returned no envelope", string(resp.Payload))

	resp = roundTrip(t, conn, addMethod.Key(), &Args{2, 2})
	assert.Equal(t, message.StatusOK, resp.Header.Status)
}

func TestHandlerPanic(t *testing.T) {
	svr := startFaulty(t)
	conn := dial(t, svr)

	resp := roundTrip(t, conn, panicMethod.Key(), &Args{})
	assert.Equal(t, message.StatusInternalError, resp.Header.Status)
	assert.Contains(t, string(resp.Payload), "boom")

	resp = roundTrip(t, conn, addMethod.Key(), &Args{2, 2})
	assert.Equal(t, message.StatusOK, resp.Header.Status)
}

func TestUnframeableReply(t *testing.T) {
	svr := startFaulty(t)
	conn := dial(t, svr)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	resp := roundTrip(t, conn, badFlagMethod.Key(), &Args{})
	assert.Equal(t, message.StatusInternalError, resp.Header.Status)
	assert.Equal(t, message.CompressionNone, resp.Header.Compression)
	assert.Empty(t, resp.Payload)
}
