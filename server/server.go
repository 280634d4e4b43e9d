// Package server implements the RPC server: service registration into immutable dispatch
// tables, a middleware chain, parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → middleware chain → dispatch (key ^ service_id → method handle) → write response
//
// An unknown correlation key is answered with a 404 envelope; the connection stays up.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"smurf-rpc/message"
	"smurf-rpc/middleware"
	"smurf-rpc/protocol"
	"smurf-rpc/registry"
)

var (
	errNoEnvelope   = errors.New("handler returned no envelope")
	errHandlerPanic = errors.New("handler panicked")
)

// Server dispatches inbound envelopes to registered services.
type Server struct {
	services    []*service              // dispatch tables, read-only once serving
	listener    net.Listener            // TCP listener
	wg          sync.WaitGroup          // in-flight requests, for graceful shutdown
	serving     atomic.Bool             // set by Serve; Register is refused afterwards
	shutdown    atomic.Bool             // set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	logger      *zap.Logger

	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // address registered in the registry, must be routable
	ttl           int64

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	ready  chan struct{} // closed once the listener is up
}

type Option func(*Server)

// WithLogger sets the server logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry advertises every registered service at advertiseAddr while serving.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// NewServer creates a new RPC server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger: zap.NewNop(),
		conns:  make(map[net.Conn]struct{}),
		ready:  make(chan struct{}),
		ttl:    10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register builds the dispatch table for svc. It must be called before Serve.
func (svr *Server) Register(svc Service) error {
	if svr.serving.Load() {
		return errors.New("rpc: register after serve")
	}
	table, err := newService(svc)
	if err != nil {
		return err
	}
	for _, existing := range svr.services {
		if existing.desc.ID == table.desc.ID {
			return fmt.Errorf("rpc: service id %d of %s already registered by %s",
				table.desc.ID, table.desc.Name, existing.desc.Name)
		}
	}
	svr.services = append(svr.services, table)
	svr.logger.Info("registered service",
		zap.String("service", table.desc.Name),
		zap.Uint32("service_id", table.desc.ID),
		zap.Int("methods", len(table.methods)))
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and handles connections until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener handles connections accepted from listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	if !svr.serving.CompareAndSwap(false, true) {
		return errors.New("rpc: server already serving")
	}
	svr.listener = listener

	// Build the middleware chain once, not per request:
	//   Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	close(svr.ready)

	if svr.registry != nil {
		for _, s := range svr.services {
			err := svr.registry.Register(s.desc.Name, registry.ServiceInstance{
				Addr:      svr.advertiseAddr,
				ServiceID: s.desc.ID,
				Weight:    1,
			}, svr.ttl)
			if err != nil {
				return fmt.Errorf("rpc: advertise %s: %w", s.desc.Name, err)
			}
		}
	}

	svr.logger.Info("rpc server listening", zap.String("addr", listener.Addr().String()))
	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close() during shutdown surfaces here
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.trackConn(conn, true)
		go svr.handleConn(conn)
	}
}

// Addr blocks until the server is listening and returns the listener address.
func (svr *Server) Addr() net.Addr {
	<-svr.ready
	return svr.listener.Addr()
}

func (svr *Server) trackConn(conn net.Conn, add bool) {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if add {
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
}

// handleConn reads frames sequentially from one connection and dispatches each request to
// its own goroutine. Responses share a per-connection write lock so frames never interleave.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.trackConn(conn, false)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		msgType, env, err := protocol.Decode(conn)
		if err != nil {
			if !svr.shutdown.Load() {
				svr.logger.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		switch msgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeResponse:
			svr.logger.Warn("dropping response frame sent to server", zap.Uint32("key", env.Header.CorrelationKey))
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(env, conn, writeMu)
	}
}

// handleRequest runs exactly one handler for req and writes exactly one response.
func (svr *Server) handleRequest(req *message.Envelope, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	resp, err := svr.invoke(req)
	if err != nil {
		resp = svr.errorReply(req, err)
	} else if resp == nil {
		resp = message.Reply(req, message.StatusInternalError, []byte(errNoEnvelope.Error()))
	}
	// the key always echoes the request so the client can correlate
	resp.Header.CorrelationKey = req.Header.CorrelationKey

	frame, err := protocol.Frame(protocol.MsgTypeResponse, resp)
	if err != nil {
		// the caller still gets an answer instead of waiting out its deadline
		svr.logger.Warn("failed to encode response", zap.Uint32("key", req.Header.CorrelationKey), zap.Error(err))
		fallback := message.Reply(req, message.StatusInternalError, nil)
		fallback.Header.Compression = message.CompressionNone
		if frame, err = protocol.Frame(protocol.MsgTypeResponse, fallback); err != nil {
			return
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		svr.logger.Warn("failed to write response", zap.Uint32("key", req.Header.CorrelationKey), zap.Error(err))
	}
}

// invoke runs the middleware chain, turning a panic into an error so one handler cannot take
// the process down.
func (svr *Server) invoke(req *message.Envelope) (resp *message.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("handler panicked",
				zap.Uint32("key", req.Header.CorrelationKey),
				zap.Any("panic", r),
				zap.StackSkip("stack", 1))
			resp, err = nil, fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return svr.handler(context.Background(), req)
}

// errorReply maps a handler error onto a status code.
func (svr *Server) errorReply(req *message.Envelope, err error) *message.Envelope {
	status := message.StatusInternalError
	switch {
	case errors.Is(err, middleware.ErrRateLimited):
		status = message.StatusTooManyRequests
	case errors.Is(err, middleware.ErrTimeout):
		status = message.StatusTimeout
	default:
		svr.logger.Warn("handler failed", zap.Uint32("key", req.Header.CorrelationKey), zap.Error(err))
	}
	return message.Reply(req, status, []byte(err.Error()))
}

// dispatch is the innermost handler of the chain: it finds the method behind the correlation
// key and invokes it.
func (svr *Server) dispatch(ctx context.Context, req *message.Envelope) (*message.Envelope, error) {
	for _, s := range svr.services {
		if h, ok := s.lookup(req.Header.CorrelationKey); ok {
			resp, err := h.Handler(ctx, req)
			if err == nil && resp == nil {
				return message.Reply(req, message.StatusInternalError, []byte(errNoEnvelope.Error())), nil
			}
			return resp, err
		}
	}
	svr.logger.Debug("no method for key", zap.Uint32("key", req.Header.CorrelationKey))
	return message.Reply(req, message.StatusNotFound, nil), nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing here)
//  2. Close the listener (stop accepting connections)
//  3. Wait for in-flight requests to finish, up to timeout
//  4. Close remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	var errs error
	if svr.registry != nil {
		for _, s := range svr.services {
			errs = multierr.Append(errs, svr.registry.Deregister(s.desc.Name, svr.advertiseAddr))
		}
	}

	// set the flag before closing so Serve returns nil rather than the Accept error
	svr.shutdown.Store(true)
	if svr.listener != nil {
		errs = multierr.Append(errs, svr.listener.Close())
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()

	svr.logger.Info("rpc server stopped")
	return errs
}
