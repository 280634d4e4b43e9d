// Package transport implements the client-side transport layer: correlation of responses by key,
// a bounded in-flight memory budget, and heartbeats.
//
// ClientTransport lets several calls share one TCP connection as long as their correlation keys
// differ. Every request registers a pending entry under its key before it is written, and a
// background goroutine (recvLoop) reads responses and resolves the entry with the same key.
//
//	goroutine-1 ──Send(key=A)──┐
//	goroutine-2 ──Send(key=B)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(key=C)──┘
//
//	recvLoop:  ←── response(key=B) → pending[B] ← response → goroutine-2 wakes up
//
// The key identifies a method, not a call, so two in-flight calls of the same method cannot share
// a transport: the second Send fails with ErrKeyInFlight. Pool hands each caller a transport
// of its own for that reason.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"smurf-rpc/message"
	"smurf-rpc/protocol"
)

var (
	ErrKeyInFlight    = errors.New("transport: correlation key already in flight")
	ErrConnectionLost = errors.New("transport: connection lost")
	ErrClosed         = errors.New("transport: closed")
	ErrTimeout        = errors.New("transport: call timed out")
	ErrCanceled       = errors.New("transport: call canceled")
	ErrOverBudget     = errors.New("transport: payload exceeds memory budget")
)

const defaultHeartbeat = 30 * time.Second

// Options configures a ClientTransport.
type Options struct {
	// HeartbeatInterval between keepalive frames. Zero means 30s; negative disables heartbeats.
	HeartbeatInterval time.Duration
	// MemoryBudget bounds the bytes of request payloads in flight. Zero means unbounded.
	MemoryBudget int64
	// DialTimeout applies to Dial. Zero means no timeout beyond the context.
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Result resolves one pending call: either a response envelope or the reason there is none.
type Result struct {
	Envelope *message.Envelope
	Err      error
}

type pendingCall struct {
	ch     chan Result // buffered, so resolving never blocks recvLoop
	weight int64       // bytes held against the memory budget
}

// ClientTransport manages a single TCP connection.
type ClientTransport struct {
	conn    net.Conn
	sending sync.Mutex // write lock, one frame at a time
	logger  *zap.Logger

	budget     *semaphore.Weighted // nil when unbounded
	budgetSize int64

	mu      sync.Mutex
	pending map[uint32]*pendingCall
	err     error // terminal error once the transport is unusable

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, addr string, opts Options) (*ClientTransport, error) {
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, opts), nil
}

// NewClientTransport takes ownership of conn and starts two background goroutines:
//   - recvLoop: reads responses and resolves pending calls
//   - heartbeatLoop: sends periodic heartbeat frames until the transport closes
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		logger:  opts.Logger,
		pending: make(map[uint32]*pendingCall),
		done:    make(chan struct{}),
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if opts.MemoryBudget > 0 {
		t.budget = semaphore.NewWeighted(opts.MemoryBudget)
		t.budgetSize = opts.MemoryBudget
	}
	go t.recvLoop()

	interval := opts.HeartbeatInterval
	if interval == 0 {
		interval = defaultHeartbeat
	}
	if interval > 0 {
		go t.heartbeatLoop(interval)
	}
	return t
}

// Send writes env as a request and returns the channel its Result will arrive on.
// The pending entry is registered before the frame is written, so a fast response is never missed.
// Send blocks while the memory budget is exhausted, until ctx is done.
//
// A frame that cannot be built (unknown compression flag, protocol.ErrPayloadTooLarge) fails
// with that error and leaves the transport usable; only a failed write is ErrConnectionLost.
func (t *ClientTransport) Send(ctx context.Context, env *message.Envelope) (<-chan Result, error) {
	call, err := t.send(ctx, env)
	if err != nil {
		return nil, err
	}
	return call.ch, nil
}

func (t *ClientTransport) send(ctx context.Context, env *message.Envelope) (*pendingCall, error) {
	key := env.Header.CorrelationKey
	frame, err := protocol.Frame(protocol.MsgTypeRequest, env)
	if err != nil {
		return nil, fmt.Errorf("key %d: %w", key, err)
	}

	weight := int64(len(env.Payload))
	if t.budget != nil {
		if weight > t.budgetSize {
			return nil, fmt.Errorf("%w: %d > %d bytes", ErrOverBudget, weight, t.budgetSize)
		}
		if err := t.budget.Acquire(ctx, weight); err != nil {
			return nil, ctxError(ctx, key)
		}
	}

	call := &pendingCall{ch: make(chan Result, 1), weight: weight}
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		t.release(call)
		return nil, err
	}
	if _, busy := t.pending[key]; busy {
		t.mu.Unlock()
		t.release(call)
		return nil, fmt.Errorf("%w: key %d", ErrKeyInFlight, key)
	}
	t.pending[key] = call
	t.mu.Unlock()

	t.sending.Lock()
	_, err = t.conn.Write(frame)
	t.sending.Unlock()
	if err != nil {
		if t.take(key, call) {
			t.release(call)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return call, nil
}

// Call sends env and waits for its response. When ctx is done first, the pending entry is
// dropped and the call fails with ErrTimeout (deadline) or ErrCanceled.
func (t *ClientTransport) Call(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	call, err := t.send(ctx, env)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-call.ch:
		return r.Envelope, r.Err
	case <-ctx.Done():
		// only ever our own entry; the key may already belong to a newer call
		if t.take(env.Header.CorrelationKey, call) {
			t.release(call)
			return nil, ctxError(ctx, env.Header.CorrelationKey)
		}
		// resolved concurrently; the result is already buffered
		r := <-call.ch
		return r.Envelope, r.Err
	}
}

// take removes the pending entry for key if it is still call.
func (t *ClientTransport) take(key uint32, call *pendingCall) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] != call {
		return false
	}
	delete(t.pending, key)
	return true
}

func (t *ClientTransport) release(call *pendingCall) {
	if t.budget != nil && call.weight > 0 {
		t.budget.Release(call.weight)
	}
}

func ctxError(ctx context.Context, key uint32) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: key %d", ErrTimeout, key)
	}
	return fmt.Errorf("%w: key %d", ErrCanceled, key)
}

// recvLoop is the only reader of the connection; frames must be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		msgType, env, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		if msgType != protocol.MsgTypeResponse {
			continue
		}

		key := env.Header.CorrelationKey
		t.mu.Lock()
		call, ok := t.pending[key]
		if ok {
			delete(t.pending, key)
		}
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("dropping uncorrelated response", zap.Uint32("key", key))
			continue
		}
		t.release(call)
		call.ch <- Result{Envelope: env}
	}
}

// fail marks the transport unusable and resolves every pending call with err.
// Only the first terminal error is kept.
func (t *ClientTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	} else {
		err = t.err
	}
	pending := t.pending
	t.pending = make(map[uint32]*pendingCall)
	t.mu.Unlock()

	for _, call := range pending {
		t.release(call)
		call.ch <- Result{Err: err}
	}
}

// Err returns the terminal error, or nil while the transport is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Pending returns the number of calls awaiting a response.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close fails every pending call with ErrClosed and closes the connection. It is idempotent.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.fail(ErrClosed)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// heartbeatLoop sends an empty heartbeat frame every interval until the transport closes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		// heartbeat writes need the sending lock too
		t.sending.Lock()
		err := protocol.Encode(t.conn, protocol.MsgTypeHeartbeat, &message.Envelope{})
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
