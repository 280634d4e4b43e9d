package transport

import (
	"context"
	"sync"
)

// Pool manages a bounded set of transports to a single address.
//
// A caller borrows a transport exclusively for one call and returns it with Put, so concurrent
// calls of the same method never share a correlation key on one connection. Transports are
// dialed lazily; broken ones are discarded instead of being handed out again.
//
// Pool design: a buffered channel of idle transports acts as a FIFO queue.
// Buffered channels are concurrency-safe, and blocking on empty is built-in.
type Pool struct {
	addr string
	size int
	opts Options

	idle  chan *ClientTransport
	freed chan struct{} // a slot opened up after a discard
	done  chan struct{}

	mu      sync.Mutex
	all     map[*ClientTransport]struct{} // idle and borrowed
	dialing int
	closed  bool
}

// NewPool creates a pool of at most size transports to addr. Size below 1 is treated as 1.
func NewPool(addr string, size int, opts Options) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		addr: addr,
		size: size,
		opts: opts,
		idle:  make(chan *ClientTransport, size),
		freed: make(chan struct{}, 1),
		done:  make(chan struct{}),
		all:   make(map[*ClientTransport]struct{}),
	}
}

// Addr returns the address the pool dials.
func (p *Pool) Addr() string {
	return p.addr
}

// Get borrows a transport.
// Strategy:
//  1. Take an idle transport if one is usable
//  2. If the pool is under its limit, dial a new one
//  3. Otherwise block until one is returned, ctx is done, or the pool closes
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		select {
		case t := <-p.idle:
			if t.Err() != nil {
				p.discard(t)
				continue
			}
			return t, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if len(p.all)+p.dialing < p.size {
			// reserve the slot before dialing outside the lock
			p.dialing++
			p.mu.Unlock()
			return p.dial(ctx)
		}
		p.mu.Unlock()

		select {
		case t := <-p.idle:
			if t.Err() != nil {
				p.discard(t)
				continue
			}
			return t, nil
		case <-p.freed:
		case <-ctx.Done():
			return nil, ctxError(ctx, 0)
		case <-p.done:
			return nil, ErrClosed
		}
	}
}

func (p *Pool) dial(ctx context.Context) (*ClientTransport, error) {
	t, err := Dial(ctx, p.addr, p.opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	if err != nil {
		select {
		case p.freed <- struct{}{}:
		default:
		}
		return nil, err
	}
	if p.closed {
		t.Close()
		return nil, ErrClosed
	}
	p.all[t] = struct{}{}
	return t, nil
}

// Put returns a borrowed transport. A broken transport, or any transport once the pool is
// closed, is closed and dropped.
func (p *Pool) Put(t *ClientTransport) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || t.Err() != nil {
		p.discard(t)
		return
	}
	p.idle <- t
}

func (p *Pool) discard(t *ClientTransport) {
	t.Close()
	p.mu.Lock()
	delete(p.all, t)
	p.mu.Unlock()
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Warm dials transports until the pool is full.
func (p *Pool) Warm(ctx context.Context) error {
	var borrowed []*ClientTransport
	defer func() {
		for _, t := range borrowed {
			p.Put(t)
		}
	}()
	for i := 0; i < p.size; i++ {
		t, err := p.Get(ctx)
		if err != nil {
			return err
		}
		borrowed = append(borrowed, t)
	}
	return nil
}

// Close shuts down the pool and closes every transport, including borrowed ones, so their
// pending calls fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	all := make([]*ClientTransport, 0, len(p.all))
	for t := range p.all {
		all = append(all, t)
	}
	p.mu.Unlock()

	for _, t := range all {
		t.Close()
	}
	return nil
}
