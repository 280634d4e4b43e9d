// Package client is the base every generated client stub builds on.
//
// A call stamps the method's correlation key onto the envelope, borrows a transport from the
// pool for the target address, sends, and waits for the response with the same key. Calls always
// carry a deadline, so none of them can pend forever.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"smurf-rpc/codec"
	"smurf-rpc/ident"
	"smurf-rpc/loadbalance"
	"smurf-rpc/message"
	"smurf-rpc/middleware"
	"smurf-rpc/registry"
	"smurf-rpc/transport"
)

const (
	DefaultCallTimeout = 10 * time.Second
	defaultResolveTTL  = 5 * time.Second
)

var ErrClosed = errors.New("client: closed")

type Client struct {
	addr     string            // static target; empty when resolving through the registry
	registry registry.Registry // find service instances
	balancer loadbalance.Balancer

	codec       codec.Codec
	compression message.CompressionFlag
	callTimeout time.Duration
	poolSize    int
	tOpts       transport.Options
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	logger      *zap.Logger

	mu       sync.Mutex
	pools    map[string]*transport.Pool // one pool per instance address
	resolved map[string]resolved        // service name → cached instances
	closed   bool
}

type resolved struct {
	instances []registry.ServiceInstance
	at        time.Time
}

type Option func(*Client)

// WithPoolSize bounds the connections per address. Each in-flight call holds one.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

func WithCodec(cdc codec.Codec) Option {
	return func(c *Client) { c.codec = cdc }
}

// WithCompression sets the flag stamped on requests that don't choose one themselves.
func WithCompression(flag message.CompressionFlag) Option {
	return func(c *Client) { c.compression = flag }
}

// WithCallTimeout bounds every call. Non-positive values keep the default.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithMemoryBudget bounds the request payload bytes in flight per connection.
func WithMemoryBudget(bytes int64) Option {
	return func(c *Client) { c.tOpts.MemoryBudget = bytes }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.tOpts.DialTimeout = d }
}

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.tOpts.HeartbeatInterval = d }
}

// WithMiddleware wraps every call, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegistry resolves targets through reg instead of a static address, picking among
// instances with bal.
func WithRegistry(reg registry.Registry, bal loadbalance.Balancer) Option {
	return func(c *Client) {
		c.registry = reg
		c.balancer = bal
	}
}

// New creates a client for the server at addr. With WithRegistry, addr may be empty.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		codec:       &codec.JSONCodec{},
		callTimeout: DefaultCallTimeout,
		poolSize:    1,
		logger:      zap.NewNop(),
		pools:       make(map[string]*transport.Pool),
		resolved:    make(map[string]resolved),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	c.tOpts.Logger = c.logger
	c.handler = middleware.Chain(c.middlewares...)(c.send)
	return c
}

// Codec returns the payload codec used by typed helpers.
func (c *Client) Codec() codec.Codec {
	return c.codec
}

// Connect dials every connection of the pool for the static address, or for each instance
// of service when resolving through the registry.
func (c *Client) Connect(ctx context.Context, service *ident.ServiceDescriptor) error {
	if c.registry == nil {
		pool, err := c.pool(c.addr)
		if err != nil {
			return err
		}
		return pool.Warm(ctx)
	}

	instances, err := c.instances(service.Name)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		pool, err := c.pool(inst.Addr)
		if err != nil {
			return err
		}
		if err := pool.Warm(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Call sends env to method and returns the response envelope.
// The correlation key is always set from method; a request without a compression choice
// gets the client's default flag.
func (c *Client) Call(ctx context.Context, method *ident.MethodDescriptor, env *message.Envelope) (*message.Envelope, error) {
	env.Header.CorrelationKey = method.Key()
	if env.Header.Compression == message.CompressionNone {
		env.Header.Compression = c.compression
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.handler(withMethod(ctx, method), env)
}

// send is the innermost handler: resolve, borrow, call, return.
func (c *Client) send(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
	addr, err := c.resolve(methodFrom(ctx))
	if err != nil {
		return nil, err
	}
	pool, err := c.pool(addr)
	if err != nil {
		return nil, err
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Put(t)
	return t.Call(ctx, env)
}

func (c *Client) resolve(method *ident.MethodDescriptor) (string, error) {
	if c.registry == nil {
		return c.addr, nil
	}
	instances, err := c.instances(method.Service.Name)
	if err != nil {
		return "", err
	}
	inst, err := c.balancer.Pick(method.FullName(), instances)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}

// instances returns the registered instances of service, cached for a few seconds.
func (c *Client) instances(service string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	cached, ok := c.resolved[service]
	c.mu.Unlock()
	if ok && time.Since(cached.at) < defaultResolveTTL {
		return cached.instances, nil
	}

	instances, err := c.registry.Discover(service)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}
	c.mu.Lock()
	c.resolved[service] = resolved{instances: instances, at: time.Now()}
	c.mu.Unlock()
	return instances, nil
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	pool, ok := c.pools[addr]
	if !ok {
		pool = transport.NewPool(addr, c.poolSize, c.tOpts)
		c.pools[addr] = pool
	}
	return pool, nil
}

// Close closes every pool. Calls still in flight fail with transport.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*transport.Pool)
	c.mu.Unlock()

	for _, pool := range pools {
		pool.Close()
	}
	return nil
}

// Invoke calls method and wraps the response for lazy decoding as T.
func Invoke[T any](ctx context.Context, c *Client, method *ident.MethodDescriptor, env *message.Envelope) (*codec.Typed[T], error) {
	resp, err := c.Call(ctx, method, env)
	if err != nil {
		return nil, err
	}
	return codec.NewTyped[T](resp, c.codec), nil
}

// Retryable reports whether err is worth another attempt with a fresh envelope.
func Retryable(err error) bool {
	return errors.Is(err, transport.ErrConnectionLost) || errors.Is(err, transport.ErrTimeout)
}

type methodKey struct{}

func withMethod(ctx context.Context, m *ident.MethodDescriptor) context.Context {
	return context.WithValue(ctx, methodKey{}, m)
}

func methodFrom(ctx context.Context) *ident.MethodDescriptor {
	m, _ := ctx.Value(methodKey{}).(*ident.MethodDescriptor)
	return m
}
