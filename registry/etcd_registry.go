package registry

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/smurf-rpc/"

// EtcdRegistry implements the Registry interface using etcd v3, used as a "distributed
// phonebook" for services:
//
//	Key:   /smurf-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed automatically.
type EtcdRegistry struct {
	client  *clientv3.Client // thread-safe, shared across goroutines
	timeout time.Duration    // per-request timeout
	logger  *zap.Logger

	ctx    context.Context // lives until Close; parents keepalives and watches
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can revoke
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client:  c,
		timeout: 5 * time.Second,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		leases:  make(map[string]clientv3.LeaseID),
	}, nil
}

func instanceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// Register adds a service instance with a TTL lease and keeps the lease alive until
// Deregister or Close.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(serviceName, instance.Addr)
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// drain keepalive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance. The lease is revoked, which also stops its keepalive.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	key := instanceKey(serviceName, addr)
	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		_, err := r.client.Revoke(ctx, leaseID)
		return err
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full instance list whenever the service prefix changes.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// re-fetch the full list rather than applying individual events
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.logger.Warn("registry watch refresh failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, keyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops keepalives and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
