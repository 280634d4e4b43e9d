package registry

import (
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process memory. TTLs are ignored.
// It serves single-process deployments and tests that have no etcd at hand.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance // service → addr → instance
	watchers  map[string][]chan []ServiceInstance
	closed    bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[serviceName] == nil {
		m.instances[serviceName] = make(map[string]ServiceInstance)
	}
	m.instances[serviceName][inst.Addr] = inst
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[serviceName], addr)
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(serviceName), nil
}

// Watch emits the full instance list after every change. Slow readers miss intermediate lists
// but always see the latest one.
func (m *MemoryRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	if m.closed {
		close(ch)
		return ch
	}
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	return ch
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, chans := range m.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	m.watchers = nil
	return nil
}

func (m *MemoryRegistry) listLocked(serviceName string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(m.instances[serviceName]))
	for _, inst := range m.instances[serviceName] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (m *MemoryRegistry) notifyLocked(serviceName string) {
	list := m.listLocked(serviceName)
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch: // drop the stale list
		default:
		}
		ch <- list
	}
}
