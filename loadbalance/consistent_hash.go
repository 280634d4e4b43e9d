package loadbalance

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"smurf-rpc/ident"
	"smurf-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the instance set changes.
//
// Each real instance is placed on the ring as N virtual nodes so a handful of instances
// still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32          // sorted hash values
	nodes map[uint32]string // hash → instance addr
	set   string            // addrs the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick hashes key, finds the first virtual node at or after it on the ring (wrapping around),
// and returns the instance behind that node. The ring is rebuilt when instances change.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	b.mu.Lock()
	b.rebuildLocked(instances)
	hash := ident.Hash(key)
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return &instances[0], nil
}

func (b *ConsistentHashBalancer) rebuildLocked(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	set := strings.Join(addrs, ",")
	if set == b.set {
		return
	}

	b.set = set
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(addrs)*b.replicas)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := ident.Hash(addr + "#" + strconv.Itoa(i))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = addr
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
