// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Callers that want the same key on the same instance
package loadbalance

import (
	"fmt"

	"smurf-rpc/registry"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before dialing a pool to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the caller's affinity
	// (the client passes the method's full name); strategies that don't need it ignore it.
	// Called concurrently; must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin", "weighted_random" or
// "consistent_hash". An empty name means round robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
