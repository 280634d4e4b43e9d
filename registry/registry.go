// Package registry lets servers advertise where a service is reachable and lets clients find it.
package registry

import "errors"

var ErrNoInstances = errors.New("registry: no instances")

type ServiceInstance struct {
	Addr      string `json:"addr"`
	ServiceID uint32 `json:"service_id"`
	Weight    int    `json:"weight"` // Weight for load balancing
	Version   string `json:"version"`
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
	Close() error
}
