// Package ident derives the stable identifiers used to route RPC calls.
//
// Every service and method gets a 32-bit id computed from a CRC-32 (IEEE) of its name.
// The ids carry no process-specific salt, so a client and a server built separately agree
// on them without exchanging any table. The two ids are XOR-ed into a single correlation key:
//
//	service_id = crc32("SmurfStorage")          = 1969906889
//	method_id  = crc32("Get:Request:Response")  = 2552873045
//	key        = service_id ^ method_id         = 3980633244
//
// Collisions between distinct names are possible in a 32-bit space. They are not tracked here;
// the server rejects duplicate ids inside a single service at registration time.
package ident

import (
	"fmt"
	"hash/crc32"
)

// Hash returns the CRC-32 (IEEE) of name.
func Hash(name string) uint32 {
	return crc32.ChecksumIEEE([]byte(name))
}

// Combine merges a service id and a method id into a correlation key.
// XOR makes it invertible when one operand is known: Combine(key, serviceID) == methodID.
// It is only meant for exactly two operands.
func Combine(serviceID, methodID uint32) uint32 {
	return serviceID ^ methodID
}

// MethodSignature is the string hashed into a method id: "Name:Input:Output".
func MethodSignature(name, input, output string) string {
	return name + ":" + input + ":" + output
}

// ServiceDescriptor identifies one service.
type ServiceDescriptor struct {
	Name string
	ID   uint32
}

// NewService computes the descriptor for the named service.
func NewService(name string) *ServiceDescriptor {
	return &ServiceDescriptor{Name: name, ID: Hash(name)}
}

// Method returns a descriptor for a method of s taking input and returning output.
func (s *ServiceDescriptor) Method(name, input, output string) *MethodDescriptor {
	return &MethodDescriptor{
		Service: s,
		Name:    name,
		Input:   input,
		Output:  output,
		ID:      Hash(MethodSignature(name, input, output)),
	}
}

func (s *ServiceDescriptor) String() string {
	return fmt.Sprintf("%s(%d)", s.Name, s.ID)
}

// MethodDescriptor identifies one method of one service.
type MethodDescriptor struct {
	Service *ServiceDescriptor
	Name    string
	Input   string
	Output  string
	ID      uint32
}

// Key is the correlation key stamped on every request for this method.
func (m *MethodDescriptor) Key() uint32 {
	return Combine(m.Service.ID, m.ID)
}

// FullName returns "Service.Method".
func (m *MethodDescriptor) FullName() string {
	return m.Service.Name + "." + m.Name
}

func (m *MethodDescriptor) String() string {
	return fmt.Sprintf("%s(%d)", m.FullName(), m.Key())
}
