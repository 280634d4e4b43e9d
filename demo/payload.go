package demo

import (
	"context"
	"fmt"
	"strings"

	"smurf-rpc/codec"
	"smurf-rpc/config"
	"smurf-rpc/loadgen"
	"smurf-rpc/message"
)

type Request struct {
	Name string `json:"name"`
}

type Response struct {
	Name string `json:"name"`
}

// ComplexRequest carries a deeply nested struct instead of a large string.
type ComplexRequest struct {
	Data *Payload `json:"data"`
}

type Payload struct {
	One   *C1 `json:"one"`
	Two   *C2 `json:"two"`
	Three *C3 `json:"three"`
	Four  *C4 `json:"four"`
	Five  *C5 `json:"five"`
}

type C1 struct {
	A uint64 `json:"a"`
	B uint32 `json:"b"`
}

type C2 struct {
	X *C1 `json:"x"`
}

type C3 struct {
	X *C2 `json:"x"`
}

type C4 struct {
	X *C3 `json:"x"`
}

type C5 struct {
	X *C4 `json:"x"`
}

// Payload1KB is the request name used by test case 1.
var Payload1KB = strings.Repeat("x", 1000)

// ComplexPayload builds the nested payload used by test case 2.
func ComplexPayload() *Payload {
	c2 := func() *C2 { return &C2{X: &C1{}} }
	c3 := func() *C3 { return &C3{X: c2()} }
	c4 := func() *C4 { return &C4{X: c3()} }
	return &Payload{
		One:   &C1{},
		Two:   c2(),
		Three: c3(),
		Four:  c4(),
		Five:  &C5{X: c4()},
	}
}

// Generator returns the request generator for a test case:
// 1 sends a Request with a 1KB name, 2 sends a ComplexRequest.
// The payload is encoded once; every call gets its own envelope over the shared bytes.
func Generator(testCase int) (loadgen.GeneratorFunc, error) {
	var body any
	switch testCase {
	case 1:
		body = &Request{Name: Payload1KB}
	case 2:
		body = &ComplexRequest{Data: ComplexPayload()}
	default:
		return nil, fmt.Errorf("%w, got %d", config.ErrInvalidTestCase, testCase)
	}

	proto, err := codec.Marshal(nil, body)
	if err != nil {
		return nil, err
	}
	return func() (*message.Envelope, error) {
		return message.New(proto.Payload), nil
	}, nil
}

// CallGet is the benchmark method: one Get per iteration. A 200 or a 501 from a server that
// left Get unimplemented both count as success; any other status is a failure.
func CallGet(ctx context.Context, stub *SmurfStorageClient, env *message.Envelope) error {
	resp, err := stub.Get(ctx, env)
	if err != nil {
		return err
	}
	switch resp.Status() {
	case message.StatusOK, message.StatusNotImplemented:
		return nil
	}
	return fmt.Errorf("SmurfStorage.Get: status %d", resp.Status())
}
