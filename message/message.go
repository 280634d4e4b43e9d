// Package message defines the envelope exchanged between client and server.
//
// An Envelope is one RPC call or one response: a small fixed header plus opaque payload bytes.
// The payload is produced by the codec layer and framed by the protocol layer for transmission.
// A response is never the request envelope mutated in place; it is a new Envelope that carries
// the same correlation key.
package message

import "fmt"

// CompressionFlag tells the receiver how the payload bytes were compressed.
// It is a hint carried per envelope, not negotiated.
type CompressionFlag byte

const (
	CompressionNone     CompressionFlag = 0
	CompressionDisabled CompressionFlag = 1 // sender opted out explicitly; payload is raw
	CompressionZstd     CompressionFlag = 2
	CompressionLZ4      CompressionFlag = 3
)

func (f CompressionFlag) String() string {
	switch f {
	case CompressionNone:
		return "none"
	case CompressionDisabled:
		return "disabled"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	}
	return fmt.Sprintf("compression(%d)", byte(f))
}

// Valid reports whether f is one of the known flags.
func (f CompressionFlag) Valid() bool {
	return f <= CompressionLZ4
}

// ParseCompression maps a flag name back to its value.
func ParseCompression(s string) (CompressionFlag, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "disabled":
		return CompressionDisabled, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

// Status values follow HTTP by convention. The framework sets 404, 429, 500 and 504 itself;
// everything else is up to the service.
const (
	StatusOK              uint32 = 200
	StatusNotFound        uint32 = 404
	StatusTooManyRequests uint32 = 429
	StatusInternalError   uint32 = 500
	StatusNotImplemented  uint32 = 501
	StatusTimeout         uint32 = 504
)

// Header is the fixed part of every envelope.
type Header struct {
	CorrelationKey uint32          // service_id ^ method_id
	Status         uint32          // caller-defined, HTTP-like
	Compression    CompressionFlag // how Payload is compressed on the wire
}

// Envelope carries one request or response.
type Envelope struct {
	Header  Header
	Payload []byte
}

// New returns a request envelope with the given payload and no key yet.
func New(payload []byte) *Envelope {
	return &Envelope{Payload: payload}
}

// Reply returns a fresh response envelope correlated to req.
func Reply(req *Envelope, status uint32, payload []byte) *Envelope {
	return &Envelope{
		Header: Header{
			CorrelationKey: req.Header.CorrelationKey,
			Status:         status,
			Compression:    req.Header.Compression,
		},
		Payload: payload,
	}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("envelope{key=%d status=%d compression=%s payload=%dB}",
		e.Header.CorrelationKey, e.Header.Status, e.Header.Compression, len(e.Payload))
}
