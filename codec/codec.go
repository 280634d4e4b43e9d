// Package codec turns typed request/response bodies into envelope payload bytes and back,
// and compresses those bytes according to the envelope's compression flag.
//
// The payload format is not part of the wire contract: the protocol layer treats payloads as
// opaque bytes. JSON is the only codec shipped here.
package codec

// Codec encodes bodies into payload bytes and back. Implementations must be safe for
// concurrent use.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}
