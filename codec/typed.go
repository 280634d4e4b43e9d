package codec

import (
	"sync"

	"smurf-rpc/message"
)

// Typed pairs an envelope with the body type it is expected to carry.
// The body is decoded on first access and cached.
type Typed[T any] struct {
	Envelope *message.Envelope
	Codec    Codec

	once sync.Once
	body *T
	err  error
}

// NewTyped wraps env; a nil codec means JSON.
func NewTyped[T any](env *message.Envelope, c Codec) *Typed[T] {
	if c == nil {
		c = &JSONCodec{}
	}
	return &Typed[T]{Envelope: env, Codec: c}
}

// Status returns the envelope status.
func (t *Typed[T]) Status() uint32 {
	return t.Envelope.Header.Status
}

// Body decodes the payload into a T. An empty payload yields a zero T.
func (t *Typed[T]) Body() (*T, error) {
	t.once.Do(func() {
		t.body = new(T)
		if len(t.Envelope.Payload) == 0 {
			return
		}
		t.err = t.Codec.Decode(t.Envelope.Payload, t.body)
	})
	return t.body, t.err
}

// Marshal encodes v into a new request envelope with no key yet.
func Marshal(c Codec, v any) (*message.Envelope, error) {
	if c == nil {
		c = &JSONCodec{}
	}
	payload, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	return message.New(payload), nil
}
