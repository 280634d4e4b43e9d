package codec

import (
	json "github.com/goccy/go-json"
)

// JSONCodec serializes bodies with goccy/go-json, a drop-in encoding/json replacement
// that avoids most of the reflection cost on hot paths.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

