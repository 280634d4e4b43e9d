package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smurf-rpc/message"
)

type getRequest struct {
	Name string `json:"name"`
}

func TestJSONCodec(t *testing.T) {
	var jsonCodec Codec = &JSONCodec{}

	data, err := jsonCodec.Encode(&getRequest{Name: "smurf"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"smurf"}`, string(data))

	var decoded getRequest
	require.NoError(t, jsonCodec.Decode(data, &decoded))
	assert.Equal(t, "smurf", decoded.Name)

	assert.Error(t, jsonCodec.Decode([]byte("{"), &decoded))
}

func TestCompressors(t *testing.T) {
	payload := []byte(strings.Repeat("smurf storage payload ", 200))

	for _, flag := range []message.CompressionFlag{
		message.CompressionNone,
		message.CompressionDisabled,
		message.CompressionZstd,
		message.CompressionLZ4,
	} {
		t.Run(flag.String(), func(t *testing.T) {
			c, err := GetCompressor(flag)
			require.NoError(t, err)

			packed, err := c.Compress(payload)
			require.NoError(t, err)
			if flag == message.CompressionZstd || flag == message.CompressionLZ4 {
				assert.Less(t, len(packed), len(payload))
			}

			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, unpacked))
		})
	}
}

func TestCompressorRejectsGarbage(t *testing.T) {
	c, err := GetCompressor(message.CompressionZstd)
	require.NoError(t, err)
	_, err = c.Decompress([]byte("definitely not zstd"))
	assert.Error(t, err)

	_, err = GetCompressor(message.CompressionFlag(42))
	assert.Error(t, err)
}
