package codec

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"smurf-rpc/message"
)

// MaxDecompressedSize bounds how large a single payload may grow when decompressed.
const MaxDecompressedSize = 64 << 20

// Compressor compresses and decompresses whole payloads.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// GetCompressor returns the compressor for flag. None and Disabled map to a pass-through.
func GetCompressor(flag message.CompressionFlag) (Compressor, error) {
	switch flag {
	case message.CompressionNone, message.CompressionDisabled:
		return identity{}, nil
	case message.CompressionZstd:
		return zstdCompressor{}, nil
	case message.CompressionLZ4:
		return lz4Compressor{}, nil
	}
	return nil, fmt.Errorf("codec: unsupported compression flag %d", byte(flag))
}

type identity struct{}

func (identity) Compress(src []byte) ([]byte, error)   { return src, nil }
func (identity) Decompress(src []byte) ([]byte, error) { return src, nil }

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls,
// so one pair is shared by every connection.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() {
	zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if zstdErr != nil {
		return
	}
	zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
}

type zstdCompressor struct{}

func (zstdCompressor) Compress(src []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (zstdCompressor) Decompress(src []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdErr != nil {
		return nil, zstdErr
	}
	out, err := zstdDecoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd: %w", err)
	}
	return out, nil
}

type lz4Compressor struct{}

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("codec: lz4: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: lz4: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	r := io.LimitReader(lz4.NewReader(bytes.NewReader(src)), MaxDecompressedSize+1)
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, fmt.Errorf("codec: lz4: payload exceeds %d bytes", MaxDecompressedSize)
	}
	return out, nil
}
