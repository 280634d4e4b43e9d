// Package protocol implements the binary frame that carries one envelope over a stream.
//
// A fixed 18-byte header is followed by the payload. The receiver reads the header first to
// learn the payload length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6               10              14              18
//	┌──────┬──┬──┬──┬───────────────┬───────────────┬───────────────┬──────────────┐
//	│magic │v │mt│cf│ correlationKey│    status     │  payloadLen   │ payload ...  │
//	│ smf  │01│  │  │    uint32     │    uint32     │    uint32     │              │
//	└──────┴──┴──┴──┴───────────────┴───────────────┴───────────────┴──────────────┘
//
// All integers are big-endian. The payload is compressed according to the compression
// flag (cf); Encode compresses and Decode decompresses, so callers only see raw payloads.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"smurf-rpc/codec"
	"smurf-rpc/message"
)

const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x6d // 'm'
	MagicByte3  byte = 0x66 // 'f'
	Version     byte = 0x01
	HeaderSize  int  = 18 // 3 (magic) + 1 (version) + 1 (msgType) + 1 (compression) + 4 (key) + 4 (status) + 4 (len)

	// MaxPayloadSize bounds a single frame's payload as it appears on the wire.
	MaxPayloadSize = 64 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server
	MsgTypeResponse  MsgType = 1 // Server → Client
	MsgTypeHeartbeat MsgType = 2 // keepalive probe, empty envelope
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// ErrPayloadTooLarge is returned for a payload over MaxPayloadSize after compression.
var ErrPayloadTooLarge = errors.New("payload too large")

// Encode writes one frame for env to w.
// The caller must hold a write lock if several goroutines share w, otherwise frames interleave.
func Encode(w io.Writer, msgType MsgType, env *message.Envelope) error {
	buf, err := Frame(msgType, env)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Frame builds the bytes of one frame for env without writing them. Its errors concern env
// itself (unknown compression flag, compressor failure, size); nothing has touched a stream yet.
func Frame(msgType MsgType, env *message.Envelope) ([]byte, error) {
	compressor, err := codec.GetCompressor(env.Header.Compression)
	if err != nil {
		return nil, err
	}
	payload, err := compressor.Compress(env.Payload)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	// header and payload go out in a single Write
	buf := make([]byte, HeaderSize+len(payload))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(msgType)
	buf[5] = byte(env.Header.Compression)
	binary.BigEndian.PutUint32(buf[6:10], env.Header.CorrelationKey)
	binary.BigEndian.PutUint32(buf[10:14], env.Header.Status)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode reads one frame from r.
// It validates magic, version, message type, and compression flag before reading the payload.
func Decode(r io.Reader) (MsgType, *message.Envelope, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return 0, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return 0, nil, fmt.Errorf("unsupported message type: %d", headerBuf[4])
	}

	flag := message.CompressionFlag(headerBuf[5])
	compressor, err := codec.GetCompressor(flag)
	if err != nil {
		return 0, nil, err
	}

	payloadLen := binary.BigEndian.Uint32(headerBuf[14:18])
	if payloadLen > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	if payload, err = compressor.Decompress(payload); err != nil {
		return 0, nil, err
	}

	return msgType, &message.Envelope{
		Header: message.Header{
			CorrelationKey: binary.BigEndian.Uint32(headerBuf[6:10]),
			Status:         binary.BigEndian.Uint32(headerBuf[10:14]),
			Compression:    flag,
		},
		Payload: payload,
	}, nil
}
