package cwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary frames open with two little-endian uint16 values.
// The pair (2, 0) selects the LiDAR variant, which uses a
// 32-bit header length; every other pair is the compact variant
// with a 16-bit header length.
const (
	lidarMagicA = 2
	lidarMagicB = 0
)

// ErrShortFrame reports a binary frame too small for its declared layout.
var ErrShortFrame = errors.New("binary frame shorter than declared layout")

// Frame is a decoded binary data-channel message: the JSON envelope
// from the embedded header plus the trailing payload bytes.
type Frame struct {
	Envelope Envelope
	Payload  []byte

	// Lidar is true when the frame used the LiDAR framing variant.
	Lidar bool
}

// DecodeFrame parses a binary data-channel message.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < 4 {
		return Frame{}, ErrShortFrame
	}

	a := binary.LittleEndian.Uint16(buf[0:2])
	b := binary.LittleEndian.Uint16(buf[2:4])

	if a == lidarMagicA && b == lidarMagicB {
		return decodeLidarFrame(buf[4:])
	}
	return decodeCompactFrame(buf)
}

// decodeLidarFrame parses the LiDAR variant:
// u32 header length, JSON header, then the compressed voxel payload.
func decodeLidarFrame(buf []byte) (Frame, error) {
	if len(buf) < 8 {
		return Frame{}, ErrShortFrame
	}

	headerLen := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)) < 8+uint64(headerLen) {
		return Frame{}, ErrShortFrame
	}

	env, err := ParseEnvelope(buf[8 : 8+headerLen])
	if err != nil {
		return Frame{}, fmt.Errorf("bad LiDAR frame header: %w", err)
	}

	return Frame{
		Envelope: env,
		Payload:  buf[8+headerLen:],
		Lidar:    true,
	}, nil
}

// decodeCompactFrame parses the compact variant:
// u16 header length at offset zero, JSON header at offset four.
func decodeCompactFrame(buf []byte) (Frame, error) {
	headerLen := binary.LittleEndian.Uint16(buf[0:2])
	if len(buf) < 4+int(headerLen) {
		return Frame{}, ErrShortFrame
	}

	env, err := ParseEnvelope(buf[4 : 4+headerLen])
	if err != nil {
		return Frame{}, fmt.Errorf("bad frame header: %w", err)
	}

	return Frame{
		Envelope: env,
		Payload:  buf[4+int(headerLen):],
	}, nil
}

// EncodeLidarFrame builds a binary message in the LiDAR framing,
// used by test fixtures and by loopback peers.
func EncodeLidarFrame(env Envelope, payload []byte) ([]byte, error) {
	header, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 12+len(header)+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], lidarMagicA)
	binary.LittleEndian.PutUint16(out[2:4], lidarMagicB)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(header)))
	copy(out[12:], header)
	copy(out[12+len(header):], payload)
	return out, nil
}

// EncodeCompactFrame builds a binary message in the compact framing.
func EncodeCompactFrame(env Envelope, payload []byte) ([]byte, error) {
	header, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if len(header) > 0xffff {
		return nil, fmt.Errorf("frame header too large: %d bytes", len(header))
	}

	out := make([]byte, 4+len(header)+len(payload))
	// The first two bytes are the header length, which doubles as the
	// magic discriminator: a JSON header never starts at length (2, 0).
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(header)))
	copy(out[4:], header)
	copy(out[4+len(header):], payload)
	return out, nil
}
