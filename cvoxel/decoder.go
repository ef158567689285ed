package cvoxel

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/pierrec/lz4/v4"
)

// Header is the JSON metadata preceding a frame's compressed payload.
type Header struct {
	Stamp      float64    `json:"stamp"`
	FrameID    string     `json:"frame_id"`
	Resolution float64    `json:"resolution"`
	Origin     [3]float64 `json:"origin"`
	Width      [3]int     `json:"width"`
	SrcSize    int        `json:"src_size"`
}

// Frame is one decoded voxel-mesh frame. A Frame is immutable once
// decoded; the core retains no frame history.
type Frame struct {
	Header

	PointCount int
	FaceCount  int

	// Positions holds PointCount world-space vertices, 3 floats each.
	Positions []float32

	// UVs holds PointCount quantized texture coordinates, 2 bytes each.
	UVs []uint8

	// Indices holds FaceCount triangles, 3 vertex indices each.
	Indices []uint32

	// Occupied marks each vertex's voxel in the grid declared by
	// Header.Width, linearized x-minor. Nil when the header declares
	// no grid.
	Occupied *bitset.BitSet
}

// DecodeError reports a malformed or truncated frame.
// It is scoped to the one frame: decoding failures never
// affect the session or subsequent frames.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "voxel frame decode failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "voxel frame decode failed: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns a frame header and its compressed payload into a Frame.
//
// Implementations must be safe for concurrent use.
type Decoder interface {
	// Decode decompresses and parses one frame.
	// A malformed frame yields a *DecodeError.
	Decode(h Header, compressed []byte) (*Frame, error)

	// Name identifies the backend, for logging.
	Name() string
}

// Backend selects a Decoder implementation at session construction.
type Backend int

const (
	// BackendFast parses with direct buffer indexing.
	BackendFast Backend = iota

	// BackendPortable parses through a sequential reader.
	// It is the fallback reference implementation.
	BackendPortable
)

// New returns the Decoder for the chosen backend.
// New panics on an unknown backend, as that is a programmer error.
func New(b Backend) Decoder {
	switch b {
	case BackendFast:
		return fastDecoder{}
	case BackendPortable:
		return portableDecoder{}
	default:
		panic(fmt.Errorf("BUG: unknown decoder backend %d", b))
	}
}

// decompress expands the LZ4 block into exactly h.SrcSize bytes.
func decompress(h Header, compressed []byte) ([]byte, error) {
	if h.SrcSize <= 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("non-positive src_size %d", h.SrcSize)}
	}

	raw := make([]byte, h.SrcSize)
	n, err := lz4.UncompressBlock(compressed, raw)
	if err != nil {
		return nil, &DecodeError{Reason: "LZ4 decompression failed", Err: err}
	}
	if n != h.SrcSize {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("decompressed to %d bytes, header declared %d", n, h.SrcSize),
		}
	}
	return raw, nil
}

// layout computes the expected section offsets for the given counts,
// rejecting buffers too small to hold them.
func layout(rawLen, pointCount, faceCount int) (posOff, uvOff, idxOff, end int, err error) {
	if pointCount < 0 || faceCount < 0 {
		return 0, 0, 0, 0, &DecodeError{
			Reason: fmt.Sprintf("negative counts %d/%d", pointCount, faceCount),
		}
	}

	posOff = 8
	uvOff = posOff + pointCount*3
	idxOff = uvOff + pointCount*2
	end = idxOff + faceCount*3*4

	if rawLen < end {
		return 0, 0, 0, 0, &DecodeError{
			Reason: fmt.Sprintf("buffer holds %d bytes, layout requires %d", rawLen, end),
		}
	}
	return posOff, uvOff, idxOff, end, nil
}

// grid prepares the occupancy set for the declared grid,
// returning nil when the header declares no grid.
func grid(h Header) *bitset.BitSet {
	w := h.Width
	if w[0] <= 0 || w[1] <= 0 || w[2] <= 0 {
		return nil
	}
	return bitset.New(uint(w[0] * w[1] * w[2]))
}

// mark validates one quantized vertex against the grid bounds and
// records its voxel. A nil set skips bounds enforcement.
func mark(set *bitset.BitSet, h Header, x, y, z byte) error {
	if set == nil {
		return nil
	}

	w := h.Width
	if int(x) >= w[0] || int(y) >= w[1] || int(z) >= w[2] {
		return &DecodeError{
			Reason: fmt.Sprintf(
				"vertex (%d, %d, %d) outside declared grid %dx%dx%d",
				x, y, z, w[0], w[1], w[2],
			),
		}
	}

	set.Set(uint((int(z)*w[1]+int(y))*w[0] + int(x)))
	return nil
}
