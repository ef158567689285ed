package cvoxel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// portableDecoder parses the decompressed buffer through a
// sequential reader. It makes no assumptions beyond the declared
// layout and serves as the reference the fast backend is checked
// against.
type portableDecoder struct{}

func (portableDecoder) Name() string { return "portable" }

func (portableDecoder) Decode(h Header, compressed []byte) (*Frame, error) {
	raw, err := decompress(h, compressed)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(raw)

	var counts struct {
		Points int32
		Faces  int32
	}
	if err := binary.Read(r, binary.LittleEndian, &counts); err != nil {
		return nil, &DecodeError{Reason: "buffer too small for counts", Err: err}
	}

	pointCount := int(counts.Points)
	faceCount := int(counts.Faces)
	if _, _, _, _, err := layout(len(raw), pointCount, faceCount); err != nil {
		return nil, err
	}

	f := &Frame{
		Header:     h,
		PointCount: pointCount,
		FaceCount:  faceCount,
		Positions:  make([]float32, 0, pointCount*3),
		UVs:        make([]uint8, pointCount*2),
		Indices:    make([]uint32, faceCount*3),
		Occupied:   grid(h),
	}

	var q [3]byte
	for range pointCount {
		if _, err := io.ReadFull(r, q[:]); err != nil {
			return nil, &DecodeError{Reason: "truncated position section", Err: err}
		}
		if err := mark(f.Occupied, h, q[0], q[1], q[2]); err != nil {
			return nil, err
		}
		for axis := range 3 {
			f.Positions = append(f.Positions,
				float32(h.Origin[axis]+float64(q[axis])*h.Resolution))
		}
	}

	if _, err := io.ReadFull(r, f.UVs); err != nil {
		return nil, &DecodeError{Reason: "truncated uv section", Err: err}
	}

	if err := binary.Read(r, binary.LittleEndian, f.Indices); err != nil {
		return nil, &DecodeError{Reason: "truncated index section", Err: err}
	}
	for _, idx := range f.Indices {
		if int(idx) >= pointCount {
			return nil, &DecodeError{
				Reason: fmt.Sprintf("triangle index %d out of range for %d points", idx, pointCount),
			}
		}
	}

	return f, nil
}
