package cvoxel

import (
	"encoding/binary"
	"fmt"
)

// fastDecoder parses the decompressed buffer with direct indexing
// and preallocated output slices. This is the default backend.
type fastDecoder struct{}

func (fastDecoder) Name() string { return "fast" }

func (fastDecoder) Decode(h Header, compressed []byte) (*Frame, error) {
	raw, err := decompress(h, compressed)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, &DecodeError{Reason: fmt.Sprintf("buffer holds %d bytes, counts require 8", len(raw))}
	}

	pointCount := int(int32(binary.LittleEndian.Uint32(raw[0:4])))
	faceCount := int(int32(binary.LittleEndian.Uint32(raw[4:8])))

	posOff, uvOff, idxOff, _, err := layout(len(raw), pointCount, faceCount)
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Header:     h,
		PointCount: pointCount,
		FaceCount:  faceCount,
		Positions:  make([]float32, pointCount*3),
		UVs:        make([]uint8, pointCount*2),
		Indices:    make([]uint32, faceCount*3),
		Occupied:   grid(h),
	}

	res := h.Resolution
	for i := range pointCount {
		x := raw[posOff+i*3]
		y := raw[posOff+i*3+1]
		z := raw[posOff+i*3+2]

		if err := mark(f.Occupied, h, x, y, z); err != nil {
			return nil, err
		}

		f.Positions[i*3] = float32(h.Origin[0] + float64(x)*res)
		f.Positions[i*3+1] = float32(h.Origin[1] + float64(y)*res)
		f.Positions[i*3+2] = float32(h.Origin[2] + float64(z)*res)
	}

	copy(f.UVs, raw[uvOff:uvOff+pointCount*2])

	for i := range faceCount * 3 {
		idx := binary.LittleEndian.Uint32(raw[idxOff+i*4:])
		if int(idx) >= pointCount {
			return nil, &DecodeError{
				Reason: fmt.Sprintf("triangle index %d out of range for %d points", idx, pointCount),
			}
		}
		f.Indices[i] = idx
	}

	return f, nil
}
