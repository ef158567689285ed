package cvoxel_test

import (
	"encoding/binary"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"

	"github.com/collie-robotics/collie/cvoxel"
)

// fixtureFrame builds a well-formed raw frame buffer with the given
// counts and LZ4-compresses it, returning the header and payload as
// the robot would put them on the wire. The content is patterned so
// the block stays compressible at any size.
func fixtureFrame(t *testing.T, pointCount, faceCount int) (cvoxel.Header, []byte) {
	t.Helper()

	h := cvoxel.Header{
		Stamp:      17.25,
		FrameID:    "odom",
		Resolution: 0.05,
		Origin:     [3]float64{-3.2, -3.2, -0.4},
		Width:      [3]int{128, 128, 38},
	}

	raw := make([]byte, 8+pointCount*3+pointCount*2+faceCount*3*4)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(pointCount))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(faceCount))

	// Quantized coordinates advance every fourth vertex so the block
	// carries enough repetition to compress at any fixture size.
	posOff := 8
	for i := range pointCount {
		raw[posOff+i*3] = byte((i / 4) % h.Width[0])
		raw[posOff+i*3+1] = byte((i / 16) % h.Width[1])
		raw[posOff+i*3+2] = byte((i / 4) % h.Width[2])
	}

	uvOff := posOff + pointCount*3
	for i := range pointCount * 2 {
		raw[uvOff+i] = byte((i / 8) % 251)
	}

	idxOff := uvOff + pointCount*2
	for i := range faceCount * 3 {
		binary.LittleEndian.PutUint32(raw[idxOff+i*4:], uint32(i%pointCount))
	}

	h.SrcSize = len(raw)

	var c lz4.Compressor
	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := c.CompressBlock(raw, compressed)
	require.NoError(t, err)
	require.Positive(t, n, "fixture must be compressible")

	return h, compressed[:n]
}

func TestDecode_fixtureCounts(t *testing.T) {
	t.Parallel()

	const (
		pointCount = 9833
		faceCount  = 17499
	)

	h, compressed := fixtureFrame(t, pointCount, faceCount)

	f, err := cvoxel.New(cvoxel.BackendFast).Decode(h, compressed)
	require.NoError(t, err)

	require.Equal(t, pointCount, f.PointCount)
	require.Equal(t, faceCount, f.FaceCount)
	require.Len(t, f.Positions, pointCount*3)
	require.Len(t, f.UVs, pointCount*2)
	require.Len(t, f.Indices, faceCount*3)

	// Vertex zero is quantized (0, 0, 0), so it decodes to the origin.
	require.InDelta(t, h.Origin[0], f.Positions[0], 1e-6)
	require.InDelta(t, h.Origin[1], f.Positions[1], 1e-6)
	require.InDelta(t, h.Origin[2], f.Positions[2], 1e-6)

	require.NotNil(t, f.Occupied)
	require.True(t, f.Occupied.Test(0))
}

func TestDecode_backendsAgree(t *testing.T) {
	t.Parallel()

	h, compressed := fixtureFrame(t, 9833, 17499)

	fast, err := cvoxel.New(cvoxel.BackendFast).Decode(h, compressed)
	require.NoError(t, err)

	portable, err := cvoxel.New(cvoxel.BackendPortable).Decode(h, compressed)
	require.NoError(t, err)

	require.Equal(t, fast.PointCount, portable.PointCount)
	require.Equal(t, fast.FaceCount, portable.FaceCount)
	require.Equal(t, fast.UVs, portable.UVs)
	require.Equal(t, fast.Indices, portable.Indices)

	require.Len(t, portable.Positions, len(fast.Positions))
	for i := range fast.Positions {
		require.InDelta(t, fast.Positions[i], portable.Positions[i], 1e-6)
	}
}

func TestDecode_truncatedThenGood(t *testing.T) {
	t.Parallel()

	for _, backend := range []cvoxel.Backend{cvoxel.BackendFast, cvoxel.BackendPortable} {
		d := cvoxel.New(backend)

		t.Run(d.Name(), func(t *testing.T) {
			t.Parallel()

			h, compressed := fixtureFrame(t, 200, 100)

			// The header still declares the full source size, so the
			// truncated block cannot expand to it.
			_, err := d.Decode(h, compressed[:len(compressed)/2])
			var de *cvoxel.DecodeError
			require.ErrorAs(t, err, &de)

			// A malformed frame must not poison the decoder.
			f, err := d.Decode(h, compressed)
			require.NoError(t, err)
			require.Equal(t, 200, f.PointCount)
		})
	}
}

func TestDecode_declaredSizeMismatch(t *testing.T) {
	t.Parallel()

	h, compressed := fixtureFrame(t, 50, 20)
	h.SrcSize--

	_, err := cvoxel.New(cvoxel.BackendFast).Decode(h, compressed)
	var de *cvoxel.DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecode_countsExceedBuffer(t *testing.T) {
	t.Parallel()

	h, compressed := fixtureFrame(t, 50, 20)

	// Rebuild the raw buffer with inflated counts but the same size.
	raw := make([]byte, h.SrcSize)
	_, err := lz4.UncompressBlock(compressed, raw)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[0:4], 100000)

	var c lz4.Compressor
	lied := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := c.CompressBlock(raw, lied)
	require.NoError(t, err)

	for _, backend := range []cvoxel.Backend{cvoxel.BackendFast, cvoxel.BackendPortable} {
		_, err = cvoxel.New(backend).Decode(h, lied[:n])
		var de *cvoxel.DecodeError
		require.ErrorAs(t, err, &de)
	}
}

func TestDecode_vertexOutsideGrid(t *testing.T) {
	t.Parallel()

	h, compressed := fixtureFrame(t, 40, 0)
	h.Width = [3]int{4, 4, 4}

	for _, backend := range []cvoxel.Backend{cvoxel.BackendFast, cvoxel.BackendPortable} {
		_, err := cvoxel.New(backend).Decode(h, compressed)
		var de *cvoxel.DecodeError
		require.ErrorAs(t, err, &de)
	}
}

func TestDecode_triangleIndexOutOfRange(t *testing.T) {
	t.Parallel()

	h, compressed := fixtureFrame(t, 40, 16)

	raw := make([]byte, h.SrcSize)
	_, err := lz4.UncompressBlock(compressed, raw)
	require.NoError(t, err)

	idxOff := 8 + 40*3 + 40*2
	binary.LittleEndian.PutUint32(raw[idxOff:], 40)

	var c lz4.Compressor
	bad := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := c.CompressBlock(raw, bad)
	require.NoError(t, err)

	for _, backend := range []cvoxel.Backend{cvoxel.BackendFast, cvoxel.BackendPortable} {
		_, err = cvoxel.New(backend).Decode(h, bad[:n])
		var de *cvoxel.DecodeError
		require.ErrorAs(t, err, &de)
	}
}
