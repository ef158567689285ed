package cwire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collie-robotics/collie/cwire"
	"github.com/collie-robotics/collie/internal/ctest"
)

func TestDecodeFrame_lidarVariant(t *testing.T) {
	t.Parallel()

	env, err := cwire.NewEnvelope(cwire.TypeMsg, "rt/utlidar/voxel_map_compressed", map[string]any{
		"src_size": 100,
	})
	require.NoError(t, err)

	payload := ctest.RandomDataForTest(t, 64)
	buf, err := cwire.EncodeLidarFrame(env, payload)
	require.NoError(t, err)

	frame, err := cwire.DecodeFrame(buf)
	require.NoError(t, err)

	require.True(t, frame.Lidar)
	require.Equal(t, env.Topic, frame.Envelope.Topic)
	require.Equal(t, payload, frame.Payload)
}

func TestDecodeFrame_compactVariant(t *testing.T) {
	t.Parallel()

	env, err := cwire.NewEnvelope(cwire.TypeMsg, "rt/lowstate", map[string]int{"seq": 9})
	require.NoError(t, err)

	payload := ctest.RandomDataForTest(t, 16)
	buf, err := cwire.EncodeCompactFrame(env, payload)
	require.NoError(t, err)

	frame, err := cwire.DecodeFrame(buf)
	require.NoError(t, err)

	require.False(t, frame.Lidar)
	require.Equal(t, "rt/lowstate", frame.Envelope.Topic)
	require.Equal(t, payload, frame.Payload)
}

func TestDecodeFrame_truncated(t *testing.T) {
	t.Parallel()

	env, err := cwire.NewEnvelope(cwire.TypeMsg, "rt/utlidar/voxel_map_compressed", nil)
	require.NoError(t, err)

	buf, err := cwire.EncodeLidarFrame(env, nil)
	require.NoError(t, err)

	for _, n := range []int{0, 3, 7, len(buf) / 2} {
		_, err := cwire.DecodeFrame(buf[:n])
		require.ErrorIs(t, err, cwire.ErrShortFrame, "prefix of %d bytes", n)
	}
}
