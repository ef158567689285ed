package cvoxel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collie-robotics/collie/cvoxel"
	"github.com/collie-robotics/collie/internal/ctest"
)

// fakeClock is a manually advanced time source for accumulator tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func frameWithPositions(pts ...float32) *cvoxel.Frame {
	return &cvoxel.Frame{
		PointCount: len(pts) / 3,
		Positions:  pts,
	}
}

func TestAccumulator_emptySnapshot(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{})
	require.Nil(t, a.Snapshot())
	require.Zero(t, a.Len())
}

func TestAccumulator_heightFilter(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{})

	// Default band keeps z in [0.2, 1.0].
	a.AddFrame(frameWithPositions(
		1, 1, 0.5, // kept
		2, 2, 0.1, // below the band
		3, 3, 1.5, // above the band
	))

	snap := a.Snapshot()
	require.Equal(t, []float32{1, 1, 0.5}, snap)
}

func TestAccumulator_fullyFilteredFrameNotRetained(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{})

	a.AddFrame(frameWithPositions(0, 0, 5))
	require.Zero(t, a.Len())
}

func TestAccumulator_disableHeightFilter(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{
		DisableHeightFilter: true,
	})

	a.AddFrame(frameWithPositions(0, 0, 5))
	require.Equal(t, []float32{0, 0, 5}, a.Snapshot())
}

func TestAccumulator_dedupAcrossFrames(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{
		DisableHeightFilter: true,
		VoxelSize:           0.05,
	})

	a.AddFrame(frameWithPositions(1.02, 1.02, 0.52))
	// Same voxel cell, different frame.
	a.AddFrame(frameWithPositions(1.03, 1.03, 0.53))
	// Distinct cell.
	a.AddFrame(frameWithPositions(2.02, 1.02, 0.52))

	snap := a.Snapshot()
	require.Len(t, snap, 6)
	// First-seen point wins within a cell.
	require.Equal(t, []float32{1.02, 1.02, 0.52, 2.02, 1.02, 0.52}, snap)
}

func TestAccumulator_dedupNegativeCoordinates(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{
		DisableHeightFilter: true,
		VoxelSize:           0.05,
	})

	// -0.01 and 0.01 straddle zero and must land in different cells.
	a.AddFrame(frameWithPositions(
		-0.01, 0, 0,
		0.01, 0, 0,
	))

	require.Len(t, a.Snapshot(), 6)
}

func TestAccumulator_maxFramesEviction(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{
		MaxFrames:           3,
		DisableHeightFilter: true,
	})

	for i := range 5 {
		a.AddFrame(frameWithPositions(float32(i), 0, 0))
	}

	require.Equal(t, 3, a.Len())

	// The two oldest frames are gone.
	snap := a.Snapshot()
	require.Equal(t, []float32{2, 0, 0, 3, 0, 0, 4, 0, 0}, snap)
}

func TestAccumulator_maxAgeEviction(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{
		MaxAge:              2 * time.Second,
		DisableHeightFilter: true,
		NowFn:               clock.Now,
	})

	a.AddFrame(frameWithPositions(1, 0, 0))

	clock.Advance(1500 * time.Millisecond)
	a.AddFrame(frameWithPositions(2, 0, 0))
	require.Equal(t, 2, a.Len())

	clock.Advance(1 * time.Second)
	snap := a.Snapshot()
	require.Equal(t, []float32{2, 0, 0}, snap)

	clock.Advance(2 * time.Second)
	require.Nil(t, a.Snapshot())
}

func TestAccumulator_reset(t *testing.T) {
	t.Parallel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{
		DisableHeightFilter: true,
	})

	a.AddFrame(frameWithPositions(1, 2, 3))
	a.Reset()

	require.Zero(t, a.Len())
	require.Nil(t, a.Snapshot())
}

func TestAccumulator_snapshotStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := cvoxel.NewAccumulator(ctest.NewLogger(t), cvoxel.AccumulatorConfig{})
	snaps := a.RunSnapshots(ctx, 10*time.Millisecond)

	a.AddFrame(frameWithPositions(1, 1, 0.5))

	ctest.ReceiveSoon(t, snaps.Ready)
	require.Equal(t, []float32{1, 1, 0.5}, snaps.Val)
	snaps = snaps.Next

	// No new frames, so several intervals pass without a
	// publication.
	time.Sleep(50 * time.Millisecond)
	ctest.NotSending(t, snaps.Ready)

	a.AddFrame(frameWithPositions(2, 1, 0.5))

	ctest.ReceiveSoon(t, snaps.Ready)
	require.Equal(t, []float32{1, 1, 0.5, 2, 1, 0.5}, snaps.Val)
	snaps = snaps.Next

	// Reset counts as a change; the next snapshot is the empty
	// window.
	a.Reset()
	ctest.ReceiveSoon(t, snaps.Ready)
	require.Nil(t, snaps.Val)
}
