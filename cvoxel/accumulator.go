package cvoxel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/collie-robotics/collie/cpubsub"
)

// AccumulatorConfig controls the rolling point-cloud window.
type AccumulatorConfig struct {
	// MaxFrames bounds the number of retained frames.
	// If zero, defaults to 30.
	MaxFrames int

	// MaxAge evicts frames older than this.
	// If zero, defaults to 2 seconds.
	MaxAge time.Duration

	// VoxelSize is the dedup grid pitch in meters.
	// If zero, defaults to 0.05.
	VoxelSize float64

	// MinHeight and MaxHeight bound the Z band kept by the height
	// filter. Ignored when DisableHeightFilter is set.
	MinHeight float64
	MaxHeight float64

	DisableHeightFilter bool

	// NowFn is the clock, injectable for tests. Defaults to time.Now.
	NowFn func() time.Time
}

func (c AccumulatorConfig) withDefaults() AccumulatorConfig {
	if c.MaxFrames == 0 {
		c.MaxFrames = 30
	}
	if c.MaxAge == 0 {
		c.MaxAge = 2 * time.Second
	}
	if c.VoxelSize == 0 {
		c.VoxelSize = 0.05
	}
	if c.MinHeight == 0 && c.MaxHeight == 0 {
		c.MinHeight, c.MaxHeight = 0.2, 1.0
	}
	if c.NowFn == nil {
		c.NowFn = time.Now
	}
	return c
}

// dedupBitLimit caps the occupancy set used for snapshot dedup.
// A snapshot whose extent would exceed it is returned undeduped.
const dedupBitLimit = 1 << 28

// Accumulator maintains a rolling window of decoded frames and
// produces merged, deduplicated point-cloud snapshots.
//
// It is safe for concurrent use; LiDAR handlers add frames while
// consumers take snapshots.
type Accumulator struct {
	log *slog.Logger
	cfg AccumulatorConfig

	mu     sync.Mutex
	frames []accFrame
	gen    uint64
}

type accFrame struct {
	points []float32 // x, y, z triples, already height-filtered
	added  time.Time
}

// NewAccumulator returns an Accumulator with the given configuration.
func NewAccumulator(log *slog.Logger, cfg AccumulatorConfig) *Accumulator {
	return &Accumulator{
		log: log,
		cfg: cfg.withDefaults(),
	}
}

// AddFrame appends a decoded frame's vertices to the window,
// discarding vertices the height filter rejects and evicting
// expired frames.
func (a *Accumulator) AddFrame(f *Frame) {
	pts := a.filterHeight(f.Positions)
	if len(pts) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.frames = append(a.frames, accFrame{points: pts, added: a.cfg.NowFn()})
	a.gen++
	a.evictLocked()
}

// Snapshot merges the window into one deduplicated point cloud.
// It returns nil when the window is empty.
func (a *Accumulator) Snapshot() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked()
	if len(a.frames) == 0 {
		return nil
	}

	total := 0
	for _, f := range a.frames {
		total += len(f.points)
	}
	merged := make([]float32, 0, total)
	for _, f := range a.frames {
		merged = append(merged, f.points...)
	}

	return a.dedup(merged)
}

// Len reports the number of frames currently in the window.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// Reset discards the window.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = nil
	a.gen++
}

// RunSnapshots starts a background goroutine publishing merged
// snapshots to the returned stream, at most one per interval and
// only when frames arrived since the previous publication. It stops
// when ctx is canceled.
func (a *Accumulator) RunSnapshots(
	ctx context.Context, interval time.Duration,
) *cpubsub.Stream[[]float32] {
	s := cpubsub.NewStream[[]float32]()
	go a.runSnapshots(ctx, interval, s)
	return s
}

func (a *Accumulator) runSnapshots(
	ctx context.Context, interval time.Duration, s *cpubsub.Stream[[]float32],
) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var published uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		a.mu.Lock()
		gen := a.gen
		a.mu.Unlock()
		if gen == published {
			continue
		}
		published = gen

		s.Publish(a.Snapshot())
		s = s.Next
	}
}

func (a *Accumulator) evictLocked() {
	cutoff := a.cfg.NowFn().Add(-a.cfg.MaxAge)

	i := 0
	for i < len(a.frames) && a.frames[i].added.Before(cutoff) {
		i++
	}
	if over := len(a.frames) - i - a.cfg.MaxFrames; over > 0 {
		i += over
	}
	if i > 0 {
		a.frames = append(a.frames[:0], a.frames[i:]...)
	}
}

func (a *Accumulator) filterHeight(pts []float32) []float32 {
	if a.cfg.DisableHeightFilter {
		out := make([]float32, len(pts))
		copy(out, pts)
		return out
	}

	out := make([]float32, 0, len(pts))
	for i := 0; i+2 < len(pts); i += 3 {
		z := float64(pts[i+2])
		if z < a.cfg.MinHeight || z > a.cfg.MaxHeight {
			continue
		}
		out = append(out, pts[i], pts[i+1], pts[i+2])
	}
	return out
}

// dedup keeps one point per voxel cell, preserving first-seen order.
// Cells are tracked in an occupancy set over the snapshot's own
// extent; a pathological extent skips dedup rather than allocating
// an oversized set.
func (a *Accumulator) dedup(pts []float32) []float32 {
	if len(pts) < 3 {
		return pts
	}

	inv := 1.0 / a.cfg.VoxelSize

	var minC, maxC [3]int
	for axis := range 3 {
		c := cell(pts[axis], inv)
		minC[axis], maxC[axis] = c, c
	}
	for i := 3; i+2 < len(pts); i += 3 {
		for axis := range 3 {
			c := cell(pts[i+axis], inv)
			if c < minC[axis] {
				minC[axis] = c
			}
			if c > maxC[axis] {
				maxC[axis] = c
			}
		}
	}

	var dims [3]int
	bits := 1
	for axis := range 3 {
		dims[axis] = maxC[axis] - minC[axis] + 1
		bits *= dims[axis]
	}
	if bits <= 0 || bits > dedupBitLimit {
		a.log.Warn(
			"Snapshot extent too large for voxel dedup; returning merged cloud as-is",
			"cells", bits,
		)
		return pts
	}

	seen := bitset.New(uint(bits))
	out := make([]float32, 0, len(pts))
	for i := 0; i+2 < len(pts); i += 3 {
		x := cell(pts[i], inv) - minC[0]
		y := cell(pts[i+1], inv) - minC[1]
		z := cell(pts[i+2], inv) - minC[2]

		key := uint((z*dims[1]+y)*dims[0] + x)
		if seen.Test(key) {
			continue
		}
		seen.Set(key)
		out = append(out, pts[i], pts[i+1], pts[i+2])
	}
	return out
}

func cell(v float32, inv float64) int {
	c := float64(v) * inv
	// Floor toward negative infinity, matching voxel grid semantics.
	n := int(c)
	if c < 0 && float64(n) != c {
		n--
	}
	return n
}
