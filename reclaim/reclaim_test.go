package reclaim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenghuanhe/scylladb/arena"
	"github.com/tenghuanhe/scylladb/dirtymem"
	"github.com/tenghuanhe/scylladb/resource"
)

const segSize = 4096

func TestTracker_BlockReclaim(t *testing.T) {
	var tr Tracker

	assert.False(t, tr.ReclaimBlocked())

	release := tr.BlockReclaim()
	assert.True(t, tr.ReclaimBlocked())

	other := tr.BlockReclaim()
	release()
	assert.True(t, tr.ReclaimBlocked(), "still blocked by the second holder")

	other()
	assert.False(t, tr.ReclaimBlocked())

	// Release is idempotent.
	release()
	other()
	assert.False(t, tr.ReclaimBlocked())
}

// newGroupWithRegion builds a group over one arena region filled with
// the given number of segments (all but the last sealed).
func newGroupWithRegion(t *testing.T, throttle uint64, segments int) (*dirtymem.RegionGroup, *arena.SegmentedRegion) {
	t.Helper()

	g, err := dirtymem.NewRegionGroup(t.Name(), dirtymem.ReclaimConfig{
		ThrottleThreshold: throttle,
	})
	require.NoError(t, err)
	t.Cleanup(g.Shutdown)

	r := arena.New(segSize, arena.WithNotifier(g))
	t.Cleanup(func() { _ = r.Close() })
	g.Add(dirtymem.NewSizeTrackedRegion(r))

	entry := bytes.Repeat([]byte{0xEE}, 3*segSize/4)
	for i := 0; i < segments; i++ {
		require.NoError(t, r.Append(entry))
	}
	return g, r
}

func TestDriver_ReclaimFreesTarget(t *testing.T) {
	g, r := newGroupWithRegion(t, 100*segSize, 4)
	require.Equal(t, 3, r.SealedSegments())
	require.Equal(t, int64(4*segSize), g.MemoryUsed())

	d := NewDriver(&Tracker{})
	freed, err := d.Reclaim(t.Context(), g, 2*segSize)
	require.NoError(t, err)

	assert.Equal(t, uint64(2*segSize), freed)
	assert.Equal(t, int64(2*segSize), g.MemoryUsed())
	assert.Equal(t, 1, r.SealedSegments())
}

func TestDriver_StopsWhenNothingEvictable(t *testing.T) {
	g, r := newGroupWithRegion(t, 100*segSize, 1)
	require.Equal(t, 0, r.SealedSegments())

	d := NewDriver(&Tracker{})
	freed, err := d.Reclaim(t.Context(), g, segSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), freed)

	// An empty group is an immediate no-op.
	empty, err := dirtymem.NewRegionGroup("empty", dirtymem.ReclaimConfig{ThrottleThreshold: 1000})
	require.NoError(t, err)
	defer empty.Shutdown()

	freed, err = d.Reclaim(t.Context(), empty, segSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), freed)
}

func TestDriver_ReclaimAll(t *testing.T) {
	g1, _ := newGroupWithRegion(t, 100*segSize, 3)
	g2, _ := newGroupWithRegion(t, 100*segSize, 3)

	ctl := resource.NewController(resource.Config{MaxConcurrentEvictions: 1})
	d := NewDriver(&Tracker{}, WithController(ctl))

	total, err := d.ReclaimAll(t.Context(), []Group{g1, g2}, 2*segSize)
	require.NoError(t, err)

	assert.Equal(t, uint64(4*segSize), total)
	assert.Equal(t, int64(segSize), g1.MemoryUsed())
	assert.Equal(t, int64(segSize), g2.MemoryUsed())
}

func TestDriver_TryReclaim(t *testing.T) {
	g, r := newGroupWithRegion(t, 100*segSize, 4)
	require.Equal(t, 3, r.SealedSegments())

	d := NewDriver(&Tracker{})
	freed, done := d.TryReclaim(g, 2*segSize)
	assert.True(t, done)
	assert.Equal(t, uint64(2*segSize), freed)
	assert.Equal(t, int64(2*segSize), g.MemoryUsed())

	// Only one sealed segment left: the target cannot be reached.
	freed, done = d.TryReclaim(g, 2*segSize)
	assert.False(t, done)
	assert.Equal(t, uint64(segSize), freed)
}

func TestDriver_TryReclaimGivesUpWithoutSlot(t *testing.T) {
	g, r := newGroupWithRegion(t, 100*segSize, 3)

	ctl := resource.NewController(resource.Config{MaxConcurrentEvictions: 1})
	d := NewDriver(&Tracker{}, WithController(ctl))

	require.NoError(t, ctl.AcquireEviction(t.Context()))
	freed, done := d.TryReclaim(g, segSize)
	assert.False(t, done)
	assert.Equal(t, uint64(0), freed)
	assert.Equal(t, 2, r.SealedSegments())

	ctl.ReleaseEviction()
	freed, done = d.TryReclaim(g, segSize)
	assert.True(t, done)
	assert.Equal(t, uint64(segSize), freed)
}

func TestDriver_TryReclaimGivesUpWhileBlocked(t *testing.T) {
	g, _ := newGroupWithRegion(t, 100*segSize, 3)

	var tr Tracker
	release := tr.BlockReclaim()

	d := NewDriver(&tr)
	freed, done := d.TryReclaim(g, segSize)
	assert.False(t, done)
	assert.Equal(t, uint64(0), freed)

	release()
	freed, done = d.TryReclaim(g, segSize)
	assert.True(t, done)
	assert.Equal(t, uint64(segSize), freed)
}

func TestDriver_HonorsReclaimBlock(t *testing.T) {
	g, _ := newGroupWithRegion(t, 100*segSize, 3)

	var tr Tracker
	release := tr.BlockReclaim()

	d := NewDriver(&tr)
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	// Blocked: the pass times out without evicting anything.
	freed, err := d.Reclaim(ctx, g, segSize)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(0), freed)
	assert.Equal(t, int64(3*segSize), g.MemoryUsed())

	release()
	freed, err = d.Reclaim(t.Context(), g, segSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(segSize), freed)
}

func TestDriver_SoftPressureHookDrivesRelief(t *testing.T) {
	var tr Tracker
	d := NewDriver(&tr)

	var g *dirtymem.RegionGroup
	var r *arena.SegmentedRegion

	g, err := dirtymem.NewRegionGroup("hooked", dirtymem.ReclaimConfig{
		SoftLimit:         2 * segSize,
		ThrottleThreshold: 3 * segSize,
		StartReclaiming: func() {
			go func() {
				_, _ = d.Reclaim(context.Background(), g, 100*segSize)
			}()
		},
	}, dirtymem.WithReclaimBlocker(&tr))
	require.NoError(t, err)
	defer g.Shutdown()

	r = arena.New(segSize, arena.WithNotifier(g))
	defer r.Close()
	g.Add(dirtymem.NewSizeTrackedRegion(r))

	entry := bytes.Repeat([]byte{0xAF}, 3*segSize/4)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Append(entry))
	}

	// The hook-driven reclaim evicts sealed segments until only the
	// open one remains, relieving the throttle.
	require.Eventually(t, func() bool {
		return g.ExecutionPermitted() && g.MemoryUsed() == int64(segSize)
	}, 2*time.Second, 5*time.Millisecond)
}
