// Package arena implements a log-structured, segment-chunked memory
// region.
//
// A SegmentedRegion appends entries into one open segment at a time.
// When the open segment cannot fit the next entry it is sealed and
// becomes evictable; eviction releases the oldest sealed segment back
// to the OS. Segment reservation and release are reported to the
// owning region group as occupancy deltas, and optionally gated by a
// memory acquirer.
//
// The region does not relocate or compact live entries; callers that
// need pointer stability across evictions must not retain references
// into sealed segments.
package arena

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/tenghuanhe/scylladb/internal/mmap"
	"github.com/tenghuanhe/scylladb/logalloc"
)

// GroupNotifier receives occupancy deltas when the region reserves or
// releases a segment. Satisfied by *dirtymem.RegionGroup.
type GroupNotifier interface {
	Update(delta int64)
}

// MemoryAcquirer gates segment reservation against a global budget.
// Satisfied by *resource.Controller.
type MemoryAcquirer interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

var (
	// ErrEntryTooLarge is returned when an entry cannot fit in a
	// single segment.
	ErrEntryTooLarge = errors.New("arena: entry exceeds segment size")
	// ErrRegionClosed is returned when appending to a closed region.
	ErrRegionClosed = errors.New("arena: region closed")
)

// DefaultSegmentSize is the default segment size (1 MiB).
const DefaultSegmentSize = 1 << 20

// Stats tracks region usage counters.
type Stats struct {
	SegmentsReserved uint64 // historical: segments ever mapped
	SegmentsEvicted  uint64 // historical: sealed segments released
	EntriesAppended  uint64
	BytesAppended    uint64
}

type segment struct {
	mapping *mmap.Mapping
	used    int
	slot    uint
}

// SegmentedRegion is a log-structured memory region.
type SegmentedRegion struct {
	segmentSize int
	notifier    GroupNotifier
	acquirer    MemoryAcquirer

	mu         sync.Mutex
	open       *segment
	sealed     map[uint]*segment
	sealedSet  *bitset.BitSet
	nextSlot   uint
	usedBytes  uint64 // live bytes across open and sealed segments
	sealedUsed uint64 // live bytes in sealed segments only
	reserved   uint64 // mapped bytes
	closed     bool
	stats      Stats
}

// Option is a configuration option for a SegmentedRegion.
type Option func(*SegmentedRegion)

// WithNotifier sets the group notifier receiving occupancy deltas.
func WithNotifier(n GroupNotifier) Option {
	return func(r *SegmentedRegion) {
		r.notifier = n
	}
}

// WithAcquirer sets the memory acquirer gating segment reservation.
func WithAcquirer(a MemoryAcquirer) Option {
	return func(r *SegmentedRegion) {
		r.acquirer = a
	}
}

// New creates a segmented region. The first segment is mapped lazily
// on first append, so a fresh region reports zero occupancy.
func New(segmentSize int, opts ...Option) *SegmentedRegion {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}

	r := &SegmentedRegion{
		segmentSize: segmentSize,
		sealed:      make(map[uint]*segment),
		sealedSet:   bitset.New(64),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Compile time check to ensure SegmentedRegion satisfies the region
// contract consumed by the governor.
var _ logalloc.Region = (*SegmentedRegion)(nil)

// Append copies p into the region. When the open segment cannot fit p,
// it is sealed (becoming evictable) and a new segment is reserved.
func (r *SegmentedRegion) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if len(p) > r.segmentSize {
		return fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, len(p), r.segmentSize)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegionClosed
	}

	var delta int64
	if r.open == nil || r.open.used+len(p) > r.segmentSize {
		if r.open != nil {
			r.sealLocked()
		}
		seg, err := r.reserveLocked()
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.open = seg
		delta = int64(r.segmentSize)
	}

	copy(r.open.mapping.Bytes()[r.open.used:], p)
	r.open.used += len(p)
	r.usedBytes += uint64(len(p))
	r.stats.EntriesAppended++
	r.stats.BytesAppended += uint64(len(p))
	r.mu.Unlock()

	// Outside the mutex: the group's pressure hooks may re-enter this
	// region (e.g. a reclaim driver evicting a sealed segment).
	if delta != 0 && r.notifier != nil {
		r.notifier.Update(delta)
	}
	return nil
}

func (r *SegmentedRegion) reserveLocked() (*segment, error) {
	size := int64(r.segmentSize)
	if r.acquirer != nil {
		if err := r.acquirer.AcquireMemory(size); err != nil {
			return nil, err
		}
	}

	mapping, err := mmap.MapAnon(r.segmentSize)
	if err != nil {
		if r.acquirer != nil {
			r.acquirer.ReleaseMemory(size)
		}
		return nil, err
	}

	seg := &segment{mapping: mapping, slot: r.nextSlot}
	r.nextSlot++
	r.reserved += uint64(r.segmentSize)
	r.stats.SegmentsReserved++
	return seg, nil
}

func (r *SegmentedRegion) sealLocked() {
	seg := r.open
	r.open = nil
	r.sealed[seg.slot] = seg
	r.sealedSet.Set(seg.slot)
	r.sealedUsed += uint64(seg.used)
}

// EvictOne releases the oldest sealed segment and reports the number
// of reserved bytes freed. It returns false when nothing is evictable.
func (r *SegmentedRegion) EvictOne() (uint64, bool) {
	r.mu.Lock()
	slot, ok := r.sealedSet.NextSet(0)
	if !ok {
		r.mu.Unlock()
		return 0, false
	}

	seg := r.sealed[slot]
	delete(r.sealed, slot)
	r.sealedSet.Clear(slot)
	r.sealedUsed -= uint64(seg.used)
	r.usedBytes -= uint64(seg.used)
	r.reserved -= uint64(r.segmentSize)
	r.stats.SegmentsEvicted++
	r.mu.Unlock()

	r.releaseSegment(seg)
	if r.notifier != nil {
		r.notifier.Update(-int64(r.segmentSize))
	}
	return uint64(r.segmentSize), true
}

func (r *SegmentedRegion) releaseSegment(seg *segment) {
	_ = seg.mapping.Close()
	if r.acquirer != nil {
		r.acquirer.ReleaseMemory(int64(r.segmentSize))
	}
}

// Occupancy reports live bytes against reserved bytes.
func (r *SegmentedRegion) Occupancy() logalloc.Occupancy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return logalloc.NewOccupancy(r.usedBytes, r.reserved)
}

// EvictableOccupancy reports the sealed portion of the region.
func (r *SegmentedRegion) EvictableOccupancy() logalloc.Occupancy {
	r.mu.Lock()
	defer r.mu.Unlock()
	evictable := uint64(r.sealedSet.Count()) * uint64(r.segmentSize)
	return logalloc.NewOccupancy(r.sealedUsed, evictable)
}

// SealedSegments returns the number of evictable segments.
func (r *SegmentedRegion) SealedSegments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.sealedSet.Count())
}

// Stats returns a snapshot of the region's counters.
func (r *SegmentedRegion) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close releases all segments and reports the full negative delta.
// The region cannot be reused afterwards.
func (r *SegmentedRegion) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	segs := make([]*segment, 0, len(r.sealed)+1)
	for _, seg := range r.sealed {
		segs = append(segs, seg)
	}
	if r.open != nil {
		segs = append(segs, r.open)
		r.open = nil
	}
	r.sealed = nil
	r.sealedSet.ClearAll()

	delta := -int64(r.reserved)
	r.reserved = 0
	r.usedBytes = 0
	r.sealedUsed = 0
	r.mu.Unlock()

	for _, seg := range segs {
		r.releaseSegment(seg)
	}
	if delta != 0 && r.notifier != nil {
		r.notifier.Update(delta)
	}
	return nil
}
