package dirtymem

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tenghuanhe/scylladb/internal/evheap"
)

// ReclaimBlocker prevents the external reclaim driver from running
// while the returned release function has not been called. The
// releaser holds the block around its relief wait so the reclaimer
// cannot signal relief re-entrantly while the task is suspending.
type ReclaimBlocker interface {
	BlockReclaim() (release func())
}

// RegionGroup aggregates the occupancy of a set of regions and gates
// allocation admission against the configured pressure thresholds.
//
// Add, Del, Moved, Update and the query methods may be called from any
// goroutine; group state is serialized internally.
type RegionGroup struct {
	name string
	cfg  ReclaimConfig

	mu      sync.Mutex
	regions *evheap.Heap[*SizeTrackedRegion]

	// totalMemory is the sum of Occupancy().TotalSpace over registered
	// regions, tracked incrementally. hardTotalMemory tracks the same
	// aggregate on an independent counter so hard-pressure hysteresis
	// never couples with the soft/throttle tiers.
	totalMemory     int64
	hardTotalMemory int64

	underSoft     bool
	underThrottle bool
	underHard     bool

	blocked           allocationQueue
	shutdownRequested bool

	relief chan struct{} // buffered, coalesces pending signals
	done   chan struct{} // closed when the releaser terminates

	blocker ReclaimBlocker
	logger  *slog.Logger
	metrics MetricsObserver
}

// Option defines a configuration option for a RegionGroup.
type Option func(*RegionGroup)

// WithLogger sets the logger for the group.
func WithLogger(l *slog.Logger) Option {
	return func(g *RegionGroup) {
		g.logger = l
	}
}

// WithMetricsObserver sets the metrics observer for the group.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(g *RegionGroup) {
		g.metrics = observer
	}
}

// WithReclaimBlocker sets the reclaimer lock the releaser holds while
// suspended awaiting relief.
func WithReclaimBlocker(blocker ReclaimBlocker) Option {
	return func(g *RegionGroup) {
		g.blocker = blocker
	}
}

// NewRegionGroup creates a region group with the given thresholds and
// starts its releaser when the throttle threshold is finite.
func NewRegionGroup(name string, cfg ReclaimConfig, opts ...Option) (*RegionGroup, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, fmt.Errorf("region group %q: %w", name, err)
	}

	g := &RegionGroup{
		name:    name,
		cfg:     cfg,
		regions: evheap.New[*SizeTrackedRegion](regionAbove),
		relief:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  slog.Default(),
		metrics: &NoopMetricsObserver{},
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.ReclaimerCanBlock() {
		ready := make(chan struct{})
		go g.releaser(ready)
		<-ready
	} else {
		// No releaser: admission is unbounded, shutdown has nothing
		// to wait for.
		close(g.done)
	}

	return g, nil
}

// regionAbove orders the eviction heap by descending evictable
// occupancy so the best victim is always at the top.
func regionAbove(a, b *SizeTrackedRegion) bool {
	return a.EvictableOccupancy().TotalSpace > b.EvictableOccupancy().TotalSpace
}

// Name returns the group's name, as carried by timeout errors.
func (g *RegionGroup) Name() string {
	return g.name
}

// ReclaimerCanBlock reports whether the throttle threshold is finite,
// which determines whether a releaser is started at all.
func (g *RegionGroup) ReclaimerCanBlock() bool {
	return g.cfg.ThrottleThreshold != UnlimitedThreshold
}

// Add registers a region that holds no membership handle and accounts
// its current total space. It panics if the region is already
// registered anywhere: that is a collaborator bug, not a recoverable
// condition.
func (g *RegionGroup) Add(child *SizeTrackedRegion) {
	g.mu.Lock()
	if child.heapHandle.Valid() {
		g.mu.Unlock()
		panic(fmt.Sprintf("dirtymem: region already tracked in a group (group %q)", g.name))
	}
	child.heapHandle = g.regions.Insert(child)
	notify := g.updateLocked(int64(child.Occupancy().TotalSpace))
	g.mu.Unlock()

	runAll(notify)
}

// Del removes a region from the group and de-accounts its total
// space. Removing an unregistered region is a no-op.
func (g *RegionGroup) Del(child *SizeTrackedRegion) {
	g.mu.Lock()
	if !child.heapHandle.Valid() {
		g.mu.Unlock()
		return
	}
	g.regions.Remove(child.heapHandle)
	child.heapHandle = evheap.Handle{}
	notify := g.updateLocked(-int64(child.Occupancy().TotalSpace))
	g.mu.Unlock()

	runAll(notify)
}

// Moved transfers heap membership from a region's old identity to its
// relocated copy. Total memory accounting is unaffected: a move does
// not change the region's size, so no update is issued.
func (g *RegionGroup) Moved(old, new *SizeTrackedRegion) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !old.heapHandle.Valid() {
		return
	}
	g.regions.Remove(old.heapHandle)
	old.heapHandle = evheap.Handle{}
	new.heapHandle = g.regions.Insert(new)
}

// Update adds delta to the group's aggregate counters, reclassifies
// all three pressure tiers, and wakes the releaser when either the
// throttle or the hard tier transitioned from pressured to relieved.
// It is invoked on every occupancy change of a member region.
//
// Hook and observer callbacks run after the group mutex is released, so
// callbacks from concurrent Update calls may be delivered out of order
// relative to each other. Delivery order is only guaranteed for
// serialized callers; the latched state and transition counts are
// correct either way.
func (g *RegionGroup) Update(delta int64) {
	g.mu.Lock()
	notify := g.updateLocked(delta)
	g.mu.Unlock()

	runAll(notify)
}

// updateLocked is the pressure-recomputation core. It returns the
// pending edge notifications so they run outside the mutex: hooks may
// legally re-enter the group.
func (g *RegionGroup) updateLocked(delta int64) []func() {
	var notify []func()

	g.totalMemory += delta

	if exceeds(g.totalMemory, g.cfg.SoftLimit) {
		if !g.underSoft {
			g.underSoft = true
			notify = append(notify, g.pressureNotifier(PressureSoft, g.cfg.StartReclaiming))
		}
	} else if g.underSoft {
		g.underSoft = false
		notify = append(notify, g.reliefNotifier(PressureSoft, g.cfg.StopReclaiming))
	}

	relief := false
	if exceeds(g.totalMemory, g.cfg.ThrottleThreshold) {
		if !g.underThrottle {
			g.underThrottle = true
			notify = append(notify, g.pressureNotifier(PressureThrottle, g.cfg.Pressure))
		}
	} else if g.underThrottle {
		g.underThrottle = false
		relief = true
		notify = append(notify, g.reliefNotifier(PressureThrottle, g.cfg.Relief))
	}

	if hardRelief, hardNotify := g.updateHardLocked(delta); hardRelief {
		// Coalesced with throttle relief: the releaser is signalled
		// once per Update regardless of how many tiers relieved.
		relief = true
		notify = append(notify, hardNotify)
	} else if hardNotify != nil {
		notify = append(notify, hardNotify)
	}

	if relief {
		g.signalRelief()
	}

	return notify
}

// updateHardLocked maintains the independent hard-pressure counter and
// reports true exactly once per pressured-to-relieved transition.
func (g *RegionGroup) updateHardLocked(delta int64) (relieved bool, notify func()) {
	g.hardTotalMemory += delta

	if exceeds(g.hardTotalMemory, g.cfg.HardThrottleThreshold) {
		if !g.underHard {
			g.underHard = true
			notify = g.pressureNotifier(PressureHard, nil)
		}
		return false, notify
	}
	if g.underHard {
		g.underHard = false
		return true, g.reliefNotifier(PressureHard, nil)
	}
	return false, nil
}

func exceeds(total int64, threshold uint64) bool {
	return total > 0 && uint64(total) > threshold
}

func (g *RegionGroup) pressureNotifier(level PressureLevel, hook func()) func() {
	return func() {
		g.logger.Debug("region group under pressure", "group", g.name, "level", level.String())
		g.metrics.OnPressure(g.name, level)
		if hook != nil {
			hook()
		}
	}
}

func (g *RegionGroup) reliefNotifier(level PressureLevel, hook func()) func() {
	return func() {
		g.logger.Debug("region group pressure relieved", "group", g.name, "level", level.String())
		g.metrics.OnRelief(g.name, level)
		if hook != nil {
			hook()
		}
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// signalRelief wakes the releaser. The signal is idempotent-safe:
// pending signals coalesce into a single wake.
func (g *RegionGroup) signalRelief() {
	select {
	case g.relief <- struct{}{}:
	default:
	}
}

// ExecutionPermitted reports whether an allocation may proceed now.
// This is the sole admission gate consulted by the releaser.
func (g *RegionGroup) ExecutionPermitted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executionPermittedLocked()
}

func (g *RegionGroup) executionPermittedLocked() bool {
	return !g.underThrottle && !g.underHard
}

// MemoryUsed returns the aggregate total space of registered regions.
func (g *RegionGroup) MemoryUsed() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalMemory
}

// TopRegionEvictableSpace returns the evictable space of the best
// eviction victim, or zero when the group has no regions.
func (g *RegionGroup) TopRegionEvictableSpace() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	top, ok := g.regions.Peek()
	if !ok {
		return 0
	}
	return top.EvictableOccupancy().TotalSpace
}

// GetLargestRegion returns the region with the most evictable space,
// or nil when the group is empty. The heap is not mutated: the
// external reclaim driver uses this to choose a victim.
func (g *RegionGroup) GetLargestRegion() *SizeTrackedRegion {
	g.mu.Lock()
	defer g.mu.Unlock()

	top, ok := g.regions.Peek()
	if !ok {
		return nil
	}
	return top
}

// EnqueueIfBlocked admits req immediately when execution is permitted
// and nothing is queued ahead of it; otherwise req joins the queue
// until the releaser admits it, it expires, or the group shuts down.
// A zero expiry means the request never expires.
func (g *RegionGroup) EnqueueIfBlocked(req *Request, expiry time.Time) {
	g.mu.Lock()
	if g.shutdownRequested {
		g.mu.Unlock()
		req.resolveFail(ErrGroupShutDown)
		return
	}
	if g.blocked.len() == 0 && g.executionPermittedLocked() {
		g.mu.Unlock()
		req.run()
		return
	}

	req.enqueuedAt = time.Now()
	g.blocked.pushBack(req)
	depth := g.blocked.len()
	if !expiry.IsZero() {
		d := time.Until(expiry)
		if d < 0 {
			d = 0
		}
		req.timer = time.AfterFunc(d, func() { g.expire(req) })
	}
	g.mu.Unlock()

	g.metrics.OnQueueDepth(g.name, depth)
}

// expire resolves a still-queued request with a timeout failure. A
// request already claimed by the releaser or by shutdown is left
// alone.
func (g *RegionGroup) expire(req *Request) {
	g.mu.Lock()
	if !g.blocked.remove(req) {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	req.resolveFail(&ErrBlockedRequestsTimedOut{Group: g.name})
	g.metrics.OnRequestExpired(g.name)
}

// releaser is the group's single background task. Each iteration it
// terminates on shutdown, admits exactly one blocked request when
// permitted, or suspends on the relief signal with reclaim blocked.
func (g *RegionGroup) releaser(ready chan<- struct{}) {
	defer close(g.done)

	// Signal readiness before the first admission check so that
	// construction never executes requests synchronously.
	close(ready)

	for {
		g.mu.Lock()
		if g.shutdownRequested {
			abandoned := g.blocked.drain()
			g.mu.Unlock()
			for _, req := range abandoned {
				req.resolveFail(ErrGroupShutDown)
			}
			return
		}

		if g.blocked.len() > 0 && g.executionPermittedLocked() {
			req := g.blocked.popFront()
			g.mu.Unlock()

			queued := time.Since(req.enqueuedAt)
			req.run()
			g.metrics.OnRequestExecuted(g.name, queued)
			continue
		}
		g.mu.Unlock()

		g.awaitRelief()
	}
}

// awaitRelief suspends until the next relief signal. Reclaim is
// blocked across the suspend transition so the reclaimer cannot signal
// relief re-entrantly while the task is deciding to suspend; the block
// is released on every exit path before the task actually parks.
func (g *RegionGroup) awaitRelief() {
	var release func()
	if g.blocker != nil {
		release = g.blocker.BlockReclaim()
	}

	select {
	case <-g.relief:
		if release != nil {
			release()
		}
	default:
		if release != nil {
			release()
		}
		<-g.relief
	}
}

// Shutdown requests termination, wakes a suspended releaser, and
// blocks until the task has observed the request and exited.
// Outstanding blocked requests fail with ErrGroupShutDown. No further
// admission occurs afterwards.
func (g *RegionGroup) Shutdown() {
	g.mu.Lock()
	g.shutdownRequested = true
	g.mu.Unlock()

	g.signalRelief()
	<-g.done

	g.logger.Debug("region group shut down", "group", g.name)
}
