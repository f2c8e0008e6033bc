package reclaim

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tenghuanhe/scylladb/dirtymem"
	"github.com/tenghuanhe/scylladb/resource"
)

// Evictor is implemented by regions that can release reclaimable
// memory on request. EvictOne releases one unit (typically a sealed
// segment) and reports the reserved bytes freed.
type Evictor interface {
	EvictOne() (uint64, bool)
}

// Group is the query surface the driver needs from a region group.
// Satisfied by *dirtymem.RegionGroup.
type Group interface {
	Name() string
	GetLargestRegion() *dirtymem.SizeTrackedRegion
	TopRegionEvictableSpace() uint64
}

// Driver releases memory from region groups by evicting from the
// region with the most evictable space, paced by the resource
// controller's eviction budget.
type Driver struct {
	tracker *Tracker
	ctl     *resource.Controller
	logger  *slog.Logger
}

// Option defines a configuration option for a Driver.
type Option func(*Driver)

// WithController sets the resource controller pacing evictions.
func WithController(ctl *resource.Controller) Option {
	return func(d *Driver) {
		d.ctl = ctl
	}
}

// WithLogger sets the logger for the driver.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// NewDriver creates a reclaim driver honoring the given tracker's
// reclaimer lock.
func NewDriver(tracker *Tracker, opts ...Option) *Driver {
	d := &Driver{
		tracker: tracker,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reclaim evicts from g until at least targetBytes of reserved memory
// are freed or no evictable victim remains. It returns the bytes
// actually freed.
func (d *Driver) Reclaim(ctx context.Context, g Group, targetBytes uint64) (uint64, error) {
	if err := d.ctl.AcquireEviction(ctx); err != nil {
		return 0, err
	}
	defer d.ctl.ReleaseEviction()

	var freed uint64
	for freed < targetBytes {
		if err := d.awaitUnblocked(ctx); err != nil {
			return freed, err
		}

		victim := g.GetLargestRegion()
		if victim == nil || g.TopRegionEvictableSpace() == 0 {
			break
		}
		ev, ok := victim.Region.(Evictor)
		if !ok {
			d.logger.Warn("largest region cannot evict", "group", g.Name())
			break
		}

		n, ok := ev.EvictOne()
		if !ok {
			break
		}
		freed += n

		if err := d.ctl.WaitEvictionBudget(ctx, int(n)); err != nil {
			return freed, err
		}
	}

	d.logger.Debug("reclaim pass finished",
		"group", g.Name(),
		"freed", freed,
		"target", targetBytes,
	)
	return freed, nil
}

// TryReclaim is the non-blocking variant of Reclaim, for callers on an
// allocation path that cannot wait. It gives up instead of waiting:
// when no eviction slot is free, the reclaimer lock is held, or the
// throughput budget is spent, it returns whatever it freed so far. The
// bool reports whether the full target was reached.
func (d *Driver) TryReclaim(g Group, targetBytes uint64) (uint64, bool) {
	if !d.ctl.TryAcquireEviction() {
		return 0, false
	}
	defer d.ctl.ReleaseEviction()

	var freed uint64
	for freed < targetBytes {
		if d.tracker != nil && d.tracker.ReclaimBlocked() {
			break
		}

		victim := g.GetLargestRegion()
		if victim == nil || g.TopRegionEvictableSpace() == 0 {
			break
		}
		ev, ok := victim.Region.(Evictor)
		if !ok {
			d.logger.Warn("largest region cannot evict", "group", g.Name())
			break
		}

		n, ok := ev.EvictOne()
		if !ok {
			break
		}
		freed += n

		if !d.ctl.AllowEvictionBudget(int(n)) {
			break
		}
	}
	return freed, freed >= targetBytes
}

// ReclaimAll reclaims targetBytes from every group concurrently,
// bounded by the controller's eviction slots. It returns the total
// bytes freed.
func (d *Driver) ReclaimAll(ctx context.Context, groups []Group, targetBytes uint64) (uint64, error) {
	eg, ctx := errgroup.WithContext(ctx)
	freed := make([]uint64, len(groups))

	for i, g := range groups {
		i, g := i, g
		eg.Go(func() error {
			n, err := d.Reclaim(ctx, g, targetBytes)
			freed[i] = n
			return err
		})
	}

	err := eg.Wait()
	var total uint64
	for _, n := range freed {
		total += n
	}
	return total, err
}

// awaitUnblocked defers eviction while a releaser holds the reclaimer
// lock. Blocks are only held across suspend transitions, so this spins
// briefly at worst.
func (d *Driver) awaitUnblocked(ctx context.Context) error {
	for d.tracker != nil && d.tracker.ReclaimBlocked() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Microsecond):
		}
	}
	return nil
}
