// Package resource provides global budget gating for region memory and
// background eviction work.
package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when reserving region memory
// would exceed the configured limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for reserved region memory.
	// If 0, no limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxConcurrentEvictions is the maximum number of eviction jobs
	// running at once. If 0, defaults to 1.
	MaxConcurrentEvictions int64

	// EvictionBytesPerSec is the maximum eviction throughput.
	// If 0, unlimited.
	EvictionBytesPerSec int64
}

// Controller gates region-memory reservation and eviction work.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	evictSem *semaphore.Weighted

	evictLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentEvictions <= 0 {
		cfg.MaxConcurrentEvictions = 1
	}

	c := &Controller{
		cfg:      cfg,
		evictSem: semaphore.NewWeighted(cfg.MaxConcurrentEvictions),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.EvictionBytesPerSec > 0 {
		c.evictLimiter = rate.NewLimiter(rate.Limit(cfg.EvictionBytesPerSec), int(cfg.EvictionBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve region memory.
// Returns ErrMemoryLimitExceeded if the limit would be exceeded.
// Non-blocking: callers control retry/backoff policy.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved region memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently reserved region memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AcquireEviction reserves an eviction job slot, blocking while all
// slots are busy.
func (c *Controller) AcquireEviction(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.evictSem.Acquire(ctx, 1)
}

// TryAcquireEviction reserves an eviction job slot without blocking.
func (c *Controller) TryAcquireEviction() bool {
	if c == nil {
		return true
	}
	return c.evictSem.TryAcquire(1)
}

// ReleaseEviction releases an eviction job slot.
func (c *Controller) ReleaseEviction() {
	if c == nil {
		return
	}
	c.evictSem.Release(1)
}

// WaitEvictionBudget waits until the eviction throughput limit allows
// the specified number of bytes. Requests larger than the burst are
// capped so a single oversized eviction cannot wedge the limiter.
func (c *Controller) WaitEvictionBudget(ctx context.Context, bytes int) error {
	if c == nil || c.evictLimiter == nil {
		return nil
	}
	if b := c.evictLimiter.Burst(); bytes > b {
		bytes = b
	}
	return c.evictLimiter.WaitN(ctx, bytes)
}

// AllowEvictionBudget attempts to consume eviction throughput budget
// without blocking. Returns true if the budget was consumed.
func (c *Controller) AllowEvictionBudget(bytes int) bool {
	if c == nil || c.evictLimiter == nil {
		return true
	}
	return c.evictLimiter.AllowN(time.Now(), bytes)
}
