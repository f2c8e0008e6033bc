package dirtymem

import "time"

// PressureLevel identifies one of the three escalating pressure tiers.
type PressureLevel int

const (
	PressureSoft PressureLevel = iota
	PressureThrottle
	PressureHard
)

var pressureLevelNames = [...]string{"soft", "throttle", "hard"}

func (l PressureLevel) String() string {
	if l < 0 || int(l) >= len(pressureLevelNames) {
		return "unknown"
	}
	return pressureLevelNames[l]
}

// MetricsObserver defines the interface for observing group events.
type MetricsObserver interface {
	// OnPressure is called when a pressure tier becomes active.
	OnPressure(group string, level PressureLevel)

	// OnRelief is called when a pressure tier is relieved.
	OnRelief(group string, level PressureLevel)

	// OnRequestExecuted is called when the releaser admits a blocked
	// request; queued is the time it spent in the queue.
	OnRequestExecuted(group string, queued time.Duration)

	// OnRequestExpired is called when a queued request times out.
	OnRequestExpired(group string)

	// OnQueueDepth reports the blocked-request queue depth after an
	// enqueue.
	OnQueueDepth(group string, depth int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnPressure(group string, level PressureLevel)         {}
func (o *NoopMetricsObserver) OnRelief(group string, level PressureLevel)           {}
func (o *NoopMetricsObserver) OnRequestExecuted(group string, queued time.Duration) {}
func (o *NoopMetricsObserver) OnRequestExpired(group string)                        {}
func (o *NoopMetricsObserver) OnQueueDepth(group string, depth int)                 {}
