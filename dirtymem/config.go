package dirtymem

import (
	"fmt"
	"math"
)

// UnlimitedThreshold disables a pressure tier: a threshold with this
// value never triggers.
const UnlimitedThreshold = math.MaxUint64

// ReclaimConfig carries the pressure thresholds and reclaim hooks
// injected at group construction.
//
// A zero threshold means unlimited. Configured thresholds must satisfy
// SoftLimit <= ThrottleThreshold <= HardThrottleThreshold, and a finite
// HardThrottleThreshold requires a finite ThrottleThreshold so queued
// requests always have a releaser.
type ReclaimConfig struct {
	// SoftLimit is the aggregate size above which background
	// reclamation is hinted via StartReclaiming.
	SoftLimit uint64

	// ThrottleThreshold is the aggregate size above which new
	// allocation requests are queued instead of admitted.
	ThrottleThreshold uint64

	// HardThrottleThreshold is the emergency brake, tracked on an
	// independent counter with its own hysteresis.
	HardThrottleThreshold uint64

	// StartReclaiming fires once when the group crosses the soft limit
	// upward; StopReclaiming fires once when it drops back below.
	StartReclaiming func()
	StopReclaiming  func()

	// Pressure fires once when the group crosses the throttle
	// threshold upward; Relief fires once when it drops back below.
	Pressure func()
	Relief   func()
}

// normalize maps zero thresholds to UnlimitedThreshold and validates
// the tier ordering.
func (cfg ReclaimConfig) normalize() (ReclaimConfig, error) {
	if cfg.SoftLimit == 0 {
		cfg.SoftLimit = UnlimitedThreshold
	}
	if cfg.ThrottleThreshold == 0 {
		cfg.ThrottleThreshold = UnlimitedThreshold
	}
	if cfg.HardThrottleThreshold == 0 {
		cfg.HardThrottleThreshold = UnlimitedThreshold
	}

	// A disabled tier never triggers, so ordering is only enforced
	// between configured tiers.
	if cfg.SoftLimit != UnlimitedThreshold && cfg.SoftLimit > cfg.ThrottleThreshold {
		return cfg, fmt.Errorf("soft limit %d exceeds throttle threshold %d",
			cfg.SoftLimit, cfg.ThrottleThreshold)
	}
	if cfg.ThrottleThreshold != UnlimitedThreshold && cfg.ThrottleThreshold > cfg.HardThrottleThreshold {
		return cfg, fmt.Errorf("throttle threshold %d exceeds hard throttle threshold %d",
			cfg.ThrottleThreshold, cfg.HardThrottleThreshold)
	}
	// Hard pressure blocks admission, and only a group with a finite
	// throttle threshold runs a releaser. A finite hard tier without one
	// would queue requests nothing ever drains.
	if cfg.HardThrottleThreshold != UnlimitedThreshold && cfg.ThrottleThreshold == UnlimitedThreshold {
		return cfg, fmt.Errorf("hard throttle threshold %d requires a finite throttle threshold",
			cfg.HardThrottleThreshold)
	}
	return cfg, nil
}
