package dirtymem

import (
	"errors"
	"fmt"
)

var (
	// ErrGroupShutDown is returned to requests still queued when their
	// region group shuts down.
	ErrGroupShutDown = errors.New("region group shut down")
)

// ErrBlockedRequestsTimedOut indicates a queued allocation request
// outlived its expiry before the releaser could admit it.
type ErrBlockedRequestsTimedOut struct {
	Group string
}

func (e *ErrBlockedRequestsTimedOut) Error() string {
	return fmt.Sprintf("blocked requests timed out on region group %q", e.Group)
}
