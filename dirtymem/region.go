package dirtymem

import (
	"github.com/tenghuanhe/scylladb/internal/evheap"
	"github.com/tenghuanhe/scylladb/logalloc"
)

// SizeTrackedRegion wraps a region with its membership state in the
// owning group's eviction heap.
//
// A region holds at most one heap handle in at most one group at any
// time. The handle is owned by the group: it is set by Add, cleared by
// Del, and transferred by Moved. Callers must not copy a
// SizeTrackedRegion while it is registered.
type SizeTrackedRegion struct {
	logalloc.Region

	heapHandle evheap.Handle
}

// NewSizeTrackedRegion wraps r for registration in a region group.
func NewSizeTrackedRegion(r logalloc.Region) *SizeTrackedRegion {
	return &SizeTrackedRegion{Region: r}
}

// Tracked reports whether the region is currently registered in a
// group's eviction heap.
func (r *SizeTrackedRegion) Tracked() bool {
	return r.heapHandle.Valid()
}
