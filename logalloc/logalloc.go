// Package logalloc defines the occupancy model shared between the
// log-structured region allocator and the dirty-memory governor.
//
// A region is a contiguous reclaimable memory arena managed by an
// external allocator. The governor never touches region contents; it
// only consumes occupancy snapshots and issues eviction requests, so
// the contract here is deliberately small.
package logalloc

import "fmt"

// Occupancy is an immutable snapshot of a region's space usage.
type Occupancy struct {
	UsedSpace  uint64
	TotalSpace uint64
}

// NewOccupancy returns an occupancy snapshot. It panics if used
// exceeds total, which indicates a malformed region.
func NewOccupancy(used, total uint64) Occupancy {
	if used > total {
		panic(fmt.Sprintf("logalloc: used space %d exceeds total space %d", used, total))
	}
	return Occupancy{UsedSpace: used, TotalSpace: total}
}

// Add combines two occupancy snapshots.
func (o Occupancy) Add(other Occupancy) Occupancy {
	return Occupancy{
		UsedSpace:  o.UsedSpace + other.UsedSpace,
		TotalSpace: o.TotalSpace + other.TotalSpace,
	}
}

// FreeSpace returns the unused portion of the snapshot.
func (o Occupancy) FreeSpace() uint64 {
	return o.TotalSpace - o.UsedSpace
}

func (o Occupancy) String() string {
	return fmt.Sprintf("%d/%d bytes", o.UsedSpace, o.TotalSpace)
}

// Region is the view the governor has of a reclaimable memory region.
//
// Both methods are called from the hot update path and must be cheap
// and side-effect-free.
type Region interface {
	// Occupancy reports the region's overall space usage.
	Occupancy() Occupancy

	// EvictableOccupancy reports the portion of the region that can be
	// reclaimed by eviction. Its TotalSpace never exceeds the total
	// space reported by Occupancy.
	EvictableOccupancy() Occupancy
}
