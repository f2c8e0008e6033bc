// Package mmap provides anonymous off-heap memory mappings.
//
// Region segments are backed by anonymous read-write mappings so their
// memory lives outside the Go garbage collector's control and can be
// returned to the OS the moment a segment is evicted.
package mmap

import (
	"fmt"
	"sync/atomic"
)

// Mapping represents one anonymous memory mapping. It owns the
// underlying byte slice and is responsible for unmapping it.
type Mapping struct {
	data   []byte
	size   int
	closed atomic.Bool
	// unmap is the platform-specific function to release the memory.
	unmap func([]byte) error
}

// MapAnon creates a read-write anonymous mapping of the given size.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap: invalid mapping size %d", size)
	}

	data, unmap, err := osMapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("mmap: map anonymous memory: %w", err)
	}

	return &Mapping{data: data, size: size, unmap: unmap}, nil
}

// Bytes returns the mapped memory. Callers must not retain the slice
// past Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Size returns the mapping size in bytes.
func (m *Mapping) Size() int {
	return m.size
}

// Close releases the mapping. It is idempotent.
func (m *Mapping) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	data := m.data
	m.data = nil
	return m.unmap(data)
}
