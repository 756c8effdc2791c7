package mmap

import (
	"os"
	"sync/atomic"
)

// Mapping is an anonymous read-write memory region outside the Go heap.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// PageSize returns the OS page size, which is also the alignment of every mapping.
func PageSize() int {
	return os.Getpagesize()
}

// MapAnon maps size bytes of zeroed anonymous memory. The size is rounded up
// to a whole number of OS pages.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	ps := PageSize()
	rounded := (size + ps - 1) &^ (ps - 1)

	data, unmap, err := osMapAnon(rounded)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data[:size:rounded], unmap: unmap}, nil
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap != nil && m.data != nil {
		return m.unmap(m.data[:cap(m.data)])
	}
	return nil
}

// Bytes returns the mapped region. The slice is only valid until Close.
// Its capacity covers the whole rounded mapping.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the requested size in bytes.
func (m *Mapping) Size() int {
	return len(m.data)
}

// Advise passes an access hint to the kernel.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osAdvise(m.data[:cap(m.data)], pattern)
}
