// Package region acquires and releases the backing virtual memory that the
// rest of the allocator carves blocks and slabs out of. It is the Go
// expression of spec component R: "a contiguous virtual address range
// obtained from the OS", page-aligned and zero-filled, with a matching
// release call. No component above this package talks to the OS directly.
package region

import (
	"os"
	"unsafe"

	poolerrors "github.com/orizon-lang/mempool/internal/errors"
)

// Region is a single OS-backed contiguous byte range owned by exactly one
// pool-head link. It is never resized in place; growth always acquires a new
// Region and chains it.
type Region struct {
	bytes []byte
	base  uintptr
}

// PageSize returns the host's page size, used to round requested pool sizes
// up before acquiring a Region.
func PageSize() uintptr {
	return uintptr(os.Getpagesize())
}

// RoundUpToPage rounds size up to the next multiple of the OS page size.
func RoundUpToPage(size uintptr) uintptr {
	page := PageSize()

	return (size + page - 1) &^ (page - 1)
}

// Acquire reserves a page-aligned, zero-filled region of at least size
// bytes from the OS. The returned Region's actual size (Len) may be larger
// than requested due to page rounding.
func Acquire(size uintptr) (*Region, error) {
	if size == 0 {
		return nil, poolerrors.InvalidSize("region size must be > 0")
	}

	rounded := RoundUpToPage(size)

	b, err := mmapRegion(rounded)
	if err != nil {
		return nil, poolerrors.OutOfMemory("mmap region of %d bytes: %v", rounded, err)
	}

	return &Region{
		bytes: b,
		base:  uintptr(unsafe.Pointer(&b[0])),
	}, nil
}

// Release returns the region's memory to the OS. No pointer derived from
// this Region remains valid afterwards.
func (r *Region) Release() error {
	if r == nil || r.bytes == nil {
		return nil
	}

	if err := munmapRegion(r.bytes); err != nil {
		return poolerrors.OutOfMemory("munmap region: %v", err)
	}

	r.bytes = nil
	r.base = 0

	return nil
}

// Len reports the region's actual (page-rounded) size in bytes.
func (r *Region) Len() uintptr {
	return uintptr(len(r.bytes))
}

// Base returns the region's base address as an unsafe.Pointer.
func (r *Region) Base() unsafe.Pointer {
	if len(r.bytes) == 0 {
		return nil
	}

	return unsafe.Pointer(&r.bytes[0])
}

// BaseAddr returns the region's base address as a uintptr, for bounds
// arithmetic that must avoid holding an unsafe.Pointer across comparisons.
func (r *Region) BaseAddr() uintptr {
	return r.base
}

// Contains reports whether ptr falls within [base, base+len) of this region.
func (r *Region) Contains(ptr unsafe.Pointer) bool {
	if r == nil || r.base == 0 {
		return false
	}

	addr := uintptr(ptr)

	return addr >= r.base && addr < r.base+uintptr(len(r.bytes))
}

// Bytes exposes the raw backing slice for the heap to overlay block headers
// onto. Only internal/heap should call this.
func (r *Region) Bytes() []byte {
	return r.bytes
}

// Touch forces the OS to commit physical memory for every page of the
// region by writing each page's first byte back to itself, stabilising
// later allocation latency. Returns an error if the region has already been
// released.
func (r *Region) Touch() error {
	if r == nil || r.bytes == nil {
		return poolerrors.InvalidPointer("region already released")
	}

	page := PageSize()

	for off := uintptr(0); off < uintptr(len(r.bytes)); off += page {
		r.bytes[off] = r.bytes[off]
	}

	return nil
}
