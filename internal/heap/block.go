// Package heap implements the variable-size boundary-tag free-list heap
// (spec component H): best-fit search, in-place split, and coalescing with
// immediate neighbours, laid out in-band inside one region.Region.
//
// The header-in-band layout and pointer-arithmetic neighbour lookup follow
// the technique used by cznic/memory's page header and by balloc's Avail
// header: a fixed-size struct is overlaid directly onto region bytes via
// unsafe.Pointer, and neighbours are found by walking that struct's own
// prev/next fields rather than consulting a side table.
package heap

import (
	"unsafe"
)

// blockMagic tags every live block header so foreign pointers and corruption
// can be detected on free/validate.
const blockMagic uint32 = 0xB10C5EED

// footerMagic tags the back-pointer footer (footerSize bytes) written immediately before
// every pointer Alloc returns, so Free can locate the owning header even
// when alignment padding separates the returned pointer from the block's
// payload start.
const footerMagic uint32 = 0xF007B4CC

type blockState uint32

const (
	stateFree blockState = iota
	stateAllocated
)

// minBlockPayload is the smallest payload a block may carry; below this, a
// split is skipped and the remainder stays with the allocating block. This
// keeps header overhead from dominating small allocations.
const minBlockPayload = 32

// footerSize is the width of the back-pointer footer written directly before
// every returned pointer.
const footerSize = unsafe.Sizeof(blockFooter{})

// blockFooter sits at returnedPtr-footerSize and lets Free recover the owning
// block header without needing the caller to have remembered it.
type blockFooter struct {
	magic      uint32
	_          uint32
	headerAddr uintptr
}

// blockHeader is overlaid in-band at the start of every block (free or
// allocated) inside a region's bytes.
type blockHeader struct {
	magic   uint32
	state   blockState
	classID int32
	_       int32
	size    uintptr // payload size in bytes, excluding this header

	prev, next         *blockHeader // address-ordered list, covers the whole region
	freePrev, freeNext *blockHeader // free-list links, valid only while state == stateFree
}

// headerSize is the (alignment-rounded) size of a blockHeader as laid out in
// region bytes.
var headerSize = alignUp(unsafe.Sizeof(blockHeader{}), unsafe.Alignof(blockHeader{}))

func blockAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func (b *blockHeader) addr() uintptr {
	return uintptr(unsafe.Pointer(b))
}

// payloadStart is the first usable byte after this block's header.
func (b *blockHeader) payloadStart() uintptr {
	return b.addr() + headerSize
}

// payloadEnd is one past the last usable byte owned by this block.
func (b *blockHeader) payloadEnd() uintptr {
	return b.payloadStart() + b.size
}

func (b *blockHeader) isValid() bool {
	return b != nil && b.magic == blockMagic
}

// alignUp rounds size up to the nearest multiple of alignment, which must be
// a power of two.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
