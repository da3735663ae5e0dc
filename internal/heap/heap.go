package heap

import (
	"unsafe"

	poolerrors "github.com/orizon-lang/mempool/internal/errors"
	"github.com/orizon-lang/mempool/internal/region"
)

// Heap manages the variable-size portion of one region.Region: the address
// list of blocks, the free list, best-fit search, split, and coalescing.
type Heap struct {
	r *region.Region

	first    *blockHeader // lowest-address block
	freeHead *blockHeader

	allocatedBlocks int
	freeBlocks      int
	mergeCount      uint64
	splitCount      uint64
	allocCount      uint64
	freeCount       uint64
}

// New initializes a Heap covering the whole of r as a single free block.
func New(r *region.Region) (*Heap, error) {
	if r.Len() <= headerSize+minBlockPayload {
		return nil, poolerrors.InvalidSize("region of %d bytes too small for a heap", r.Len())
	}

	first := blockAt(r.BaseAddr())
	first.magic = blockMagic
	first.state = stateFree
	first.classID = -1
	first.size = r.Len() - headerSize
	first.prev = nil
	first.next = nil
	first.freePrev = nil
	first.freeNext = nil

	h := &Heap{r: r, first: first, freeHead: first, freeBlocks: 1}

	return h, nil
}

// Contains reports whether ptr could have been returned by this Heap's
// Alloc (i.e. falls within the region this Heap manages).
func (h *Heap) Contains(ptr unsafe.Pointer) bool {
	return h.r.Contains(ptr)
}

// Alloc returns a pointer whose payload is at least size bytes, aligned to
// align, carved from this heap. align must be a power of two.
func (h *Heap) Alloc(size, align uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, poolerrors.InvalidSize("alloc size must be > 0")
	}

	if !isPowerOfTwo(align) {
		return nil, poolerrors.InvalidSize("alignment %d is not a power of two", align)
	}

	best, alignedPtr := h.findBestFit(size, align)
	if best == nil {
		return nil, poolerrors.OutOfMemory("no free block fits %d bytes at alignment %d", size, align)
	}

	h.commit(best, alignedPtr, size)

	return unsafe.Pointer(alignedPtr), nil
}

// findBestFit scans the free list for the block with the smallest payload
// that can host size bytes at alignment align once the back-pointer footer
// is accounted for, breaking ties by lowest address.
func (h *Heap) findBestFit(size, align uintptr) (best *blockHeader, alignedPtr uintptr) {
	for b := h.freeHead; b != nil; b = b.freeNext {
		minAligned := b.payloadStart() + footerSize
		aligned := alignUp(minAligned, align)
		usableEnd := b.payloadEnd()

		if aligned+size > usableEnd {
			continue
		}

		if best == nil || b.size < best.size || (b.size == best.size && b.addr() < best.addr()) {
			best = b
			alignedPtr = aligned
		}
	}

	return best, alignedPtr
}

// commit marks block as allocated for a request that lands at alignedPtr,
// splitting off any sufficiently large remainder first.
func (h *Heap) commit(block *blockHeader, alignedPtr, size uintptr) {
	used := (alignedPtr + size) - block.payloadStart()
	remainder := block.size - used

	if remainder >= headerSize+minBlockPayload {
		h.split(block, used)
	}

	h.removeFromFreeList(block)
	block.state = stateAllocated
	h.allocatedBlocks++
	h.freeBlocks--
	h.allocCount++

	footer := (*blockFooter)(unsafe.Pointer(alignedPtr - footerSize))
	footer.magic = footerMagic
	footer.headerAddr = block.addr()
}

// split shrinks block to usedPayload bytes and creates a new free block from
// the remainder, inserted after block in the address list and into the free
// list.
func (h *Heap) split(block *blockHeader, usedPayload uintptr) {
	remainderAddr := block.payloadStart() + usedPayload
	remainderPayload := block.size - usedPayload - headerSize

	rem := blockAt(remainderAddr)
	rem.magic = blockMagic
	rem.state = stateFree
	rem.classID = -1
	rem.size = remainderPayload

	rem.prev = block
	rem.next = block.next

	if block.next != nil {
		block.next.prev = rem
	}

	block.next = rem
	block.size = usedPayload

	h.insertFreeFront(rem)
	h.freeBlocks++
	h.splitCount++
}

func (h *Heap) insertFreeFront(b *blockHeader) {
	b.freePrev = nil
	b.freeNext = h.freeHead

	if h.freeHead != nil {
		h.freeHead.freePrev = b
	}

	h.freeHead = b
}

func (h *Heap) removeFromFreeList(b *blockHeader) {
	if b.freePrev != nil {
		b.freePrev.freeNext = b.freeNext
	} else {
		h.freeHead = b.freeNext
	}

	if b.freeNext != nil {
		b.freeNext.freePrev = b.freePrev
	}

	b.freePrev = nil
	b.freeNext = nil
}

// headerForPointer recovers the owning block header for a pointer previously
// returned by Alloc, via the back-pointer footer written just before it.
// Returns nil if ptr is not plausibly one of this heap's allocations.
func (h *Heap) headerForPointer(ptr unsafe.Pointer) *blockHeader {
	addr := uintptr(ptr)
	if addr < h.r.BaseAddr()+footerSize || addr >= h.r.BaseAddr()+h.r.Len() {
		return nil
	}

	footer := (*blockFooter)(unsafe.Pointer(addr - footerSize))
	if footer.magic != footerMagic {
		return nil
	}

	headerAddr := footer.headerAddr
	if headerAddr < h.r.BaseAddr() || headerAddr >= h.r.BaseAddr()+h.r.Len() {
		return nil
	}

	b := blockAt(headerAddr)
	if !b.isValid() {
		return nil
	}

	return b
}

// Free releases a block previously returned by Alloc.
func (h *Heap) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	b := h.headerForPointer(ptr)
	if b == nil {
		return poolerrors.InvalidPointer("pointer %p is not owned by this heap", ptr)
	}

	if b.classID != -1 {
		return poolerrors.InvalidPointer("pointer %p is a class slab, not a heap allocation", ptr)
	}

	if b.state == stateFree {
		return poolerrors.DoubleFree("pointer %p already free", ptr)
	}

	h.freeBlock(b)

	return nil
}

// freeBlock runs the mandated coalesce sequence: mark free, fold the next
// neighbour if free, then fold into the prior neighbour if free. Reversing
// this order would transiently violate the "no two adjacent free blocks"
// invariant.
func (h *Heap) freeBlock(b *blockHeader) {
	b.state = stateFree
	h.allocatedBlocks--
	h.freeBlocks++
	h.freeCount++

	if next := b.next; next != nil && next.state == stateFree && next.classID == -1 {
		h.removeFromFreeList(next)
		h.mergeInto(b, next)
		h.mergeCount++
	}

	if prev := b.prev; prev != nil && prev.state == stateFree && prev.classID == -1 {
		h.removeFromFreeList(prev)
		h.mergeInto(prev, b)
		h.mergeCount++
		b = prev
	}

	h.insertFreeFront(b)
}

// mergeInto folds victim (which must immediately follow dst in the address
// list) into dst, removing victim from the address list entirely.
func (h *Heap) mergeInto(dst, victim *blockHeader) {
	dst.size += headerSize + victim.size
	dst.next = victim.next

	if victim.next != nil {
		victim.next.prev = dst
	}

	h.freeBlocks--
}

// Realloc grows or shrinks the allocation at ptr to newSize bytes, growing
// in place when the following neighbour is free and large enough. align is
// the alignment a fresh allocation must satisfy if growth instead has to
// fall back to alloc-copy-free; an in-place grow keeps ptr's existing
// alignment unchanged since the returned address never moves.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize, align uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Alloc(newSize, align)
	}

	if newSize == 0 {
		return nil, h.Free(ptr)
	}

	b := h.headerForPointer(ptr)
	if b == nil {
		return nil, poolerrors.InvalidPointer("pointer %p is not owned by this heap", ptr)
	}

	if b.state == stateFree {
		return nil, poolerrors.DoubleFree("pointer %p already free", ptr)
	}

	available := b.payloadEnd() - uintptr(ptr)
	if newSize <= available {
		return ptr, nil
	}

	if next := b.next; next != nil && next.state == stateFree && next.classID == -1 {
		growBy := newSize - available
		if headerSize+next.size >= growBy {
			h.removeFromFreeList(next)
			h.mergeInto(b, next)
			h.mergeCount++

			remainder := b.size - (uintptr(ptr) - b.payloadStart()) - newSize
			if remainder >= headerSize+minBlockPayload {
				h.split(b, b.size-remainder)
			}

			return ptr, nil
		}
	}

	newPtr, err := h.Alloc(newSize, align)
	if err != nil {
		return nil, err
	}

	copy(unsafe.Slice((*byte)(newPtr), newSize), unsafe.Slice((*byte)(ptr), available))

	if err := h.Free(ptr); err != nil {
		return nil, err
	}

	return newPtr, nil
}

// AllocSlab carves one block hosting size bytes (plus the back-pointer footer,
// and any remainder too small to split off) that the heap will never split or
// coalesce, tagging it with classID so Free rejects it and coalescing never
// merges it, leaving it permanently allocated.
func (h *Heap) AllocSlab(size uintptr, classID int32) (unsafe.Pointer, error) {
	best, alignedPtr := h.findBestFit(size, 1)
	if best == nil {
		return nil, poolerrors.OutOfMemory("no free block fits slab of %d bytes", size)
	}

	h.commit(best, alignedPtr, size)
	best.classID = classID

	return unsafe.Pointer(alignedPtr), nil
}

// Defragment performs a best-effort merge pass over the whole address list,
// restoring the "no two adjacent free blocks" invariant after any external
// disturbance. It is idempotent: a heap already satisfying the invariant is
// left unchanged.
func (h *Heap) Defragment() int {
	merged := 0

	for b := h.first; b != nil && b.next != nil; {
		next := b.next

		if b.state == stateFree && next.state == stateFree && b.classID == -1 && next.classID == -1 {
			h.removeFromFreeList(b)
			h.removeFromFreeList(next)
			h.mergeInto(b, next)
			h.insertFreeFront(b)
			h.mergeCount++
			merged++

			continue
		}

		b = b.next
	}

	return merged
}

// Validate walks the address list end to end, checking that every byte of
// the region is covered by exactly one block, that no two adjacent blocks
// are both free (a missed coalesce), that every header's magic tag is
// intact, and that the free list contains exactly the blocks in the
// free state, no more and no fewer.
func (h *Heap) Validate() error {
	seenFree := 0
	addr := h.r.BaseAddr()

	var prevFree bool

	for b := h.first; b != nil; b = b.next {
		if !b.isValid() {
			return poolerrors.Corruption("block at %#x has invalid magic", b.addr())
		}

		if b.addr() != addr {
			return poolerrors.Corruption("address list gap/overlap at %#x, expected %#x", b.addr(), addr)
		}

		if b.state == stateFree {
			seenFree++

			if prevFree {
				return poolerrors.Corruption("two adjacent free blocks at %#x", b.addr())
			}
		}

		prevFree = b.state == stateFree
		addr = b.payloadEnd()
	}

	if addr != h.r.BaseAddr()+h.r.Len() {
		return poolerrors.Corruption("address list does not cover region exactly")
	}

	walked := 0
	for b := h.freeHead; b != nil; b = b.freeNext {
		if b.state != stateFree {
			return poolerrors.Corruption("free list contains non-free block at %#x", b.addr())
		}

		walked++
	}

	if walked != seenFree {
		return poolerrors.Corruption("free list length %d does not match free block count %d", walked, seenFree)
	}

	return nil
}

// Stats snapshot fields, read directly by mempool.Stats.

func (h *Heap) AllocatedBlocks() int { return h.allocatedBlocks }
func (h *Heap) FreeBlocks() int      { return h.freeBlocks }
func (h *Heap) MergeCount() uint64   { return h.mergeCount }
func (h *Heap) SplitCount() uint64   { return h.splitCount }
func (h *Heap) AllocCount() uint64   { return h.allocCount }
func (h *Heap) FreeCount() uint64    { return h.freeCount }

// TotalPayloadBytes returns the sum of every block's payload size (free and
// allocated), i.e. the region's usable capacity.
func (h *Heap) TotalPayloadBytes() uintptr {
	var total uintptr
	for b := h.first; b != nil; b = b.next {
		total += b.size
	}

	return total
}

// FreeBytes returns the sum of every free block's payload size.
func (h *Heap) FreeBytes() uintptr {
	var total uintptr
	for b := h.freeHead; b != nil; b = b.freeNext {
		total += b.size
	}

	return total
}

// LargestFreeBytes returns the payload size of the largest free block, or 0
// if the heap has no free block.
func (h *Heap) LargestFreeBytes() uintptr {
	var largest uintptr
	for b := h.freeHead; b != nil; b = b.freeNext {
		if b.size > largest {
			largest = b.size
		}
	}

	return largest
}
