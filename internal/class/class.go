// Package class implements the fixed-size "size class" fast-path allocator
// (spec component F): O(1) alloc/free for a small, fixed set of object sizes,
// carved in slabs from a heap.Heap and never returned to it.
//
// Each class keeps a LIFO stack of free slot pointers, filled once from the
// slab carved by AddClass; an exhausted class is not refilled. Every slot
// carries a small in-band prefix (magic + class id) so FreeFixed can tell
// which class a slot belongs to and reject pointers whose prefix does not
// match, much like the back-pointer footer internal/heap writes for its own
// blocks. Double frees are detected by searching the class's free stack.
package class

import (
	"sync"
	"unsafe"

	poolerrors "github.com/orizon-lang/mempool/internal/errors"
	"github.com/orizon-lang/mempool/internal/heap"
)

const slotMagic uint32 = 0x5105B10C

// slotPrefix sits at the start of every slot, immediately before the pointer
// returned to the caller.
type slotPrefix struct {
	magic   uint32
	classID int32
}

var prefixSize = unsafe.Sizeof(slotPrefix{})

// defaultSlabCapacity is how many slots a freshly carved slab holds.
const defaultSlabCapacity = 256

// maxClasses bounds how many distinct size classes a single Table can hold,
// keeping classForSize's linear scan cheap regardless of caller behavior.
const maxClasses = 16

// Class is one fixed-size bucket: a payload size, the slot stride that
// includes the prefix, and a LIFO stack of free slots drawn from one or more
// slabs carved from the owning heap.
type Class struct {
	mu        sync.Mutex
	id        int32
	payload   uintptr
	slotSize  uintptr
	freeStack []unsafe.Pointer
	slabs     []slabRange
}

type slabRange struct {
	base uintptr
	end  uintptr
}

// Size returns the payload size this class serves.
func (c *Class) Size() uintptr { return c.payload }

// Table owns the set of size classes registered with AddClass and dispatches
// AllocFixed/FreeFixed to the right one.
type Table struct {
	mu      sync.RWMutex
	h       *heap.Heap
	classes []*Class
}

// New creates an empty class table backed by h. Slabs for every class added
// later are carved from h via Heap.AllocSlab.
func New(h *heap.Heap) *Table {
	return &Table{h: h}
}

// AddClass registers a new fixed-size class for payload bytes, pre-carving
// one slab of capacity slots. Classes are never removed once added.
func (t *Table) AddClass(payload uintptr, capacity int) (classID int32, err error) {
	if payload == 0 {
		return 0, poolerrors.InvalidSize("class payload size must be > 0")
	}

	if capacity <= 0 {
		capacity = defaultSlabCapacity
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.classes) >= maxClasses {
		return 0, poolerrors.InvalidSize("class table already holds the maximum of %d classes", maxClasses)
	}

	id := int32(len(t.classes))
	slotSize := alignUp(payload+prefixSize, 8)

	c := &Class{id: id, payload: payload, slotSize: slotSize}
	t.classes = append(t.classes, c)

	if err := t.growLocked(c, capacity); err != nil {
		t.classes = t.classes[:len(t.classes)-1]
		return 0, err
	}

	return id, nil
}

// growLocked carves one more slab of capacity slots for c from the table's
// heap and pushes every slot onto c's free stack. Safe to call whether or
// not t.mu is held; it only ever touches c's own fields under c.mu.
func (t *Table) growLocked(c *Class, capacity int) error {
	total := c.slotSize * uintptr(capacity)

	ptr, err := t.h.AllocSlab(total, c.id)
	if err != nil {
		return err
	}

	base := uintptr(ptr)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.slabs = append(c.slabs, slabRange{base: base, end: base + total})

	for i := 0; i < capacity; i++ {
		slot := base + uintptr(i)*c.slotSize
		prefix := (*slotPrefix)(unsafe.Pointer(slot))
		prefix.magic = slotMagic
		prefix.classID = c.id

		c.freeStack = append(c.freeStack, unsafe.Pointer(slot+prefixSize))
	}

	return nil
}

// classForSize returns the smallest registered class whose payload can hold
// size bytes, or nil if none fits.
func (t *Table) classForSize(size uintptr) *Class {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Class

	for _, c := range t.classes {
		if c.payload >= size && (best == nil || c.payload < best.payload) {
			best = c
		}
	}

	return best
}

// classByID returns the class registered with classID, or nil.
func (t *Table) classByID(id int32) *Class {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id < 0 || int(id) >= len(t.classes) {
		return nil
	}

	return t.classes[id]
}

// AllocFixed returns a slot from the smallest class that fits size, in O(1)
// and with no chain walk: the caller picked this fast path precisely to skip
// one. Returns INVALID_SIZE if no registered class is large enough, and
// OUT_OF_MEMORY if the matching class's slab is exhausted; neither case
// carves a new slab on the caller's behalf.
func (t *Table) AllocFixed(size uintptr) (unsafe.Pointer, error) {
	c := t.classForSize(size)
	if c == nil {
		return nil, poolerrors.InvalidSize("no size class fits %d bytes", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.freeStack) == 0 {
		return nil, poolerrors.OutOfMemory("class of size %d exhausted", c.payload)
	}

	ptr := c.freeStack[len(c.freeStack)-1]
	c.freeStack = c.freeStack[:len(c.freeStack)-1]

	return ptr, nil
}

// FreeFixed returns ptr to its owning class, rejecting pointers that are not
// on a slot of some class's slab or whose in-band prefix does not match, and
// detecting double frees via the class's free stack.
func (t *Table) FreeFixed(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	addr := uintptr(ptr)
	if addr < prefixSize {
		return poolerrors.InvalidPointer("pointer %p cannot be a class slot", ptr)
	}

	// Check slab bounds before reading the prefix, so a foreign pointer is
	// never dereferenced.
	inSlab := false
	t.mu.RLock()
	for _, c := range t.classes {
		c.mu.Lock()
		inSlab = c.ownsSlotLocked(addr - prefixSize)
		c.mu.Unlock()

		if inSlab {
			break
		}
	}
	t.mu.RUnlock()

	if !inSlab {
		return poolerrors.InvalidPointer("pointer %p is not within any class's slabs", ptr)
	}

	prefix := (*slotPrefix)(unsafe.Pointer(addr - prefixSize))
	if prefix.magic != slotMagic {
		return poolerrors.InvalidPointer("pointer %p is not a class slot", ptr)
	}

	c := t.classByID(prefix.classID)
	if c == nil {
		return poolerrors.InvalidPointer("pointer %p references an unknown class %d", ptr, prefix.classID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ownsSlotLocked(addr - prefixSize) {
		return poolerrors.InvalidPointer("pointer %p not within its class's slabs", ptr)
	}

	for _, free := range c.freeStack {
		if free == ptr {
			return poolerrors.DoubleFree("pointer %p already free", ptr)
		}
	}

	c.freeStack = append(c.freeStack, ptr)

	return nil
}

// ownsSlotLocked reports whether slotAddr falls within one of c's carved
// slabs, on a slot boundary. Caller must hold c.mu.
func (c *Class) ownsSlotLocked(slotAddr uintptr) bool {
	for _, s := range c.slabs {
		if slotAddr >= s.base && slotAddr < s.end && (slotAddr-s.base)%c.slotSize == 0 {
			return true
		}
	}

	return false
}

// Validate checks that every class's free stack holds only slots within its
// own slabs and that no slot appears twice.
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, c := range t.classes {
		c.mu.Lock()
		seen := make(map[unsafe.Pointer]bool, len(c.freeStack))

		for _, ptr := range c.freeStack {
			if seen[ptr] {
				c.mu.Unlock()
				return poolerrors.Corruption("class %d free stack contains duplicate slot %p", c.id, ptr)
			}

			seen[ptr] = true

			if !c.ownsSlotLocked(uintptr(ptr) - prefixSize) {
				c.mu.Unlock()
				return poolerrors.Corruption("class %d free stack contains foreign slot %p", c.id, ptr)
			}
		}
		c.mu.Unlock()
	}

	return nil
}

// Fits reports whether some registered class can serve a request of size
// bytes, without allocating anything.
func (t *Table) Fits(size uintptr) bool {
	return t.classForSize(size) != nil
}

// Owns reports whether ptr lies on a slot boundary of one of this table's
// slabs with a matching prefix. It does not check whether that slot is
// currently allocated or on its class's free stack.
func (t *Table) Owns(ptr unsafe.Pointer) bool {
	if ptr == nil {
		return false
	}

	addr := uintptr(ptr)
	if addr < prefixSize {
		return false
	}

	prefix := (*slotPrefix)(unsafe.Pointer(addr - prefixSize))
	if prefix.magic != slotMagic {
		return false
	}

	c := t.classByID(prefix.classID)
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ownsSlotLocked(addr - prefixSize)
}

// SizeOf returns the payload size of the class owning ptr, and true, or
// (0, false) if ptr is not a slot owned by this table.
func (t *Table) SizeOf(ptr unsafe.Pointer) (uintptr, bool) {
	if !t.Owns(ptr) {
		return 0, false
	}

	addr := uintptr(ptr)
	prefix := (*slotPrefix)(unsafe.Pointer(addr - prefixSize))
	c := t.classByID(prefix.classID)

	return c.payload, true
}

// Classes returns a snapshot of registered class payload sizes, in
// registration order.
func (t *Table) Classes() []uintptr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sizes := make([]uintptr, len(t.classes))
	for i, c := range t.classes {
		sizes[i] = c.payload
	}

	return sizes
}

func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}
