package mempool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/mempool/internal/class"
	poolerrors "github.com/orizon-lang/mempool/internal/errors"
	"github.com/orizon-lang/mempool/internal/heap"
	"github.com/orizon-lang/mempool/internal/region"
)

// rwLocker is the seam Pool locks through, letting a thread-unsafe pool use
// a zero-cost no-op implementation instead of branching on a nil mutex on
// every call, keeping the thread-safe and thread-unsafe paths identical
// except for which lock implementation gets plugged in.
type rwLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

type noopLocker struct{}

func (noopLocker) Lock()    {}
func (noopLocker) Unlock()  {}
func (noopLocker) RLock()   {}
func (noopLocker) RUnlock() {}

// regionProvider is the seam through which a Pool acquires backing regions.
// Production code always goes through osRegionProvider; tests swap in a
// hand-written fake in go.uber.org/mock's shape to force OUT_OF_MEMORY during chain
// growth without needing an unrealistically large real mmap request.
type regionProvider interface {
	Acquire(size uintptr) (*region.Region, error)
}

type osRegionProvider struct{}

func (osRegionProvider) Acquire(size uintptr) (*region.Region, error) {
	return region.Acquire(size)
}

var defaultProvider regionProvider = osRegionProvider{}

// Sentinel errors for errors.Is comparisons against the errors Pool methods
// return; each matches any error of the same category.
var (
	ErrInvalidSize    = poolerrors.ErrInvalidSize
	ErrOutOfMemory    = poolerrors.ErrOutOfMemory
	ErrInvalidPointer = poolerrors.ErrInvalidPointer
	ErrDoubleFree     = poolerrors.ErrDoubleFree
	ErrCorruption     = poolerrors.ErrCorruption
)

// Pool is the public handle for a chain of backing regions. The head Pool
// returned by Create/CreateWithConfig owns the chain's only class.Table and
// the single lock that guards every link's heap.
type Pool struct {
	cfg           Config
	mu            rwLocker
	provider      regionProvider
	firstPoolSize uintptr

	region  *region.Region
	heap    *heap.Heap
	classes *class.Table
	next    *Pool

	stats     Stats
	peakBytes atomic.Uint64

	lastErrMu sync.Mutex
	lastErr   error
}

// Create allocates a pool head with a region of size bytes (rounded up to
// the OS page size) and no size classes.
func Create(size uintptr, threadSafe bool) (*Pool, error) {
	return CreateWithConfig(Config{PoolSize: size, ThreadSafe: threadSafe, Alignment: defaultAlignment})
}

// New allocates a pool head starting from defaultConfig and applying opts in
// order, the functional-options idiom that lets callers override just the
// fields they care about without a partially-populated Config literal.
func New(opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return CreateWithConfig(cfg)
}

// CreateWithConfig allocates a pool head per cfg, registering every class in
// cfg.SizeClasses if cfg.EnableSizeClasses is set.
func CreateWithConfig(cfg Config) (*Pool, error) {
	return createWithProvider(cfg, defaultProvider)
}

func createWithProvider(cfg Config, provider regionProvider) (*Pool, error) {
	if cfg.Alignment == 0 {
		cfg.Alignment = defaultAlignment
	}

	if !isPowerOfTwo(cfg.Alignment) {
		return nil, poolerrors.InvalidSize("alignment %d is not a power of two", cfg.Alignment)
	}

	if cfg.PoolSize < minPoolSize {
		cfg.PoolSize = minPoolSize
	}

	r, err := provider.Acquire(cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	h, err := heap.New(r)
	if err != nil {
		r.Release()
		return nil, err
	}

	p := &Pool{
		cfg:           cfg,
		provider:      provider,
		region:        r,
		heap:          h,
		firstPoolSize: r.Len(),
	}

	if cfg.ThreadSafe {
		p.mu = &sync.RWMutex{}
	} else {
		p.mu = noopLocker{}
	}

	if cfg.EnableSizeClasses {
		p.classes = class.New(h)

		for _, spec := range cfg.SizeClasses {
			if _, err := p.classes.AddClass(spec.Size, spec.Capacity); err != nil {
				r.Release()
				return nil, err
			}
		}
	}

	return p, nil
}

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

func (p *Pool) setLastError(err error) error {
	p.lastErrMu.Lock()
	p.lastErr = err
	p.lastErrMu.Unlock()

	return err
}

// LastError returns the error (nil on success) from the most recent Alloc,
// AllocAligned, Calloc, Free or Realloc call, whichever goroutine made it;
// Contains, Validate, Reset, Destroy, Warmup and Stats do not update it, nor
// does a Free of nil. Kept for callers migrating from a
// last-error style API; new code should use the error returned directly by
// each call, which is race-free unlike this accessor.
func (p *Pool) LastError() error {
	p.lastErrMu.Lock()
	defer p.lastErrMu.Unlock()

	return p.lastErr
}

// Alloc returns a pointer to at least size bytes, aligned to the pool's
// configured alignment. When size classes are enabled and one fits size,
// the request is served from that class instead, and the returned slot
// pointer is not rounded to the configured alignment.
func (p *Pool) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, p.setLastError(poolerrors.InvalidSize("alloc size must be > 0"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ptr, err := p.allocLocked(size)

	return ptr, p.setLastError(err)
}

// AllocAligned behaves as Alloc when align does not exceed the pool's
// configured alignment; otherwise it walks the chain (and grows if needed)
// honoring the stricter alignment directly.
func (p *Pool) AllocAligned(size, align uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, p.setLastError(poolerrors.InvalidSize("alloc size must be > 0"))
	}

	if !isPowerOfTwo(align) {
		return nil, p.setLastError(poolerrors.InvalidSize("alignment %d is not a power of two", align))
	}

	if align <= p.cfg.Alignment {
		return p.Alloc(size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for link := p; link != nil; link = link.next {
		ptr, err := link.heap.Alloc(size, align)
		if err == nil {
			p.stats.AllocCount++
			return ptr, p.setLastError(nil)
		}

		if !errors.Is(err, poolerrors.ErrOutOfMemory) {
			return nil, p.setLastError(err)
		}
	}

	link, err := p.growLocked(size)
	if err != nil {
		return nil, p.setLastError(err)
	}

	ptr, err := link.heap.Alloc(size, align)
	if err == nil {
		p.stats.AllocCount++
	}

	return ptr, p.setLastError(err)
}

// Calloc allocates n*size bytes, detecting multiplication overflow, and
// zero-fills the returned range.
func (p *Pool) Calloc(n, size uintptr) (unsafe.Pointer, error) {
	if n == 0 || size == 0 {
		return nil, p.setLastError(poolerrors.InvalidSize("calloc requires n > 0 and size > 0"))
	}

	total := n * size
	if total/n != size {
		return nil, p.setLastError(poolerrors.InvalidSize("calloc overflow: %d * %d", n, size))
	}

	ptr, err := p.Alloc(total)
	if err != nil {
		return nil, err
	}

	buf := unsafe.Slice((*byte)(ptr), total)
	for i := range buf {
		buf[i] = 0
	}

	return ptr, nil
}

// allocLocked is Alloc's body, assuming p.mu is already held.
func (p *Pool) allocLocked(size uintptr) (unsafe.Pointer, error) {
	if p.cfg.EnableSizeClasses && p.classes.Fits(size) {
		// No chain walk for the fixed-size fast path: the caller chose it.
		ptr, err := p.classes.AllocFixed(size)
		if err == nil {
			p.stats.AllocCount++
		}

		return ptr, err
	}

	for link := p; link != nil; link = link.next {
		ptr, err := link.heap.Alloc(size, p.cfg.Alignment)
		if err == nil {
			p.stats.AllocCount++
			return ptr, nil
		}

		if !errors.Is(err, poolerrors.ErrOutOfMemory) {
			return nil, err
		}
	}

	link, err := p.growLocked(size)
	if err != nil {
		return nil, err
	}

	ptr, err := link.heap.Alloc(size, p.cfg.Alignment)
	if err == nil {
		p.stats.AllocCount++
	}

	return ptr, err
}

// growLocked allocates and appends a new chain link sized
// max(size plus one page, rounded up to the page size; the first pool's
// size). The extra page holds the new link's block header, back-pointer
// footer and alignment padding, so a request of size bytes fits the new
// link whenever its alignment does not exceed the page size. Caller must
// hold p.mu.
func (p *Pool) growLocked(size uintptr) (*Pool, error) {
	grown := region.RoundUpToPage(size + region.PageSize())
	if grown < p.firstPoolSize {
		grown = p.firstPoolSize
	}

	r, err := p.provider.Acquire(grown)
	if err != nil {
		return nil, err
	}

	h, err := heap.New(r)
	if err != nil {
		r.Release()
		return nil, err
	}

	link := &Pool{cfg: p.cfg, mu: noopLocker{}, provider: p.provider, region: r, heap: h, firstPoolSize: p.firstPoolSize}

	tail := p
	for tail.next != nil {
		tail = tail.next
	}

	tail.next = link

	return link, nil
}

// Free releases a pointer previously returned by Alloc, AllocAligned,
// Calloc, or the fixed-size fast path.
func (p *Pool) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.EnableSizeClasses {
		err := p.classes.FreeFixed(ptr)
		if err == nil {
			p.stats.FreeCount++
			return p.setLastError(nil)
		}

		if errors.Is(err, poolerrors.ErrDoubleFree) {
			return p.setLastError(err)
		}
		// Any other error here just means ptr isn't a class slot; fall
		// through and look for it in the heap chain instead.
	}

	for link := p; link != nil; link = link.next {
		if link.heap.Contains(ptr) {
			err := link.heap.Free(ptr)
			if err == nil {
				p.stats.FreeCount++
			}

			return p.setLastError(err)
		}
	}

	return p.setLastError(poolerrors.InvalidPointer("pointer %p not owned by this pool", ptr))
}

// Realloc grows or shrinks the allocation at ptr to newSize bytes.
// Realloc(ptr, 0) frees ptr and returns nil. Realloc(nil, n) equals Alloc(n).
func (p *Pool) Realloc(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return p.Alloc(newSize)
	}

	if newSize == 0 {
		return nil, p.Free(ptr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.EnableSizeClasses {
		if oldSize, ok := p.classes.SizeOf(ptr); ok {
			if newSize <= oldSize {
				return ptr, p.setLastError(nil)
			}

			newPtr, err := p.allocLocked(newSize)
			if err != nil {
				return nil, p.setLastError(err)
			}

			copy(unsafe.Slice((*byte)(newPtr), newSize), unsafe.Slice((*byte)(ptr), oldSize))

			if err := p.classes.FreeFixed(ptr); err != nil {
				return nil, p.setLastError(err)
			}

			p.stats.FreeCount++

			return newPtr, p.setLastError(nil)
		}
	}

	for link := p; link != nil; link = link.next {
		if link.heap.Contains(ptr) {
			newPtr, err := link.heap.Realloc(ptr, newSize, p.cfg.Alignment)
			return newPtr, p.setLastError(err)
		}
	}

	return nil, p.setLastError(poolerrors.InvalidPointer("pointer %p not owned by this pool", ptr))
}

// Contains reports whether ptr could have been returned by some call on p.
func (p *Pool) Contains(ptr unsafe.Pointer) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for link := p; link != nil; link = link.next {
		if link.heap.Contains(ptr) {
			return true
		}
	}

	return false
}

// Validate checks every invariant across every chain link and the class
// table, without mutating anything.
func (p *Pool) Validate() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for link := p; link != nil; link = link.next {
		if err := link.heap.Validate(); err != nil {
			return err
		}
	}

	if p.classes != nil {
		if err := p.classes.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Destroy releases every chain link's region to the OS, in forward order.
// No pointer returned by any prior allocation remains valid afterwards.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for link := p; link != nil; link = link.next {
		if err := link.region.Release(); err != nil {
			return err
		}
	}

	return nil
}

// Reset reinitializes every chain link's heap (and the class table, if
// enabled) to an empty state, without releasing any region back to the OS.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for link := p; link != nil; link = link.next {
		h, err := heap.New(link.region)
		if err != nil {
			return err
		}

		link.heap = h
	}

	if p.classes != nil {
		p.classes = class.New(p.heap)

		for _, spec := range p.cfg.SizeClasses {
			if _, err := p.classes.AddClass(spec.Size, spec.Capacity); err != nil {
				return err
			}
		}
	}

	p.stats = Stats{}
	p.peakBytes.Store(0)

	return nil
}

// Warmup touches every page of every chain link once, forcing the OS to
// commit physical memory ahead of time. Links are touched concurrently,
// bounded by GOMAXPROCS, via errgroup, since a long-running pool can
// accumulate enough chain links that touching them one at a time would
// make Warmup's latency scale with chain length instead of GOMAXPROCS.
func (p *Pool) Warmup(ctx context.Context) error {
	p.mu.RLock()
	links := make([]*Pool, 0, 1)
	for link := p; link != nil; link = link.next {
		links = append(links, link)
	}
	p.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, link := range links {
		link := link

		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			return link.region.Touch()
		})
	}

	return g.Wait()
}

// Stats returns a snapshot of the pool's statistics, summed across every
// chain link.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{
		AllocCount: p.stats.AllocCount,
		FreeCount:  p.stats.FreeCount,
	}

	var totalFree, largestFree uintptr

	for link := p; link != nil; link = link.next {
		s.TotalBytes += link.heap.TotalPayloadBytes()
		s.AllocatedBlocks += link.heap.AllocatedBlocks()
		s.FreeBlocks += link.heap.FreeBlocks()
		s.MergeCount += link.heap.MergeCount()
		s.SplitCount += link.heap.SplitCount()

		linkFree := link.heap.FreeBytes()
		totalFree += linkFree

		if lf := link.heap.LargestFreeBytes(); lf > largestFree {
			largestFree = lf
		}
	}

	s.BytesInUse = s.TotalBytes - totalFree

	for {
		cur := p.peakBytes.Load()
		if uint64(s.BytesInUse) <= cur {
			break
		}

		if p.peakBytes.CompareAndSwap(cur, uint64(s.BytesInUse)) {
			break
		}
	}

	s.PeakBytes = uintptr(p.peakBytes.Load())

	s.FragmentationPercent = fragmentationPercent(totalFree, largestFree)

	return s
}
