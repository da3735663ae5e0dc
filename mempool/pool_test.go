package mempool

import (
	"context"
	"sync"
	"testing"
	"unsafe"

	"go.uber.org/mock/gomock"

	poolerrors "github.com/orizon-lang/mempool/internal/errors"
	"github.com/orizon-lang/mempool/internal/region"
)

func TestBasicCreateAllocFree(t *testing.T) {
	p, err := Create(16*1024*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	p1, err := p.Alloc(1024)
	if err != nil || p1 == nil {
		t.Fatalf("alloc 1024: %v", err)
	}

	p2, err := p.Alloc(2048)
	if err != nil || p2 == nil {
		t.Fatalf("alloc 2048: %v", err)
	}

	if err := p.Free(p1); err != nil {
		t.Fatalf("free p1: %v", err)
	}

	if err := p.Free(p2); err != nil {
		t.Fatalf("free p2: %v", err)
	}

	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBadAlignment(t *testing.T) {
	p, err := Create(4096, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	if _, err := p.AllocAligned(64, 24); err == nil {
		t.Error("expected INVALID_SIZE for non-power-of-two alignment")
	}
}

func TestZeroSize(t *testing.T) {
	p, err := Create(4096, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	if _, err := p.Alloc(0); err == nil {
		t.Error("expected INVALID_SIZE for zero-size alloc")
	}
}

func TestForeignFree(t *testing.T) {
	p, err := Create(4096, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	foreign := unsafe.Pointer(uintptr(0x12345))
	if err := p.Free(foreign); err == nil {
		t.Error("expected INVALID_POINTER for foreign pointer")
	}
}

func TestDefragmentThenLargeAlloc(t *testing.T) {
	p, err := Create(2*1024*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	var ptrs []unsafe.Pointer

	for i := 0; i < 200; i++ {
		ptr, err := p.Alloc(256)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}

		ptrs = append(ptrs, ptr)
	}

	for i := 0; i < len(ptrs); i += 2 {
		if err := p.Free(ptrs[i]); err != nil {
			t.Fatalf("free %d: %v", i, err)
		}
	}

	p.heap.Defragment()

	if _, err := p.Alloc(256 * 50); err != nil {
		t.Fatalf("large alloc after defragment: %v", err)
	}
}

func TestChainGrowth(t *testing.T) {
	p, err := Create(64*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	ptr, err := p.Alloc(96 * 1024)
	if err != nil {
		t.Fatalf("alloc across growth: %v", err)
	}

	if p.next == nil {
		t.Error("expected pool to have grown a chain link")
	}

	if !p.Contains(ptr) {
		t.Error("expected Contains to be true for a pointer in a grown link")
	}
}

func TestFixedClassScenario(t *testing.T) {
	p, err := CreateWithConfig(Config{
		PoolSize:          8 * 1024 * 1024,
		ThreadSafe:        true,
		Alignment:         64,
		EnableSizeClasses: true,
		SizeClasses: []SizeClassSpec{
			{Size: 64, Capacity: 1000},
		},
	})
	if err != nil {
		t.Fatalf("CreateWithConfig: %v", err)
	}

	defer p.Destroy()

	if _, err := p.classes.AddClass(256, 1000); err != nil {
		t.Fatalf("AddClass(256): %v", err)
	}

	if _, err := p.classes.AddClass(1024, 1000); err != nil {
		t.Fatalf("AddClass(1024): %v", err)
	}

	sizes := []uintptr{64, 256, 1024}

	var ptrs []unsafe.Pointer

	for i := 0; i < 300; i++ {
		ptr, err := p.Alloc(sizes[i%len(sizes)])
		if err != nil {
			t.Fatalf("alloc_fixed round %d: %v", i, err)
		}

		ptrs = append(ptrs, ptr)
	}

	for _, ptr := range ptrs {
		if err := p.Free(ptr); err != nil {
			t.Fatalf("free_fixed: %v", err)
		}
	}

	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestReallocPreservesBytes(t *testing.T) {
	p, err := Create(1024*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	ptr, err := p.Alloc(512)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	buf := unsafe.Slice((*byte)(ptr), 512)
	for i := range buf {
		buf[i] = 0xCC
	}

	newPtr, err := p.Realloc(ptr, 1536)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}

	if (*(*byte)(newPtr)) != 0xCC {
		t.Error("expected first byte to still be 0xCC after realloc")
	}
}

func TestResetIndistinguishableFromRecreate(t *testing.T) {
	p, err := Create(1024*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	for i := 0; i < 50; i++ {
		if _, err := p.Alloc(128); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}

	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	stats := p.Stats()
	if stats.AllocCount != 0 || stats.AllocatedBlocks != 0 || stats.FreeBlocks != 1 {
		t.Errorf("expected a fresh pool after Reset, got %+v", stats)
	}

	if _, err := p.Alloc(128); err != nil {
		t.Fatalf("alloc after reset: %v", err)
	}
}

func TestConcurrentAllocFreeRealloc(t *testing.T) {
	p, err := Create(8*1024*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	const goroutines = 16
	const opsPerGoroutine = 200

	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)

		go func(seed int) {
			defer wg.Done()

			var live []unsafe.Pointer

			for i := 0; i < opsPerGoroutine; i++ {
				size := uintptr(16 + (seed+i)%256)

				ptr, err := p.Alloc(size)
				if err != nil {
					continue
				}

				live = append(live, ptr)

				if len(live) > 4 {
					victim := live[0]
					live = live[1:]

					if i%2 == 0 {
						p.Free(victim)
					} else {
						p.Realloc(victim, size*2)
					}
				}
			}

			for _, ptr := range live {
				p.Free(ptr)
			}
		}(g)
	}

	wg.Wait()

	if err := p.Validate(); err != nil {
		t.Fatalf("validate after concurrent load: %v", err)
	}
}

func TestChainGrowthForcedOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockRegionProvider(ctrl)

	first, err := region.Acquire(64 * 1024)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	t.Cleanup(func() { first.Release() })

	mock.EXPECT().Acquire(gomock.Any()).Return(first, nil).Times(1)
	mock.EXPECT().Acquire(gomock.Any()).
		Return(nil, poolerrors.OutOfMemory("mock region provider refused growth")).
		AnyTimes()

	p, err := createWithProvider(Config{PoolSize: 64 * 1024, ThreadSafe: true, Alignment: 64}, mock)
	if err != nil {
		t.Fatalf("createWithProvider: %v", err)
	}

	if _, err := p.Alloc(96 * 1024); err == nil {
		t.Fatal("expected OUT_OF_MEMORY when the mock provider refuses chain growth")
	}

	if err := p.Validate(); err != nil {
		t.Fatalf("existing chain link should remain valid after a failed growth: %v", err)
	}
}

func TestWarmupTouchesEveryLink(t *testing.T) {
	p, err := Create(64*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	if _, err := p.Alloc(96 * 1024); err != nil {
		t.Fatalf("alloc across growth: %v", err)
	}

	if err := p.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
}

func TestCallocZeroesAndDetectsOverflow(t *testing.T) {
	p, err := Create(1024*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	ptr, err := p.Calloc(16, 64)
	if err != nil {
		t.Fatalf("Calloc: %v", err)
	}

	buf := unsafe.Slice((*byte)(ptr), 16*64)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}

	if _, err := p.Calloc(^uintptr(0), 2); err == nil {
		t.Error("expected INVALID_SIZE for calloc overflow")
	}
}

func TestNewWithFunctionalOptions(t *testing.T) {
	p, err := New(
		WithPoolSize(1*1024*1024),
		WithThreadSafe(true),
		WithAlignment(32),
		WithSizeClasses(SizeClassSpec{Size: 128, Capacity: 64}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	defer p.Destroy()

	ptr, err := p.Alloc(128)
	if err != nil {
		t.Fatalf("alloc via size class: %v", err)
	}

	if err := p.Free(ptr); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestReallocNilAndZero(t *testing.T) {
	p, err := Create(1024*1024, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer p.Destroy()

	ptr, err := p.Realloc(nil, 64)
	if err != nil || ptr == nil {
		t.Fatalf("realloc(nil, n) should behave as alloc: %v", err)
	}

	if newPtr, err := p.Realloc(ptr, 0); err != nil || newPtr != nil {
		t.Fatalf("realloc(ptr, 0) should free and return nil: ptr=%v err=%v", newPtr, err)
	}

	if err := p.Free(ptr); err == nil {
		t.Error("expected double free after realloc(ptr, 0)")
	}
}
