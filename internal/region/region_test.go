package region

import (
	"testing"
	"unsafe"
)

func TestAcquireRoundsToPageSize(t *testing.T) {
	r, err := Acquire(1)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer r.Release()

	if r.Len() != PageSize() {
		t.Errorf("expected region len %d, got %d", PageSize(), r.Len())
	}
}

func TestAcquireZeroSize(t *testing.T) {
	if _, err := Acquire(0); err == nil {
		t.Error("expected error for zero-size region")
	}
}

func TestAcquireZeroFilled(t *testing.T) {
	r, err := Acquire(4096)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer r.Release()

	for i, b := range r.Bytes() {
		if b != 0 {
			t.Fatalf("region not zero-filled at offset %d: %#x", i, b)
		}
	}
}

func TestContains(t *testing.T) {
	r, err := Acquire(4096)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer r.Release()

	inside := unsafe.Pointer(&r.Bytes()[10])
	if !r.Contains(inside) {
		t.Error("expected Contains to be true for a pointer inside the region")
	}

	outside := unsafe.Pointer(uintptr(r.BaseAddr()) + r.Len() + 1)
	if r.Contains(outside) {
		t.Error("expected Contains to be false for a pointer outside the region")
	}
}

func TestReleaseInvalidatesRegion(t *testing.T) {
	r, err := Acquire(4096)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := r.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if r.Len() != 0 {
		t.Error("expected len 0 after Release")
	}
}
