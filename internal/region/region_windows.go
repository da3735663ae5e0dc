//go:build windows

package region

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmapRegion reserves and commits size bytes via VirtualAlloc. Windows
// guarantees VirtualAlloc-returned pages are zero-filled on first commit,
// matching the same contract mmapRegion provides on POSIX.
func mmapRegion(size uintptr) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), nil
}

func munmapRegion(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&b[0]))

	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
