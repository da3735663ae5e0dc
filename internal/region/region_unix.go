//go:build darwin || dragonfly || freebsd || linux || openbsd || netbsd || solaris

package region

import (
	"golang.org/x/sys/unix"
)

// mmapRegion asks the kernel for an anonymous, zero-filled mapping. Per
// mmap(2), MAP_ANONYMOUS pages are guaranteed zero-filled, so callers can
// rely on a freshly acquired region never exposing another process's memory.
func mmapRegion(size uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	return b, nil
}

func munmapRegion(b []byte) error {
	return unix.Munmap(b)
}
