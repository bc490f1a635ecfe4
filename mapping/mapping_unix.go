//go:build unix

package mapping

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func pageSize() int {
	return unix.Getpagesize()
}

// reserve maps size bytes that fault on any access.
func reserve(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}

func address(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
