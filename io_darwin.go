//go:build darwin

package ssdcache

import (
	"os"
	"syscall"
	"unsafe"
)

// fdatasync syncs file data to disk
// Darwin doesn't have fdatasync, so we use F_FULLFSYNC which ensures
// data reaches physical disk (not just drive cache)
func fdatasync(f *os.File) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, f.Fd(), uintptr(syscall.F_FULLFSYNC), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// fallocate pre-allocates disk space for a file
// Darwin uses F_PREALLOCATE via fcntl
func fallocate(f *os.File, size int64) error {
	fstore := syscall.Fstore_t{
		Posmode: syscall.F_PEOFPOSMODE,
		Offset:  0,
		Length:  size,
	}
	_, _, errno := syscall.Syscall(
		syscall.SYS_FCNTL,
		f.Fd(),
		uintptr(syscall.F_PREALLOCATE),
		uintptr(unsafe.Pointer(&fstore)),
	)
	if errno == 0 {
		return nil
	}

	// Fall back to non-contiguous allocation
	fstore.Flags = syscall.F_ALLOCATEALL
	_, _, errno = syscall.Syscall(
		syscall.SYS_FCNTL,
		f.Fd(),
		uintptr(syscall.F_PREALLOCATE),
		uintptr(unsafe.Pointer(&fstore)),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// disableCow is a no-op on Darwin: APFS clones are per-file, there is no
// per-file CoW flag to clear.
func disableCow(f *os.File) error {
	return nil
}

// pwritev falls back to sequential WriteAt calls; Darwin lacks pwritev.
func pwritev(f *os.File, bufs [][]byte, offset int64) (int, error) {
	return writevFallback(f, bufs, offset)
}
