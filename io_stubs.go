//go:build !linux && !darwin

package ssdcache

import "os"

// fdatasync falls back to a full sync on unsupported platforms
func fdatasync(f *os.File) error {
	return f.Sync()
}

// fallocate is a no-op on unsupported platforms; the file stays sparse
func fallocate(f *os.File, size int64) error {
	return nil
}

// disableCow is a no-op on unsupported platforms
func disableCow(f *os.File) error {
	return nil
}

// pwritev falls back to sequential WriteAt calls
func pwritev(f *os.File, bufs [][]byte, offset int64) (int, error) {
	return writevFallback(f, bufs, offset)
}
