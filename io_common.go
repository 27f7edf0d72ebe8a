package ssdcache

import (
	"errors"
	"os"
	"syscall"

	"github.com/ncw/directio"
)

const alignMask = directio.BlockSize - 1

// alignSpan widens [offset, offset+length) to block boundaries for
// O_DIRECT reads. Returns the aligned start and the padded length; the
// requested bytes sit at offset-alignedOffset within the padded read.
func alignSpan(offset, length int64) (alignedOffset, alignedLength int64) {
	alignedOffset = offset &^ alignMask
	end := (offset + length + alignMask) &^ alignMask
	return alignedOffset, end - alignedOffset
}

// writevFallback emulates pwritev with one WriteAt per buffer. Used on
// platforms without a vectored positional write.
func writevFallback(f *os.File, bufs [][]byte, offset int64) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := f.WriteAt(b, offset)
		total += n
		if err != nil {
			return total, err
		}
		offset += int64(n)
	}
	return total, nil
}

// IsTransientIOError reports whether an I/O failure is likely temporary
// and the entry's bytes are still intact on disk. Transient failures keep
// the index entry and surface as a miss; permanent ones mean the index is
// desynced from the device, so the entry is erased to self-heal.
func IsTransientIOError(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EINTR, // Interrupted system call
			syscall.EAGAIN, // Try again
			syscall.EBUSY,  // Device or resource busy
			syscall.EMFILE, // Too many open files (process limit)
			syscall.ENFILE, // Too many open files (system limit)
			syscall.ENOMEM: // Out of memory
			return true
		}
	}
	return false
}
