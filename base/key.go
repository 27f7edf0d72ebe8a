package base

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// FileNum is the stable numeric id of a user-visible file. Assignment of
// ids to paths is owned by the file-id registry; the cache treats the
// value as opaque.
type FileNum uint64

// Shard returns the shard a file is statically assigned to.
func (fn FileNum) Shard(numShards int) int {
	return int(uint64(fn) % uint64(numShards))
}

// CacheKey addresses one cached payload: the file it belongs to and the
// byte offset within that file where the payload starts. Payloads are
// always addressed by key, never by their on-disk location.
type CacheKey struct {
	FileNum FileNum
	Offset  uint64
}

// Hash returns the xxhash fingerprint of the key, used for index and
// bloom filter keying.
func (k CacheKey) Hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(k.FileNum))
	binary.LittleEndian.PutUint64(buf[8:16], k.Offset)
	return xxhash.Sum64(buf[:])
}

// String returns the key as "fileNum:offset"
func (k CacheKey) String() string {
	return fmt.Sprintf("%d:%d", k.FileNum, k.Offset)
}
