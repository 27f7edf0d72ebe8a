// Package index maps cache keys to their location inside a shard file.
package index

import (
	"github.com/zhangyunhao116/skipmap"

	"github.com/miretskiy/ssdcache/base"
)

// Entry is one indexed payload: where it lives and how to verify it.
// Entries are immutable after insert; replacement is erase + re-insert.
type Entry struct {
	Key      base.CacheKey
	Region   uint32 // region slot within the shard file
	Offset   uint32 // byte offset within the region
	Length   uint32
	Checksum uint64 // xxhash of the payload; 0 = not checksummed
}

// Index is a concurrent map from key fingerprint to Entry. Mutations run
// under the owning shard's write lock; lookups run under its read lock.
// The skipmap keeps lookups lock-free so readers never contend with each
// other.
type Index struct {
	entries *skipmap.Uint64Map[Entry]
	count   int
	bytes   int64
}

// New creates an empty index.
func New() *Index {
	return &Index{entries: skipmap.NewUint64[Entry]()}
}

// Insert adds an entry. Returns false without modification if the
// fingerprint is already present: a duplicate insert is a no-op and the
// resident location wins.
func (idx *Index) Insert(e Entry) bool {
	h := e.Key.Hash()
	if _, ok := idx.entries.Load(h); ok {
		return false
	}
	idx.entries.Store(h, e)
	idx.count++
	idx.bytes += int64(e.Length)
	return true
}

// Lookup returns the entry for a key. The fingerprint hash is verified
// against the stored key so a hash collision reads as a miss, never as
// another file's bytes.
func (idx *Index) Lookup(key base.CacheKey) (Entry, bool) {
	e, ok := idx.entries.Load(key.Hash())
	if !ok || e.Key != key {
		return Entry{}, false
	}
	return e, true
}

// Erase removes a key. Returns the removed entry if it was present.
func (idx *Index) Erase(key base.CacheKey) (Entry, bool) {
	h := key.Hash()
	e, ok := idx.entries.Load(h)
	if !ok || e.Key != key {
		return Entry{}, false
	}
	idx.entries.LoadAndDelete(h)
	idx.count--
	idx.bytes -= int64(e.Length)
	return e, true
}

// EraseByRegion drops every entry located in the given region. Returns
// the number of entries and bytes dropped.
func (idx *Index) EraseByRegion(region uint32) (entries int, bytes int64) {
	idx.entries.Range(func(h uint64, e Entry) bool {
		if e.Region == region {
			idx.entries.LoadAndDelete(h)
			idx.count--
			idx.bytes -= int64(e.Length)
			entries++
			bytes += int64(e.Length)
		}
		return true
	})
	return entries, bytes
}

// EraseByFiles removes every entry whose file is in files. An entry whose
// region currently has outstanding readers cannot be erased; its file is
// recorded in retained and the entry survives until a later purge.
func (idx *Index) EraseByFiles(
	files map[base.FileNum]struct{},
	pinned func(region uint32) bool,
	retained map[base.FileNum]struct{},
) (erased int) {
	idx.entries.Range(func(h uint64, e Entry) bool {
		if _, ok := files[e.Key.FileNum]; !ok {
			return true
		}
		if pinned != nil && pinned(e.Region) {
			retained[e.Key.FileNum] = struct{}{}
			return true
		}
		idx.entries.LoadAndDelete(h)
		idx.count--
		idx.bytes -= int64(e.Length)
		erased++
		return true
	})
	return erased
}

// ForEach iterates all entries; fn returns false to stop.
func (idx *Index) ForEach(fn func(Entry) bool) {
	idx.entries.Range(func(_ uint64, e Entry) bool {
		return fn(e)
	})
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return idx.count
}

// Bytes returns the total payload bytes indexed.
func (idx *Index) Bytes() int64 {
	return idx.bytes
}

// Clear empties the index.
func (idx *Index) Clear() {
	idx.entries = skipmap.NewUint64[Entry]()
	idx.count = 0
	idx.bytes = 0
}
