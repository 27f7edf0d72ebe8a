package ssdcache

import "github.com/miretskiy/ssdcache/base"

// Pin is a borrow-handle on an in-memory buffer awaiting SSD write. The
// buffer pool that produced it owns the memory; the cache only reads the
// bytes during the write path and releases the pin when the shard task
// finishes with it.
type Pin interface {
	// Key returns the cache key the buffer is cached under.
	Key() base.CacheKey
	// Size returns the payload length in bytes.
	Size() int
	// Bytes returns a read-only view of the payload. Valid until Release.
	Bytes() []byte
	// Release returns the buffer to its pool. Called exactly once.
	Release()
}

// BufferPin is a trivial Pin over a byte slice, for callers (and tests)
// that do not run a pooled buffer manager.
type BufferPin struct {
	key  base.CacheKey
	data []byte
}

// NewBufferPin wraps data in a Pin. The slice must not be mutated until
// the pin is released.
func NewBufferPin(key base.CacheKey, data []byte) *BufferPin {
	return &BufferPin{key: key, data: data}
}

func (p *BufferPin) Key() base.CacheKey { return p.key }
func (p *BufferPin) Size() int          { return len(p.data) }
func (p *BufferPin) Bytes() []byte      { return p.data }
func (p *BufferPin) Release()           {}
