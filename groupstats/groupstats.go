// Package groupstats tracks read and write volume per file group, a
// coarser bucket than a single file, and keeps the logical clock that
// ages regions. Region eviction scores each region from the bytes
// referenced in that region and its age on this clock (ScoreRegion): a
// region still being referenced scores high and survives, a cold region
// scores low and is reclaimed. The per-group counters are reported in
// statistics; they do not enter the score.
//
// Counters are not persisted; after a restart they are repopulated as
// traffic arrives.
package groupstats

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/miretskiy/ssdcache/base"
)

// NumGroups is the number of file-group buckets. A power of two so the
// hash prefix maps to a bucket with a mask.
const NumGroups = 64

// Op classifies a recorded byte count.
type Op int

const (
	// OpRead counts bytes served from the cache.
	OpRead Op = iota
	// OpWrite counts bytes stored into the cache.
	OpWrite
	// OpReference counts bytes of entries touched by a lookup, whether
	// or not the read completes.
	OpReference
)

// Counters is a snapshot of one group's totals.
type Counters struct {
	ReferencedBytes int64
	ReadBytes       int64
	WriteBytes      int64
}

type groupCounters struct {
	referenced atomic.Int64
	read       atomic.Int64
	written    atomic.Int64
}

// Tracker holds per-group counters and the logical clock used for region
// age. One tracker is shared by all shards of a cache.
type Tracker struct {
	groups [NumGroups]groupCounters
	clock  atomic.Int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// GroupFor maps a file to its group bucket via the hash prefix.
func GroupFor(fileNum base.FileNum) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(fileNum))
	return int(xxhash.Sum64(buf[:]) >> 32 & (NumGroups - 1))
}

// Record adds bytes to a group's counter for the given op.
func (t *Tracker) Record(group int, op Op, bytes int64) {
	g := &t.groups[group&(NumGroups-1)]
	switch op {
	case OpRead:
		g.read.Add(bytes)
	case OpWrite:
		g.written.Add(bytes)
	case OpReference:
		g.referenced.Add(bytes)
	}
}

// Tick advances the logical clock and returns the new value. The shard
// write path ticks once per batch, so region age is measured in batches
// rather than wall time.
func (t *Tracker) Tick() int64 {
	return t.clock.Add(1)
}

// Now returns the current logical time without advancing it.
func (t *Tracker) Now() int64 {
	return t.clock.Load()
}

// ScoreRegion scores a region for eviction from the bytes its entries
// have been referenced and the tick it was opened for writing. Higher scores
// survive longer; the score decays as the region ages without traffic.
func (t *Tracker) ScoreRegion(referencedBytes int64, createdTick int64) float64 {
	age := t.clock.Load() - createdTick
	if age < 0 {
		age = 0
	}
	return float64(referencedBytes) / float64(age+1)
}

// Group returns a snapshot of one group's counters.
func (t *Tracker) Group(group int) Counters {
	g := &t.groups[group&(NumGroups-1)]
	return Counters{
		ReferencedBytes: g.referenced.Load(),
		ReadBytes:       g.read.Load(),
		WriteBytes:      g.written.Load(),
	}
}

// Totals sums all groups.
func (t *Tracker) Totals() Counters {
	var out Counters
	for i := range t.groups {
		g := &t.groups[i]
		out.ReferencedBytes += g.referenced.Load()
		out.ReadBytes += g.read.Load()
		out.WriteBytes += g.written.Load()
	}
	return out
}

// String summarizes group traffic against the cache capacity.
func (t *Tracker) String(capacity uint64) string {
	var b strings.Builder
	tot := t.Totals()
	fmt.Fprintf(&b, "referenced %dMB read %dMB written %dMB over %dGB capacity",
		tot.ReferencedBytes>>20, tot.ReadBytes>>20, tot.WriteBytes>>20, capacity>>30)
	active := 0
	for i := range t.groups {
		if t.groups[i].referenced.Load() > 0 || t.groups[i].written.Load() > 0 {
			active++
		}
	}
	fmt.Fprintf(&b, ", %d/%d groups active", active, NumGroups)
	return b.String()
}
