package ssdcache

import (
	"sync/atomic"

	"github.com/miretskiy/ssdcache/groupstats"
)

type regionState uint8

const (
	regionEmpty regionState = iota
	regionWriting
	regionFull
	regionEvicting
)

// region is one fixed-size slot of a shard file. Slots are reused across
// fill/evict cycles; eviction never truncates the file, it just makes the
// byte range allocatable again.
type region struct {
	state regionState
	used  uint64 // bytes appended; entries reference [0, used)

	// readers blocks eviction while a positional read is in flight.
	// Incremented under the shard read lock, decremented lock-free.
	readers atomic.Int32

	// referencedBytes and lastAccess feed the eviction score.
	referencedBytes atomic.Int64
	lastAccess      atomic.Int64
	createdTick     int64 // tick when the region was opened for writing
}

// regionAllocator owns a shard's fixed region vector and the single
// writer cursor. All methods are called under the shard's write lock,
// except the atomic counters touched by the read path.
type regionAllocator struct {
	regionSize uint64
	regions    []region
	writing    int // index of the Writing region, -1 if none
}

func newRegionAllocator(numRegions int, regionSize uint64) *regionAllocator {
	return &regionAllocator{
		regionSize: regionSize,
		regions:    make([]region, numRegions),
		writing:    -1,
	}
}

// writingRegion returns the current Writing region index, -1 if none.
func (a *regionAllocator) writingRegion() int {
	return a.writing
}

// promoteEmpty turns the lowest-index Empty region into the Writing
// region. Returns false if no region is Empty.
func (a *regionAllocator) promoteEmpty(tick int64) (int, bool) {
	if a.writing >= 0 {
		return a.writing, true
	}
	for i := range a.regions {
		if a.regions[i].state == regionEmpty {
			r := &a.regions[i]
			r.state = regionWriting
			r.used = 0
			r.referencedBytes.Store(0)
			r.createdTick = tick
			r.lastAccess.Store(tick)
			a.writing = i
			return i, true
		}
	}
	return -1, false
}

// append reserves n bytes in the Writing region. Returns the offset of
// the reservation, or false when the region cannot hold n more bytes, in
// which case the region is closed to Full and a fresh one must be opened.
func (a *regionAllocator) append(n uint64) (offset uint64, ok bool) {
	if a.writing < 0 {
		return 0, false
	}
	r := &a.regions[a.writing]
	if r.used+n > a.regionSize {
		a.closeWriter()
		return 0, false
	}
	offset = r.used
	r.used += n
	return offset, true
}

// closeWriter transitions the Writing region to Full.
func (a *regionAllocator) closeWriter() {
	if a.writing < 0 {
		return
	}
	a.regions[a.writing].state = regionFull
	a.writing = -1
}

// pickVictim selects the Full region with the lowest eviction score,
// skipping regions with outstanding readers. Ties break on the oldest
// last access, then the lowest index.
func (a *regionAllocator) pickVictim(t *groupstats.Tracker) (int, bool) {
	best := -1
	var bestScore float64
	var bestAccess int64
	for i := range a.regions {
		r := &a.regions[i]
		if r.state != regionFull || r.readers.Load() > 0 {
			continue
		}
		score := t.ScoreRegion(r.referencedBytes.Load(), r.createdTick)
		access := r.lastAccess.Load()
		if best < 0 || score < bestScore ||
			(score == bestScore && access < bestAccess) {
			best = i
			bestScore = score
			bestAccess = access
		}
	}
	return best, best >= 0
}

// beginEvict transitions Full -> Evicting.
func (a *regionAllocator) beginEvict(i int) {
	a.regions[i].state = regionEvicting
}

// finishEvict transitions Evicting -> Empty and resets the cursor state.
func (a *regionAllocator) finishEvict(i int) {
	r := &a.regions[i]
	r.state = regionEmpty
	r.used = 0
	r.referencedBytes.Store(0)
}

// restoreFull marks a region Full with the given fill, used when loading
// a checkpoint.
func (a *regionAllocator) restoreFull(i int, used uint64, tick int64) {
	r := &a.regions[i]
	r.state = regionFull
	r.used = used
	r.createdTick = tick
	r.lastAccess.Store(tick)
}

// reset returns every region to Empty. Caller guarantees no writer and no
// readers are active.
func (a *regionAllocator) reset() {
	for i := range a.regions {
		r := &a.regions[i]
		r.state = regionEmpty
		r.used = 0
		r.referencedBytes.Store(0)
	}
	a.writing = -1
}

// bytesUsed sums the fill of all occupied regions.
func (a *regionAllocator) bytesUsed() uint64 {
	var total uint64
	for i := range a.regions {
		switch a.regions[i].state {
		case regionFull, regionWriting:
			total += a.regions[i].used
		}
	}
	return total
}
