package ssdcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/ncw/directio"
	"golang.org/x/time/rate"

	"github.com/miretskiy/ssdcache/base"
	"github.com/miretskiy/ssdcache/groupstats"
	"github.com/miretskiy/ssdcache/index"
)

// ReadResult classifies the outcome of a positional cache read.
type ReadResult int

const (
	// ReadMiss means the key is not resident (or its bytes are not
	// currently readable). The caller falls through to the source.
	ReadMiss ReadResult = iota
	// ReadHit means dst holds the payload.
	ReadHit
	// ReadCorrupt means the payload failed checksum verification; the
	// entry has been erased. Caller treats it as a miss.
	ReadCorrupt
)

// bloomStaleLimit is the number of erasures tolerated before the shard's
// bloom filter is rebuilt from the index.
const bloomStaleLimit = 1024

// Shard is one slice of the cache: a single backing file divided into
// fixed-size regions, an entry index, and a bloom gate over resident
// keys. All writes to a shard are serialized by its lock; reads share
// the lock only for the index lookup and pin the target region for the
// duration of the I/O so it cannot be evicted underneath them.
type Shard struct {
	path       string
	shardID    int
	regionSize uint64
	maxRegions int

	// Bytes written before the index is checkpointed. 0 disables.
	checkpointIntervalBytes int64

	file     *os.File
	readFile *os.File // O_DIRECT descriptor; nil unless direct reads enabled

	tracker *groupstats.Tracker

	mu              sync.RWMutex
	alloc           *regionAllocator
	entries         *index.Index
	filter          *bloom.BloomFilter
	filterStale     int   // erasures since the filter was last rebuilt
	checkpointBytes int64 // bytes written since the last checkpoint

	stats       shardCounters
	writeErrLog rate.Sometimes
}

type shardCounters struct {
	bytesWritten       atomic.Uint64
	bytesRead          atomic.Uint64
	entriesWritten     atomic.Uint64
	entriesRead        atomic.Uint64
	regionsEvicted     atomic.Uint64
	entriesEvicted     atomic.Uint64
	writeErrors        atomic.Uint64
	readErrors         atomic.Uint64
	corruptReads       atomic.Uint64
	checkpointsWritten atomic.Uint64
}

// newShard opens (or creates) the backing file, applies file flags, and
// loads the checkpoint if one parses cleanly. An unreadable checkpoint is
// not an error: the shard starts empty and the stale bytes in the data
// file are simply unreachable.
func newShard(
	path string, shardID, maxRegions int, cfg config, tracker *groupstats.Tracker,
) (*Shard, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard file %s: %w", path, err)
	}
	if cfg.DisableFileCow {
		if err := disableCow(f); err != nil {
			log.Warn("could not disable copy-on-write", "path", path, "error", err)
		}
	}
	// Pre-allocate where the filesystem supports it to cut fragmentation;
	// elsewhere the file stays sparse at its logical size.
	size := int64(maxRegions) * int64(cfg.RegionSize)
	if err := fallocate(f, size); err != nil {
		log.Debug("fallocate unsupported, leaving file sparse", "path", path, "error", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size shard file %s: %w", path, err)
	}

	s := &Shard{
		path:                    path,
		shardID:                 shardID,
		regionSize:              cfg.RegionSize,
		maxRegions:              maxRegions,
		checkpointIntervalBytes: cfg.CheckpointIntervalBytes,
		file:                    f,
		tracker:                 tracker,
		alloc:                   newRegionAllocator(maxRegions, cfg.RegionSize),
		entries:                 index.New(),
		writeErrLog:             rate.Sometimes{Interval: 10 * time.Second},
	}
	s.filter = bloom.NewWithEstimates(s.filterCapacity(), 0.01)

	if cfg.DirectReads {
		rf, err := directio.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			log.Warn("direct reads unavailable, using buffered reads",
				"path", path, "error", err)
		} else {
			s.readFile = rf
		}
	}

	s.restoreFromCheckpoint()
	return s, nil
}

func (s *Shard) filterCapacity() uint {
	// Size the filter for an 8 KiB average entry.
	n := uint64(s.maxRegions) * s.regionSize / 8192
	if n < 1024 {
		n = 1024
	}
	return uint(n)
}

// ShardID returns the shard's index within the cache.
func (s *Shard) ShardID() int {
	return s.shardID
}

func (s *Shard) checkpointPath() string {
	return s.path + ".cp"
}

// restoreFromCheckpoint loads the region table and index from the sibling
// checkpoint file. Any validation failure discards the checkpoint whole.
func (s *Shard) restoreFromCheckpoint() {
	snap, err := loadCheckpoint(s.checkpointPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("discarding unusable checkpoint", "path", s.checkpointPath(), "error", err)
		}
		return
	}
	if snap.ShardID != uint32(s.shardID) || snap.RegionSize != s.regionSize ||
		len(snap.Regions) != s.maxRegions {
		log.Warn("checkpoint does not match shard geometry, starting empty",
			"path", s.checkpointPath(),
			"shard", s.shardID, "checkpointShard", snap.ShardID,
			"regionSize", s.regionSize, "checkpointRegionSize", snap.RegionSize)
		return
	}

	tick := s.tracker.Now()
	for i, r := range snap.Regions {
		if r.State == cpRegionFull && r.Used <= s.regionSize {
			s.alloc.restoreFull(i, r.Used, tick)
		}
	}
	restored := 0
	for _, e := range snap.Entries {
		if int(e.Region) >= s.maxRegions {
			continue
		}
		r := &s.alloc.regions[e.Region]
		if r.state != regionFull || uint64(e.Offset)+uint64(e.Length) > r.used {
			continue
		}
		if s.entries.Insert(e) {
			s.filterAdd(e.Key)
			restored++
		}
	}
	log.Info("restored shard from checkpoint",
		"shard", s.shardID, "entries", restored, "bytes", s.alloc.bytesUsed())
}

// Write streams a batch of pins into the shard file. Duplicate keys and
// pins larger than a region are skipped. Bytes are written with vectored
// I/O, coalescing pins that landed adjacent in the same region; index
// inserts follow input order. A failed write drops the erroring pin and
// the rest of the batch; entries already written stay valid. Pins are not
// released here; the caller owns them.
func (s *Shard) Write(pins []Pin) {
	s.mu.Lock()
	tick := s.tracker.Tick()

	// Pins that land back to back in one region accumulate into a run
	// and go out with a single vectored write. A run must be flushed
	// (bytes written, entries indexed) before its region can close:
	// eviction erases a region's entries from the index, and entries
	// not yet indexed would silently alias the reused space.
	var (
		run              []Pin
		runRegion        int
		runStart, runEnd uint64
		written          int64
		ioFailed         bool
	)
	flushRun := func() bool {
		if len(run) == 0 {
			return true
		}
		bufs := make([][]byte, len(run))
		for i, pin := range run {
			bufs[i] = pin.Bytes()
		}
		fileOff := int64(uint64(runRegion)*s.regionSize + runStart)
		ok := true
		if n, err := pwritev(s.file, bufs, fileOff); err != nil {
			// Pins whose bytes landed in full before the failure are still
			// indexed; the erroring pin and the rest of the run are dropped.
			keep, done := 0, 0
			for keep < len(bufs) && done+len(bufs[keep]) <= n {
				done += len(bufs[keep])
				keep++
			}
			s.stats.writeErrors.Add(uint64(len(run) - keep))
			s.writeErrLog.Do(func() {
				log.Warn("shard write failed, dropping remainder of batch",
					"shard", s.shardID, "offset", fileOff, "error", err)
			})
			run, ok = run[:keep], false
		}
		offset := runStart
		for _, pin := range run {
			data := pin.Bytes()
			key := pin.Key()
			inserted := s.entries.Insert(index.Entry{
				Key:      key,
				Region:   uint32(runRegion),
				Offset:   uint32(offset),
				Length:   uint32(len(data)),
				Checksum: xxhash.Sum64(data),
			})
			offset += uint64(len(data))
			written += int64(len(data))
			if !inserted {
				continue // duplicate key within the batch
			}
			s.filterAdd(key)
			s.tracker.Record(groupstats.GroupFor(key.FileNum), groupstats.OpWrite, int64(len(data)))
			s.stats.entriesWritten.Add(1)
			s.stats.bytesWritten.Add(uint64(len(data)))
		}
		run = run[:0]
		return ok
	}

	for _, pin := range pins {
		size := uint64(pin.Size())
		if size == 0 {
			continue
		}
		if _, ok := s.entries.Lookup(pin.Key()); ok {
			continue // resident entry wins; re-insert is a no-op
		}
		if size > s.regionSize {
			s.stats.writeErrors.Add(1)
			log.Warn("pin exceeds region size, not cached",
				"shard", s.shardID, "key", pin.Key(), "size", size)
			continue
		}

		region, offset, allocated := 0, uint64(0), false
		for attempts := 0; attempts <= s.maxRegions+1; attempts++ {
			w := s.alloc.writingRegion()
			if w < 0 {
				var promoted bool
				if w, promoted = s.alloc.promoteEmpty(tick); !promoted {
					if !s.evictOneLocked() {
						break
					}
					continue
				}
			}
			if off, fits := s.alloc.append(size); fits {
				region, offset, allocated = w, off, true
				break
			}
			// The writing region just closed to Full; flush the run
			// that lives there before eviction may pick it.
			if !flushRun() {
				ioFailed = true
				break
			}
		}
		if ioFailed {
			break
		}
		if !allocated {
			log.Warn("no region available, dropping remainder of batch",
				"shard", s.shardID)
			break
		}
		if len(run) > 0 && (region != runRegion || offset != runEnd) {
			if !flushRun() {
				ioFailed = true
				break
			}
		}
		if len(run) == 0 {
			runRegion, runStart, runEnd = region, offset, offset
		}
		run = append(run, pin)
		runEnd += size
	}
	if !ioFailed {
		flushRun()
	}

	s.checkpointBytes += written
	due := s.checkpointIntervalBytes > 0 && s.checkpointBytes >= s.checkpointIntervalBytes
	if due {
		s.checkpointBytes = 0
	}
	s.mu.Unlock()

	if due {
		if err := s.Checkpoint(false); err != nil {
			log.Warn("checkpoint failed", "shard", s.shardID, "error", err)
		}
	}
}

// evictOneLocked reclaims the lowest-scoring Full region and drops its
// entries from the index.
func (s *Shard) evictOneLocked() bool {
	victim, ok := s.alloc.pickVictim(s.tracker)
	if !ok {
		return false
	}
	s.alloc.beginEvict(victim)
	entries, bytes := s.entries.EraseByRegion(uint32(victim))
	s.alloc.finishEvict(victim)

	s.stats.regionsEvicted.Add(1)
	s.stats.entriesEvicted.Add(uint64(entries))
	s.filterStale += entries
	s.maybeRebuildFilterLocked()
	log.Debug("evicted region",
		"shard", s.shardID, "region", victim, "entries", entries, "bytes", bytes)
	return true
}

// ReadInto looks up key and reads its payload into dst, which must be at
// least the entry's length. The region is pinned across the read so it
// cannot be evicted mid-I/O. A checksum mismatch erases the entry.
func (s *Shard) ReadInto(key base.CacheKey, dst []byte) ReadResult {
	s.mu.RLock()
	if !s.filterTest(key) {
		s.mu.RUnlock()
		return ReadMiss
	}
	e, ok := s.entries.Lookup(key)
	if !ok {
		s.mu.RUnlock()
		return ReadMiss
	}
	r := &s.alloc.regions[e.Region]
	if r.state != regionFull && r.state != regionWriting {
		s.mu.RUnlock()
		return ReadMiss
	}
	if uint64(e.Offset)+uint64(e.Length) > r.used {
		s.mu.RUnlock()
		return ReadMiss
	}
	if len(dst) < int(e.Length) {
		s.mu.RUnlock()
		log.Warn("read buffer smaller than entry",
			"shard", s.shardID, "key", key, "entry", e.Length, "buffer", len(dst))
		return ReadMiss
	}
	r.readers.Add(1)
	s.mu.RUnlock()
	defer r.readers.Add(-1)

	// The entry is referenced the moment the lookup lands, even if the
	// read below fails; eviction scoring follows touch, not success.
	s.tracker.Record(groupstats.GroupFor(key.FileNum), groupstats.OpReference, int64(e.Length))
	r.referencedBytes.Add(int64(e.Length))
	r.lastAccess.Store(s.tracker.Now())

	fileOff := int64(uint64(e.Region)*s.regionSize + uint64(e.Offset))
	if err := s.pread(dst[:e.Length], fileOff); err != nil {
		s.stats.readErrors.Add(1)
		if IsTransientIOError(err) {
			log.Warn("transient read failure", "shard", s.shardID, "key", key, "error", err)
		} else {
			// Index is desynced from the device; self-heal.
			log.Warn("read failed, erasing entry", "shard", s.shardID, "key", key, "error", err)
			s.eraseEntry(key)
		}
		return ReadMiss
	}
	if e.Checksum != 0 && xxhash.Sum64(dst[:e.Length]) != e.Checksum {
		s.stats.corruptReads.Add(1)
		s.eraseEntry(key)
		log.Warn("checksum mismatch, erasing entry", "shard", s.shardID, "key", key)
		return ReadCorrupt
	}

	s.stats.entriesRead.Add(1)
	s.stats.bytesRead.Add(uint64(e.Length))
	s.tracker.Record(groupstats.GroupFor(key.FileNum), groupstats.OpRead, int64(e.Length))
	return ReadHit
}

// pread fills dst from the shard file at off, through the O_DIRECT
// descriptor with an aligned bounce buffer when direct reads are on.
func (s *Shard) pread(dst []byte, off int64) error {
	if s.readFile == nil {
		_, err := s.file.ReadAt(dst, off)
		return err
	}
	alignedOff, alignedLen := alignSpan(off, int64(len(dst)))
	// Cap at the file's logical size; O_DIRECT reads past EOF fail.
	if end := int64(s.maxRegions) * int64(s.regionSize); alignedOff+alignedLen > end {
		alignedLen = end - alignedOff
	}
	buf := directio.AlignedBlock(int(alignedLen))
	n, err := s.readFile.ReadAt(buf, alignedOff)
	if err != nil && int64(n) < off-alignedOff+int64(len(dst)) {
		return err
	}
	copy(dst, buf[off-alignedOff:])
	return nil
}

// eraseEntry removes a single entry outside the read lock.
func (s *Shard) eraseEntry(key base.CacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries.Erase(key); ok {
		s.filterStale++
		s.maybeRebuildFilterLocked()
	}
}

// EntrySize returns the resident payload length for key.
func (s *Shard) EntrySize(key base.CacheKey) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries.Lookup(key)
	if !ok {
		return 0, false
	}
	return int(e.Length), true
}

// RemoveFileEntries erases every resident entry of the given files.
// Entries whose region has readers in flight are kept and their file id
// recorded in retained; the caller retries after readers drain. Regions
// left with no entries are returned to Empty so their space is reusable
// without an eviction cycle. Requires a write-admission ticket.
func (s *Shard) RemoveFileEntries(
	files map[base.FileNum]struct{}, retained map[base.FileNum]struct{},
) bool {
	if len(files) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pinned := func(region uint32) bool {
		return s.alloc.regions[region].readers.Load() > 0
	}
	erased := s.entries.EraseByFiles(files, pinned, retained)
	if erased == 0 {
		return true
	}
	s.filterStale += erased
	s.maybeRebuildFilterLocked()
	s.freeEmptyRegionsLocked()
	return true
}

// freeEmptyRegionsLocked returns Full regions that no longer index any
// entry to Empty.
func (s *Shard) freeEmptyRegionsLocked() {
	live := make([]int, s.maxRegions)
	s.entries.ForEach(func(e index.Entry) bool {
		live[e.Region]++
		return true
	})
	for i := range s.alloc.regions {
		r := &s.alloc.regions[i]
		if live[i] != 0 || r.readers.Load() != 0 {
			continue
		}
		switch r.state {
		case regionFull:
			r.state = regionEmpty
			r.used = 0
			r.referencedBytes.Store(0)
		case regionWriting:
			// Nothing references the region; rewind the writer cursor.
			r.used = 0
			r.referencedBytes.Store(0)
		}
	}
}

// Clear drops every entry and region. Not safe while writes or reads are
// in flight; the caller guarantees quiescence.
func (s *Shard) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Clear()
	s.alloc.reset()
	s.resetFilterLocked()
	s.checkpointBytes = 0
}

// Checkpoint serializes the index and region table to the sibling
// checkpoint file. The snapshot is taken under the read lock; file I/O
// happens outside so concurrent readers are never stalled. With final
// set, the data file is also synced, making the checkpointed entries
// durable across a clean shutdown.
func (s *Shard) Checkpoint(final bool) error {
	s.mu.RLock()
	snap := checkpointSnapshot{
		ShardID:    uint32(s.shardID),
		RegionSize: s.regionSize,
		Regions:    make([]checkpointRegion, s.maxRegions),
		Entries:    make([]index.Entry, 0, s.entries.Len()),
	}
	for i := range s.alloc.regions {
		r := &s.alloc.regions[i]
		switch r.state {
		case regionFull, regionWriting:
			// A region mid-write is persisted at its current fill.
			snap.Regions[i] = checkpointRegion{
				Used:  r.used,
				Score: s.tracker.ScoreRegion(r.referencedBytes.Load(), r.createdTick),
				State: cpRegionFull,
			}
		default:
			snap.Regions[i] = checkpointRegion{State: cpRegionEmpty}
		}
	}
	s.entries.ForEach(func(e index.Entry) bool {
		snap.Entries = append(snap.Entries, e)
		return true
	})
	s.mu.RUnlock()

	if final {
		if err := fdatasync(s.file); err != nil {
			return fmt.Errorf("failed to sync shard data %s: %w", s.path, err)
		}
	}
	if err := installCheckpoint(s.checkpointPath(), encodeCheckpoint(snap)); err != nil {
		return err
	}
	s.stats.checkpointsWritten.Add(1)
	return nil
}

// UpdateStats folds this shard's counters into the aggregate.
func (s *Shard) UpdateStats(st *Stats) {
	st.BytesWritten += s.stats.bytesWritten.Load()
	st.BytesRead += s.stats.bytesRead.Load()
	st.EntriesWritten += s.stats.entriesWritten.Load()
	st.EntriesRead += s.stats.entriesRead.Load()
	st.RegionsEvicted += s.stats.regionsEvicted.Load()
	st.EntriesEvicted += s.stats.entriesEvicted.Load()
	st.WriteErrors += s.stats.writeErrors.Load()
	st.ReadErrors += s.stats.readErrors.Load()
	st.CorruptReads += s.stats.corruptReads.Load()
	st.CheckpointsWritten += s.stats.checkpointsWritten.Load()

	s.mu.RLock()
	st.EntriesCached += uint64(s.entries.Len())
	st.BytesCached += s.alloc.bytesUsed()
	s.mu.RUnlock()
}

// Close releases the shard's file descriptors.
func (s *Shard) Close() error {
	var errs []error
	if s.readFile != nil {
		errs = append(errs, s.readFile.Close())
	}
	errs = append(errs, s.file.Close())
	return errors.Join(errs...)
}

// deleteFiles removes the data file and its checkpoints. Testing only.
func (s *Shard) deleteFiles() {
	_ = s.Close()
	_ = os.Remove(s.path)
	_ = os.Remove(s.checkpointPath())
	_ = os.Remove(s.checkpointPath() + ".tmp")
}

// Bloom gate. Mutations run under the write lock, tests under the read
// lock; the filter is rebuilt from the index once erasures accumulate,
// since a bloom filter cannot unlearn.

func bloomKey(key base.CacheKey) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key.Hash())
	return buf[:]
}

func (s *Shard) filterAdd(key base.CacheKey) {
	s.filter.Add(bloomKey(key))
}

func (s *Shard) filterTest(key base.CacheKey) bool {
	return s.filter.Test(bloomKey(key))
}

func (s *Shard) maybeRebuildFilterLocked() {
	if s.filterStale < bloomStaleLimit {
		return
	}
	s.resetFilterLocked()
	s.entries.ForEach(func(e index.Entry) bool {
		s.filterAdd(e.Key)
		return true
	})
}

func (s *Shard) resetFilterLocked() {
	s.filter = bloom.NewWithEstimates(s.filterCapacity(), 0.01)
	s.filterStale = 0
}
