// Package ssdcache is a sharded, persistent second-level cache backing an
// in-memory buffer pool with fixed-size files on local SSD. Evicted
// buffers arrive in batches as pins, are streamed into large contiguous
// regions, and are indexed for positional read-back. Periodic checkpoints
// let the cache survive restarts; everything else is a hint, and any
// entry may silently disappear after a crash.
package ssdcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miretskiy/ssdcache/base"
	"github.com/miretskiy/ssdcache/groupstats"
)

// Cache owns the shard fleet and coordinates write admission, statistics,
// file-entry eviction, and shutdown. All public methods are safe for
// concurrent use; see Write and Clear for their preconditions.
type Cache struct {
	config
	shards  []*Shard
	tracker *groupstats.Tracker

	// writesInProgress is both the write-batch mutex and the countdown
	// of outstanding per-shard tasks: zero means no batch is active.
	// StartWrite raises it by the shard count to claim every shard at
	// once; each shard's work lowers it by exactly one.
	writesInProgress atomic.Int64
	isShutdown       atomic.Bool
}

// New creates a cache of N shard files named filePrefix0..N-1. The
// prefix must be an absolute local path; its parent directory is created.
// maxBytes is rounded up so every shard holds the same whole number of
// regions. Shards that left a valid checkpoint resume with their entries.
func New(filePrefix string, maxBytes uint64, opts ...Option) (*Cache, error) {
	cfg := defaultConfig(filePrefix, maxBytes)
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Executor == nil {
		cfg.Executor = NewPoolExecutor(int64(cfg.Shards))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePrefix), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Capacity must divide evenly into equally sized shards.
	quantum := uint64(cfg.Shards) * cfg.RegionSize
	fileMaxRegions := int((cfg.MaxBytes + quantum - 1) / quantum)

	c := &Cache{
		config:  cfg,
		tracker: groupstats.NewTracker(),
		shards:  make([]*Shard, 0, cfg.Shards),
	}
	for i := 0; i < cfg.Shards; i++ {
		shard, err := newShard(
			fmt.Sprintf("%s%d", cfg.FilePrefix, i),
			i,
			fileMaxRegions,
			shardConfig(cfg),
			c.tracker,
		)
		if err != nil {
			c.closeShards()
			return nil, err
		}
		c.shards = append(c.shards, shard)
	}
	return c, nil
}

// shardConfig splits the per-cache checkpoint budget across shards.
func shardConfig(cfg config) config {
	cfg.CheckpointIntervalBytes /= int64(cfg.Shards)
	return cfg
}

// File returns the shard that owns fileID. The assignment is static, so a
// caller may hold the shard across calls.
func (c *Cache) File(fileID base.FileNum) *Shard {
	return c.shards[fileID.Shard(len(c.shards))]
}

// NumShards returns the shard count.
func (c *Cache) NumShards() int {
	return len(c.shards)
}

// Capacity returns the effective maximum size after rounding maxBytes up
// to a whole number of regions per shard.
func (c *Cache) Capacity() uint64 {
	return uint64(len(c.shards)) * uint64(c.shards[0].maxRegions) * c.RegionSize
}

// StartWrite claims the fleet for one write batch. Returns false if the
// cache is shutting down or another batch is in flight. On success the
// admission counter holds one slot per shard; Write or RemoveFileEntries
// must follow and release every slot.
func (c *Cache) StartWrite() bool {
	if c.isShutdown.Load() {
		return false
	}
	n := int64(len(c.shards))
	if c.writesInProgress.Add(n) == n {
		// No write was pending; all shards are now counted as writing.
		return true
	}
	// Another batch was in flight; undo the claim.
	c.writesInProgress.Add(-n)
	return false
}

// Write buckets pins by shard and submits one task per non-empty shard to
// the executor; it does not wait for completion. Each task writes its
// pins, releases them, and gives back one admission slot whatever
// happens; shards with no pins give their slot back here. Requires a
// successful StartWrite.
func (c *Cache) Write(pins []Pin) {
	numShards := int64(len(c.shards))
	if c.writesInProgress.Load() < numShards {
		panic("ssdcache: Write without StartWrite")
	}

	startTime := time.Now()

	var bytes uint64
	buckets := make([][]Pin, len(c.shards))
	for _, pin := range pins {
		bytes += uint64(pin.Size())
		id := c.File(pin.Key().FileNum).ShardID()
		buckets[id] = append(buckets[id], pin)
	}

	numNoStore := int64(0)
	for i := range buckets {
		if len(buckets[i]) == 0 {
			numNoStore++
			continue
		}
		shard, shardPins := c.shards[i], buckets[i]
		c.Executor.Execute(func() {
			defer func() {
				if r := recover(); r != nil {
					// A lost batch must not leak the admission slot.
					log.Error("panic in shard write task", "shard", shard.ShardID(), "panic", r)
				}
				for _, pin := range shardPins {
					pin.Release()
				}
				if c.writesInProgress.Add(-1) == 0 {
					// Typically fires every few GB; a slow rate here
					// points at a failing device.
					elapsed := time.Since(startTime).Seconds()
					log.Info("ssd write batch complete",
						"mb", bytes>>20,
						"mbPerSec", float64(bytes)/(1<<20)/max(elapsed, 1e-6))
				}
			}()
			shard.Write(shardPins)
		})
	}
	c.writesInProgress.Add(-numNoStore)
}

// RemoveFileEntries erases all cached entries of the given files across
// every shard, synchronously. Files with an entry that could not be
// erased (a reader holds its region) are added to retained; the caller
// retries those later. Returns false if admission failed or any shard
// failed.
func (c *Cache) RemoveFileEntries(
	files map[base.FileNum]struct{}, retained map[base.FileNum]struct{},
) bool {
	if !c.StartWrite() {
		return false
	}
	success := true
	for _, shard := range c.shards {
		success = shard.RemoveFileEntries(files, retained) && success
		c.writesInProgress.Add(-1)
	}
	return success
}

// Stats aggregates all shard counters into one snapshot.
func (c *Cache) Stats() Stats {
	var st Stats
	for _, shard := range c.shards {
		shard.UpdateStats(&st)
	}
	return st
}

// GroupStats exposes the file-group tracker shared by the shards.
func (c *Cache) GroupStats() *groupstats.Tracker {
	return c.tracker
}

// Clear empties every shard. The caller guarantees no writes or reads
// are in flight.
func (c *Cache) Clear() {
	for _, shard := range c.shards {
		shard.Clear()
	}
}

// Shutdown refuses new write batches, waits for in-flight shard tasks to
// drain, then checkpoints every shard with a data-file sync and closes
// the files. Blocks for as long as a wedged shard task blocks; there is
// no forced abort.
func (c *Cache) Shutdown() error {
	if c.isShutdown.Swap(true) {
		return nil
	}
	for c.writesInProgress.Load() > 0 {
		time.Sleep(100 * time.Millisecond)
	}
	var errs []error
	for _, shard := range c.shards {
		if err := shard.Checkpoint(true); err != nil {
			log.Warn("final checkpoint failed", "shard", shard.ShardID(), "error", err)
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.closeShards())
	return errors.Join(errs...)
}

func (c *Cache) closeShards() error {
	var errs []error
	for _, shard := range c.shards {
		errs = append(errs, shard.Close())
	}
	return errors.Join(errs...)
}

// TestingDeleteFiles removes every shard's backing and checkpoint files.
func (c *Cache) TestingDeleteFiles() {
	for _, shard := range c.shards {
		shard.deleteFiles()
	}
}

// String summarizes I/O volume, occupancy, and group traffic.
func (c *Cache) String() string {
	st := c.Stats()
	capacity := c.Capacity()
	var b strings.Builder
	fmt.Fprintf(&b, "ssd cache IO: write %dMB read %dMB size %dGB occupied %dGB %dK entries.",
		st.BytesWritten>>20, st.BytesRead>>20, capacity>>30, st.BytesCached>>30,
		st.EntriesCached>>10)
	fmt.Fprintf(&b, "\ngroup stats: %s", c.tracker.String(capacity))
	return b.String()
}
