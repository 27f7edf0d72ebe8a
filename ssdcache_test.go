package ssdcache

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miretskiy/ssdcache/base"
)

const testRegionSize = 1 << 16 // 64 KiB regions keep test I/O small

// inlineExecutor runs tasks synchronously on the caller, so tests see a
// deterministic completion order.
type inlineExecutor struct{}

func (inlineExecutor) Execute(task func()) { task() }

func newTestCache(t *testing.T, numShards int, maxBytes uint64, opts ...Option) *Cache {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "cache", "shard")
	opts = append([]Option{
		WithShards(numShards),
		WithRegionSize(testRegionSize),
		WithExecutor(inlineExecutor{}),
	}, opts...)
	c, err := New(prefix, maxBytes, opts...)
	require.NoError(t, err)
	return c
}

// writeBatch admits and writes one batch, failing the test if admission
// is refused.
func writeBatch(t *testing.T, c *Cache, pins ...Pin) {
	t.Helper()
	require.True(t, c.StartWrite())
	c.Write(pins)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("relative/prefix", 1<<20)
	require.ErrorIs(t, err, ErrBadPrefix)

	_, err = New("", 1<<20)
	require.ErrorIs(t, err, ErrBadPrefix)

	_, err = New(filepath.Join(t.TempDir(), "shard"), 1<<20, WithShards(0))
	require.ErrorIs(t, err, ErrZeroShards)

	_, err = New(filepath.Join(t.TempDir(), "shard"), 0)
	require.ErrorIs(t, err, ErrZeroSize)
}

func TestNew_CreatesShardFiles(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	for i := 0; i < 2; i++ {
		require.FileExists(t, fmt.Sprintf("%s%d", c.FilePrefix, i))
	}
	require.Equal(t, 2, c.NumShards())
	require.Equal(t, uint64(4*testRegionSize), c.Capacity())
}

func TestNew_RoundsCapacityUp(t *testing.T) {
	// maxBytes below one region per shard still yields one region each.
	c := newTestCache(t, 2, testRegionSize/2)
	defer c.Shutdown()
	require.Equal(t, uint64(2*testRegionSize), c.Capacity())
}

func TestCache_ShardRouting(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	key := base.CacheKey{FileNum: 17, Offset: 0}
	payload := []byte("routed to shard seventeen mod two")
	writeBatch(t, c, NewBufferPin(key, payload))

	require.Equal(t, 1, c.File(17).ShardID())

	dst := make([]byte, len(payload))
	require.Equal(t, ReadHit, c.File(17).ReadInto(key, dst))
	require.Equal(t, payload, dst)

	// The other shard never saw the key.
	require.Equal(t, ReadMiss, c.shards[0].ReadInto(key, dst))
}

func TestCache_WriteRoundTripAcrossShards(t *testing.T) {
	c := newTestCache(t, 4, 16*testRegionSize)
	defer c.Shutdown()

	var pins []Pin
	for file := uint64(0); file < 16; file++ {
		key := base.CacheKey{FileNum: base.FileNum(file), Offset: 8192}
		pins = append(pins, NewBufferPin(key, payloadFor(key, 2048)))
	}
	writeBatch(t, c, pins...)

	for file := uint64(0); file < 16; file++ {
		key := base.CacheKey{FileNum: base.FileNum(file), Offset: 8192}
		dst := make([]byte, 2048)
		require.Equal(t, ReadHit, c.File(key.FileNum).ReadInto(key, dst), "file %d", file)
		require.True(t, bytes.Equal(payloadFor(key, 2048), dst), "file %d", file)
	}

	st := c.Stats()
	require.Equal(t, uint64(16), st.EntriesWritten)
	require.Equal(t, uint64(16), st.EntriesRead)
	require.Equal(t, uint64(16*2048), st.BytesWritten)
	require.Equal(t, uint64(16), st.EntriesCached)
}

func TestStartWrite_MutualExclusion(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	require.True(t, c.StartWrite())
	require.False(t, c.StartWrite(), "second admission while a batch is open")

	// An empty write drains the admission counter synchronously.
	c.Write(nil)
	require.Equal(t, int64(0), c.writesInProgress.Load())
	require.True(t, c.StartWrite())
	c.Write(nil)
}

func TestStartWrite_ConcurrentClaims(t *testing.T) {
	c := newTestCache(t, 4, 8*testRegionSize)
	defer c.Shutdown()

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.StartWrite() {
				mu.Lock()
				winners++
				mu.Unlock()
				c.Write(nil)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, winners, "exactly one concurrent claim wins")
	require.Equal(t, int64(0), c.writesInProgress.Load())
}

func TestCache_WriteReleasesPins(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	key := base.CacheKey{FileNum: 1, Offset: 0}
	pin := &countingPin{BufferPin: NewBufferPin(key, payloadFor(key, 128))}
	writeBatch(t, c, pin)

	require.Equal(t, 1, pin.released, "pins are released once the shard task finishes")
}

type countingPin struct {
	*BufferPin
	released int
}

func (p *countingPin) Release() { p.released++ }

func TestCache_RemoveFileEntries(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	var pins []Pin
	for file := uint64(1); file <= 4; file++ {
		key := base.CacheKey{FileNum: base.FileNum(file), Offset: 0}
		pins = append(pins, NewBufferPin(key, payloadFor(key, 512)))
	}
	writeBatch(t, c, pins...)

	retained := make(map[base.FileNum]struct{})
	require.True(t, c.RemoveFileEntries(map[base.FileNum]struct{}{2: {}, 3: {}}, retained))
	require.Empty(t, retained)
	require.Equal(t, int64(0), c.writesInProgress.Load())

	dst := make([]byte, 512)
	for file := uint64(1); file <= 4; file++ {
		key := base.CacheKey{FileNum: base.FileNum(file), Offset: 0}
		want := ReadHit
		if file == 2 || file == 3 {
			want = ReadMiss
		}
		require.Equal(t, want, c.File(key.FileNum).ReadInto(key, dst), "file %d", file)
	}
}

func TestCache_RemoveFileEntriesRequiresAdmission(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	require.True(t, c.StartWrite())
	retained := make(map[base.FileNum]struct{})
	require.False(t, c.RemoveFileEntries(map[base.FileNum]struct{}{1: {}}, retained),
		"purge must not run while a write batch is open")
	c.Write(nil)
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	var pins []Pin
	for file := uint64(0); file < 8; file++ {
		key := base.CacheKey{FileNum: base.FileNum(file), Offset: 0}
		pins = append(pins, NewBufferPin(key, payloadFor(key, 1024)))
	}
	writeBatch(t, c, pins...)

	st := c.Stats()
	require.NotZero(t, st.EntriesCached)

	c.Clear()
	st = c.Stats()
	require.Zero(t, st.EntriesCached)
	require.Zero(t, st.BytesCached)
}

func TestCache_ShutdownRefusesNewWrites(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	require.NoError(t, c.Shutdown())
	require.False(t, c.StartWrite())
	require.NoError(t, c.Shutdown(), "second shutdown is a no-op")
}

func TestCache_ShutdownWaitsForInFlightBatch(t *testing.T) {
	// A slow executor holds the batch open while Shutdown polls.
	slow := &delayedExecutor{delay: 250 * time.Millisecond}
	c := newTestCache(t, 1, 2*testRegionSize, WithExecutor(slow))

	key := base.CacheKey{FileNum: 1, Offset: 0}
	writeBatch(t, c, NewBufferPin(key, payloadFor(key, 64)))

	start := time.Now()
	require.NoError(t, c.Shutdown())
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"shutdown polls until the in-flight task drains")
	require.Equal(t, int64(0), c.writesInProgress.Load())
}

type delayedExecutor struct {
	delay time.Duration
}

func (e *delayedExecutor) Execute(task func()) {
	go func() {
		time.Sleep(e.delay)
		task()
	}()
}

func TestCache_DurabilityAcrossRestart(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "cache", "shard")
	opts := []Option{
		WithShards(2),
		WithRegionSize(testRegionSize),
		WithExecutor(inlineExecutor{}),
	}

	c, err := New(prefix, 4*testRegionSize, opts...)
	require.NoError(t, err)

	var pins []Pin
	for file := uint64(0); file < 8; file++ {
		key := base.CacheKey{FileNum: base.FileNum(file), Offset: 4096}
		pins = append(pins, NewBufferPin(key, payloadFor(key, 1024)))
	}
	require.True(t, c.StartWrite())
	c.Write(pins)
	require.NoError(t, c.Shutdown())

	// Same parameters: every checkpointed entry must be observed.
	c2, err := New(prefix, 4*testRegionSize, opts...)
	require.NoError(t, err)
	defer c2.Shutdown()

	for file := uint64(0); file < 8; file++ {
		key := base.CacheKey{FileNum: base.FileNum(file), Offset: 4096}
		dst := make([]byte, 1024)
		require.Equal(t, ReadHit, c2.File(key.FileNum).ReadInto(key, dst), "file %d", file)
		require.True(t, bytes.Equal(payloadFor(key, 1024), dst), "file %d", file)
	}
}

func TestCache_CheckpointIntervalProducesCheckpoints(t *testing.T) {
	c := newTestCache(t, 2, 8*testRegionSize, WithCheckpointInterval(8192))
	defer c.Shutdown()

	// Everything routes to shard 0 (even file numbers) until its split
	// of the interval (4 KiB) is crossed.
	var pins []Pin
	for i := uint64(0); i < 8; i++ {
		key := base.CacheKey{FileNum: 2, Offset: i * 1024}
		pins = append(pins, NewBufferPin(key, payloadFor(key, 1024)))
	}
	writeBatch(t, c, pins...)

	cpPath := fmt.Sprintf("%s0.cp", c.FilePrefix)
	require.FileExists(t, cpPath)
	snap, err := loadCheckpoint(cpPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(snap.Entries), 1)
}

func TestCache_TestingDeleteFiles(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	c.TestingDeleteFiles()
	for i := 0; i < 2; i++ {
		require.NoFileExists(t, fmt.Sprintf("%s%d", c.FilePrefix, i))
	}
}

func TestCache_String(t *testing.T) {
	c := newTestCache(t, 2, 4*testRegionSize)
	defer c.Shutdown()

	key := base.CacheKey{FileNum: 3, Offset: 0}
	writeBatch(t, c, NewBufferPin(key, payloadFor(key, 4096)))

	s := c.String()
	require.Contains(t, s, "ssd cache IO")
	require.Contains(t, s, "group stats")
}

func TestCache_OptionSmoke(t *testing.T) {
	// Direct reads and the CoW opt-out degrade gracefully on filesystems
	// without support; the data path must work either way.
	c := newTestCache(t, 2, 4*testRegionSize,
		WithDirectReads(true), WithDisableFileCow(true))
	defer c.Shutdown()

	key := base.CacheKey{FileNum: 5, Offset: 12288}
	payload := payloadFor(key, 3000)
	writeBatch(t, c, NewBufferPin(key, payload))

	dst := make([]byte, 3000)
	require.Equal(t, ReadHit, c.File(key.FileNum).ReadInto(key, dst))
	require.Equal(t, payload, dst)
}

func TestCache_ConcurrentReadersAndWriters(t *testing.T) {
	c := newTestCache(t, 2, 8*testRegionSize, WithExecutor(NewPoolExecutor(4)))
	defer c.Shutdown()

	seed := base.CacheKey{FileNum: 1, Offset: 0}
	writeBatch(t, c, NewBufferPin(seed, payloadFor(seed, 1024)))
	require.Eventually(t, func() bool {
		return c.writesInProgress.Load() == 0
	}, 5*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dst := make([]byte, 1024)
			for {
				select {
				case <-stop:
					return
				default:
					c.File(seed.FileNum).ReadInto(seed, dst)
				}
			}
		}()
	}

	for round := uint64(0); round < 50; round++ {
		if !c.StartWrite() {
			continue // batch still draining
		}
		var pins []Pin
		for i := uint64(0); i < 8; i++ {
			key := base.CacheKey{FileNum: base.FileNum(i), Offset: round * 1024}
			pins = append(pins, NewBufferPin(key, payloadFor(key, 1024)))
		}
		c.Write(pins)
	}
	require.Eventually(t, func() bool {
		return c.writesInProgress.Load() == 0
	}, 5*time.Second, time.Millisecond)

	close(stop)
	wg.Wait()

	dst := make([]byte, 1024)
	require.Equal(t, ReadHit, c.File(seed.FileNum).ReadInto(seed, dst))
	require.True(t, bytes.Equal(payloadFor(seed, 1024), dst))
}

func TestPoolExecutor_RunsTasks(t *testing.T) {
	e := NewPoolExecutor(2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		e.Execute(func() {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	wg.Wait()
	require.Equal(t, 10, ran)
}
