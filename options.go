package ssdcache

import "errors"

const (
	// DefaultRegionSize is the unit of allocation and eviction within a
	// shard file. It is fixed for a cache's lifetime: the checkpoint
	// records the value, and a mismatch on load discards the checkpoint.
	DefaultRegionSize = 64 << 20

	defaultNumShards = 4
)

// config holds internal configuration
type config struct {
	FilePrefix              string // absolute path prefix; shard files are FilePrefix0..N-1
	MaxBytes                uint64 // soft capacity, rounded up to NumShards*RegionSize
	Shards                  int
	RegionSize              uint64
	CheckpointIntervalBytes int64 // per-cache; split evenly across shards. 0 disables checkpoints
	DisableFileCow          bool
	DirectReads             bool // read through an O_DIRECT descriptor
	Executor                Executor
}

// Option configures the cache
type Option interface {
	apply(*config)
}

// funcOpt wraps a function as an Option
type funcOpt func(*config)

func (f funcOpt) apply(c *config) {
	f(c)
}

// WithShards sets the number of shards (default: 4). Each file id is
// statically routed to fileNum mod numShards, so changing the shard count
// of an existing cache orphans its checkpoints.
func WithShards(n int) Option {
	return funcOpt(func(c *config) {
		c.Shards = n
	})
}

// WithRegionSize overrides the region size (default: 64 MiB). Must stay
// constant across restarts of the same cache.
func WithRegionSize(size uint64) Option {
	return funcOpt(func(c *config) {
		c.RegionSize = size
	})
}

// WithCheckpointInterval sets how many bytes the cache writes before the
// shard index is checkpointed to disk (default: 0 = disabled). The budget
// is divided evenly across shards.
func WithCheckpointInterval(bytes int64) Option {
	return funcOpt(func(c *config) {
		c.CheckpointIntervalBytes = bytes
	})
}

// WithDisableFileCow requests that shard data files be exempted from
// filesystem copy-on-write where the filesystem supports it (btrfs).
// Advisory: failure to set the flag is logged, not fatal.
func WithDisableFileCow(disable bool) Option {
	return funcOpt(func(c *config) {
		c.DisableFileCow = disable
	})
}

// WithDirectReads opens a second O_DIRECT descriptor for reads, bypassing
// the page cache. Reads are staged through an aligned bounce buffer.
func WithDirectReads(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.DirectReads = enabled
	})
}

// WithExecutor sets the executor that runs per-shard write tasks
// (default: a pool bounded at the shard count).
func WithExecutor(e Executor) Option {
	return funcOpt(func(c *config) {
		c.Executor = e
	})
}

// Construction errors
var (
	ErrBadPrefix  = errors.New("file prefix must be an absolute local path")
	ErrZeroShards = errors.New("shard count must be positive")
	ErrZeroSize   = errors.New("cache size must be positive")
)

// defaultConfig returns sensible defaults (prefix and size set by caller)
func defaultConfig(prefix string, maxBytes uint64) config {
	return config{
		FilePrefix: prefix,
		MaxBytes:   maxBytes,
		Shards:     defaultNumShards,
		RegionSize: DefaultRegionSize,
	}
}

func (c *config) validate() error {
	if len(c.FilePrefix) == 0 || c.FilePrefix[0] != '/' {
		return ErrBadPrefix
	}
	if c.Shards <= 0 {
		return ErrZeroShards
	}
	if c.MaxBytes == 0 || c.RegionSize == 0 {
		return ErrZeroSize
	}
	return nil
}
