package ssdcache

// Stats is a point-in-time aggregate across all shards. Counters are
// cumulative since construction; gauges (EntriesCached, BytesCached)
// reflect the moment of the snapshot.
type Stats struct {
	BytesWritten   uint64
	BytesRead      uint64
	EntriesWritten uint64
	EntriesRead    uint64

	EntriesCached uint64
	BytesCached   uint64

	RegionsEvicted uint64
	EntriesEvicted uint64

	WriteErrors  uint64
	ReadErrors   uint64
	CorruptReads uint64

	CheckpointsWritten uint64
}
