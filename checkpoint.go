package ssdcache

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/natefinch/atomic"

	"github.com/miretskiy/ssdcache/base"
	"github.com/miretskiy/ssdcache/index"
)

// Checkpoint file layout (little-endian):
//
//	magic "SSDC", version u32
//	shardID u32, regionCount u32, regionSize u64
//	per region: used u64, score f64, state u8 (0=empty, 1=full)
//	entry count u64
//	per entry: fileNum u64, offset u64, length u32,
//	           regionIndex u32, offsetInRegion u32, checksum u64
//	crc32 over everything above
//
// A checkpoint that fails any validation is discarded whole; the shard
// then starts empty. The tmp file written during a rewrite is never read.
const (
	checkpointMagic   = "SSDC"
	checkpointVersion = 1

	cpRegionEmpty = 0
	cpRegionFull  = 1

	cpHeaderSize = 4 + 4 + 4 + 4 + 8 // magic, version, shardID, regionCount, regionSize
	cpRegionSize = 8 + 8 + 1
	cpEntrySize  = 8 + 8 + 4 + 4 + 4 + 8
)

// checkpointRegion is one row of the serialized region table.
type checkpointRegion struct {
	Used  uint64
	Score float64
	State uint8
}

// checkpointSnapshot is the in-memory form of a checkpoint, captured
// under the shard lock and serialized outside it.
type checkpointSnapshot struct {
	ShardID    uint32
	RegionSize uint64
	Regions    []checkpointRegion
	Entries    []index.Entry
}

func appendCheckpointRegion(buf []byte, r checkpointRegion) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, r.Used)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Score))
	return append(buf, r.State)
}

func appendCheckpointEntry(buf []byte, e index.Entry) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Key.FileNum))
	buf = binary.LittleEndian.AppendUint64(buf, e.Key.Offset)
	buf = binary.LittleEndian.AppendUint32(buf, e.Length)
	buf = binary.LittleEndian.AppendUint32(buf, e.Region)
	buf = binary.LittleEndian.AppendUint32(buf, e.Offset)
	return binary.LittleEndian.AppendUint64(buf, e.Checksum)
}

// encodeCheckpoint serializes a snapshot, CRC trailer included.
func encodeCheckpoint(snap checkpointSnapshot) []byte {
	size := cpHeaderSize + len(snap.Regions)*cpRegionSize + 8 +
		len(snap.Entries)*cpEntrySize + 4
	buf := make([]byte, 0, size)

	buf = append(buf, checkpointMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, checkpointVersion)
	buf = binary.LittleEndian.AppendUint32(buf, snap.ShardID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(snap.Regions)))
	buf = binary.LittleEndian.AppendUint64(buf, snap.RegionSize)

	for _, r := range snap.Regions {
		buf = appendCheckpointRegion(buf, r)
	}

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(snap.Entries)))
	for _, e := range snap.Entries {
		buf = appendCheckpointEntry(buf, e)
	}

	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// decodeCheckpoint parses and validates a checkpoint image.
func decodeCheckpoint(buf []byte) (checkpointSnapshot, error) {
	var snap checkpointSnapshot
	if len(buf) < cpHeaderSize+8+4 {
		return snap, fmt.Errorf("checkpoint truncated: %d bytes", len(buf))
	}
	if string(buf[0:4]) != checkpointMagic {
		return snap, fmt.Errorf("bad checkpoint magic %q", buf[0:4])
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != checkpointVersion {
		return snap, fmt.Errorf("unsupported checkpoint version %d", v)
	}

	body, trailer := buf[:len(buf)-4], binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc := crc32.ChecksumIEEE(body); crc != trailer {
		return snap, fmt.Errorf("checkpoint crc mismatch: computed %08x stored %08x", crc, trailer)
	}

	snap.ShardID = binary.LittleEndian.Uint32(buf[8:12])
	regionCount := int(binary.LittleEndian.Uint32(buf[12:16]))
	snap.RegionSize = binary.LittleEndian.Uint64(buf[16:24])

	pos := cpHeaderSize
	if len(body) < pos+regionCount*cpRegionSize+8 {
		return snap, fmt.Errorf("checkpoint region table truncated")
	}
	snap.Regions = make([]checkpointRegion, regionCount)
	for i := range snap.Regions {
		snap.Regions[i] = checkpointRegion{
			Used:  binary.LittleEndian.Uint64(body[pos : pos+8]),
			Score: math.Float64frombits(binary.LittleEndian.Uint64(body[pos+8 : pos+16])),
			State: body[pos+16],
		}
		pos += cpRegionSize
	}

	entryCount := binary.LittleEndian.Uint64(body[pos : pos+8])
	pos += 8
	if uint64(len(body)-pos) != entryCount*cpEntrySize {
		return snap, fmt.Errorf("checkpoint entry table truncated: %d entries claimed", entryCount)
	}
	snap.Entries = make([]index.Entry, entryCount)
	for i := range snap.Entries {
		e := &snap.Entries[i]
		e.Key.FileNum = base.FileNum(binary.LittleEndian.Uint64(body[pos : pos+8]))
		e.Key.Offset = binary.LittleEndian.Uint64(body[pos+8 : pos+16])
		e.Length = binary.LittleEndian.Uint32(body[pos+16 : pos+20])
		e.Region = binary.LittleEndian.Uint32(body[pos+20 : pos+24])
		e.Offset = binary.LittleEndian.Uint32(body[pos+24 : pos+28])
		e.Checksum = binary.LittleEndian.Uint64(body[pos+28 : pos+36])
		pos += cpEntrySize
	}
	return snap, nil
}

// installCheckpoint writes the image to the sibling tmp file, syncs it,
// and renames it over the live checkpoint. A crash between the two leaves
// either the old checkpoint or the new one, never a mix.
func installCheckpoint(cpPath string, image []byte) error {
	tmpPath := cpPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint tmp: %w", err)
	}
	if _, err := f.Write(image); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := fdatasync(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint tmp: %w", err)
	}
	if err := atomic.ReplaceFile(tmpPath, cpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install checkpoint: %w", err)
	}
	return nil
}

// loadCheckpoint reads and validates the checkpoint next to a shard file.
// A missing or unparsable checkpoint returns an error; the caller starts
// the shard empty in that case.
func loadCheckpoint(cpPath string) (checkpointSnapshot, error) {
	buf, err := os.ReadFile(cpPath)
	if err != nil {
		return checkpointSnapshot{}, err
	}
	return decodeCheckpoint(buf)
}
