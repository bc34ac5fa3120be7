package db

import (
	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/internal/vfs"
)

// Logger is the interface used for diagnostic output.
type Logger = logging.Logger

// CompressionType selects the block compression algorithm used by SST files.
type CompressionType int

const (
	NoCompression CompressionType = iota
	SnappyCompression
	ZlibCompression
	LZ4Compression
	ZSTDCompression
)

// ChecksumType selects the per-block checksum algorithm.
type ChecksumType int

const (
	ChecksumCRC32c ChecksumType = iota
	ChecksumXXHash64
	ChecksumXXHash3
)

// CompactionStyle selects the strategy used to pick and merge SST files.
type CompactionStyle int

const (
	// LevelCompaction organizes files into exponentially sized levels and
	// compacts overlapping ranges between adjacent levels. This is the
	// default and the only style described by the on-disk format invariants.
	LevelCompaction CompactionStyle = iota

	// UniversalCompaction merges files within a single level by size ratio,
	// trading read amplification for reduced write amplification.
	UniversalCompaction

	// FIFOCompaction drops the oldest files once a total size budget is
	// exceeded, without ever rewriting data. Suited to TTL-like caches.
	FIFOCompaction
)

func (s CompactionStyle) String() string {
	switch s {
	case LevelCompaction:
		return "level"
	case UniversalCompaction:
		return "universal"
	case FIFOCompaction:
		return "fifo"
	default:
		return "unknown"
	}
}

// UniversalCompactionOptions tunes UniversalCompaction behavior.
type UniversalCompactionOptions struct {
	// SizeRatio is the percentage flexibility while picking files to be
	// included in a compaction run.
	SizeRatio int

	// MinMergeWidth is the minimum number of files in a single compaction run.
	MinMergeWidth int

	// MaxMergeWidth is the maximum number of files in a single compaction run.
	MaxMergeWidth int

	// MaxSizeAmplificationPercent bounds the ratio of total size to the size
	// of the newest sorted run before a full compaction is forced.
	MaxSizeAmplificationPercent int
}

// DefaultUniversalCompactionOptions returns the default universal compaction
// tuning knobs.
func DefaultUniversalCompactionOptions() UniversalCompactionOptions {
	return UniversalCompactionOptions{
		SizeRatio:                   1,
		MinMergeWidth:               2,
		MaxMergeWidth:               1 << 30,
		MaxSizeAmplificationPercent: 200,
	}
}

// FIFOCompactionOptions tunes FIFOCompaction behavior.
type FIFOCompactionOptions struct {
	// MaxTableFilesSize is the total size budget, in bytes, across all SST
	// files before the oldest files are dropped.
	MaxTableFilesSize uint64
}

// DefaultFIFOCompactionOptions returns the default FIFO compaction tuning
// knobs.
func DefaultFIFOCompactionOptions() FIFOCompactionOptions {
	return FIFOCompactionOptions{
		MaxTableFilesSize: 1 << 30,
	}
}

// Options controls database-wide behavior at Open time.
type Options struct {
	// CreateIfMissing causes Open to create the database if it doesn't exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// ParanoidChecks causes the database to do aggressive checking of the
	// data it reads and stops early if it detects errors.
	ParanoidChecks bool

	// FS is the virtual file system used for all file I/O. Defaults to the
	// host file system.
	FS vfs.FS

	// Comparator defines the ordering of keys. Defaults to BytewiseComparator.
	// It must be consistent across the lifetime of the database.
	Comparator Comparator

	// WriteBufferSize is the amount of data to build up in an in-memory
	// memtable before converting it to an on-disk SST file.
	WriteBufferSize int

	// MaxWriteBufferNumber is the maximum number of memtables (active plus
	// immutable, not yet flushed) held in memory before writes stall.
	MaxWriteBufferNumber int

	// MaxOpenFiles is the number of open files the table cache can hold.
	MaxOpenFiles int

	// BlockCacheSize is the total charge, in bytes, the shared LRU block
	// cache may hold before evicting. Zero disables block caching.
	BlockCacheSize int64

	// BlockSize is the approximate uncompressed size, in bytes, of a data
	// block written to an SST file.
	BlockSize int

	// BlockRestartInterval is the number of keys between each prefix-
	// compression restart point within a data block.
	BlockRestartInterval int

	// ChecksumType selects the checksum algorithm stored alongside each block.
	ChecksumType ChecksumType

	// Level0FileNumCompactionTrigger is the number of level-0 files that
	// triggers a level-0 to level-1 compaction.
	Level0FileNumCompactionTrigger int

	// MaxBytesForLevelBase is the total size, in bytes, of level-1 files
	// above which subsequent levels grow by LevelSizeMultiplier.
	MaxBytesForLevelBase uint64

	// BloomFilterBitsPerKey configures a bloom filter block attached to each
	// SST file; zero disables filter blocks.
	BloomFilterBitsPerKey int

	// Level0SlowdownWritesTrigger is the number of level-0 files at which
	// writes are throttled to let compaction catch up.
	Level0SlowdownWritesTrigger int

	// Level0StopWritesTrigger is the number of level-0 files at which writes
	// are stopped entirely until compaction catches up.
	Level0StopWritesTrigger int

	// DisableAutoCompactions turns off the background compaction scheduler.
	DisableAutoCompactions bool

	// CompactionStyle selects the compaction strategy.
	CompactionStyle CompactionStyle

	// UniversalCompactionOptions tunes UniversalCompaction. Ignored unless
	// CompactionStyle is UniversalCompaction.
	UniversalCompactionOptions UniversalCompactionOptions

	// FIFOCompactionOptions tunes FIFOCompaction. Ignored unless
	// CompactionStyle is FIFOCompaction.
	FIFOCompactionOptions FIFOCompactionOptions

	// Compression selects the block compression algorithm.
	Compression CompressionType

	// MaxSubcompactions is the maximum number of threads used for a single
	// compaction job.
	MaxSubcompactions int

	// Logger receives diagnostic output. Defaults to a no-op logger.
	Logger Logger
}

// DefaultOptions returns an Options populated with reasonable defaults.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:                 false,
		ParanoidChecks:                  false,
		FS:                              vfs.Default(),
		Comparator:                      DefaultComparator(),
		WriteBufferSize:                 4 << 20,
		MaxWriteBufferNumber:            2,
		MaxOpenFiles:                    1000,
		BlockCacheSize:                  8 << 20,
		BlockSize:                       4 << 10,
		BlockRestartInterval:            16,
		ChecksumType:                    ChecksumCRC32c,
		Level0FileNumCompactionTrigger:  4,
		MaxBytesForLevelBase:            256 << 20,
		BloomFilterBitsPerKey:           10,
		Level0SlowdownWritesTrigger:     20,
		Level0StopWritesTrigger:         36,
		DisableAutoCompactions:          false,
		CompactionStyle:                 LevelCompaction,
		UniversalCompactionOptions:      DefaultUniversalCompactionOptions(),
		FIFOCompactionOptions:           DefaultFIFOCompactionOptions(),
		Compression:                     SnappyCompression,
		MaxSubcompactions:               1,
		Logger:                          logging.Discard,
	}
}

// ReadOptions controls the behavior of Get and iterator operations.
type ReadOptions struct {
	// VerifyChecksums causes all data read from storage to be checksum-
	// verified before being returned.
	VerifyChecksums bool

	// FillCache controls whether blocks read during this operation are
	// inserted into the block cache.
	FillCache bool

	// Snapshot restricts reads to the state of the database as of the
	// given snapshot. If nil, reads observe the latest state.
	Snapshot *Snapshot

	// IterateUpperBound, if non-nil, causes an iterator to stop before
	// reaching this key (exclusive).
	IterateUpperBound []byte

	// IterateLowerBound, if non-nil, causes an iterator to stop before
	// reaching a key smaller than this one (inclusive).
	IterateLowerBound []byte
}

// DefaultReadOptions returns a ReadOptions populated with reasonable defaults.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		VerifyChecksums: false,
		FillCache:       true,
	}
}

// WriteOptions controls the behavior of Write and Put/Delete operations.
type WriteOptions struct {
	// Sync, if true, forces the write-ahead log to be flushed to stable
	// storage before the write returns.
	Sync bool

	// DisableWAL, if true, skips writing to the write-ahead log entirely.
	// Writes become unrecoverable across a crash until the next flush.
	DisableWAL bool
}

// DefaultWriteOptions returns a WriteOptions populated with reasonable defaults.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{
		Sync:       false,
		DisableWAL: false,
	}
}

// FlushOptions controls the behavior of an explicit Flush call.
type FlushOptions struct {
	// Wait, if true, blocks until the flush completes.
	Wait bool

	// AllowWriteStall, if true, permits the flush to stall writers while
	// it runs.
	AllowWriteStall bool
}

// DefaultFlushOptions returns a FlushOptions populated with reasonable defaults.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{
		Wait:            true,
		AllowWriteStall: false,
	}
}
