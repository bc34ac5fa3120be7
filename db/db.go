// Package db provides the main database interface and implementation.
//
// # Whitebox Testing Hooks
//
// This file contains sync points (requires -tags synctest) and kill points
// (requires -tags crashtest) for whitebox testing. In production builds,
// these compile to no-ops with zero overhead.
package db

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/lsmkv/lsmkv/internal/batch"
	"github.com/lsmkv/lsmkv/internal/cache"
	"github.com/lsmkv/lsmkv/internal/compaction"
	"github.com/lsmkv/lsmkv/internal/dbformat"
	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/internal/manifest"
	"github.com/lsmkv/lsmkv/internal/memtable"
	"github.com/lsmkv/lsmkv/internal/rangedel"
	"github.com/lsmkv/lsmkv/internal/table"
	"github.com/lsmkv/lsmkv/internal/testutil"
	"github.com/lsmkv/lsmkv/internal/version"
	"github.com/lsmkv/lsmkv/internal/vfs"
	"github.com/lsmkv/lsmkv/internal/wal"
)

// Common errors returned by DB operations.
var (
	ErrDBClosed        = errors.New("db: database is closed")
	ErrNotFound        = errors.New("db: key not found")
	ErrDBExists        = errors.New("db: database already exists")
	ErrDBNotFound      = errors.New("db: database not found")
	ErrCorruption      = errors.New("db: corruption detected")
	ErrInvalidOptions  = errors.New("db: invalid options")
	ErrBackgroundError = errors.New("db: unrecoverable background error")
)

// DB is the main interface for interacting with the database.
type DB interface {
	// Put sets the value for the given key.
	Put(opts *WriteOptions, key, value []byte) error

	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(opts *ReadOptions, key []byte) ([]byte, error)

	// MultiGet retrieves multiple values for the given keys.
	// Returns a slice of values in the same order as keys.
	// If a key doesn't exist, the corresponding value is nil and error is ErrNotFound.
	MultiGet(opts *ReadOptions, keys [][]byte) ([][]byte, []error)

	// Delete removes the given key.
	Delete(opts *WriteOptions, key []byte) error

	// SingleDelete removes the given key. Unlike Delete, SingleDelete is only
	// valid for keys that have been Put exactly once. If there are multiple
	// Put operations for a key, SingleDelete may not work correctly.
	SingleDelete(opts *WriteOptions, key []byte) error

	// DeleteRange removes all keys in the range [startKey, endKey).
	DeleteRange(opts *WriteOptions, startKey, endKey []byte) error

	// Write applies a batch of operations atomically.
	Write(opts *WriteOptions, wb *WriteBatch) error

	// NewIterator creates an iterator over the keyspace.
	NewIterator(opts *ReadOptions) Iterator

	// GetSnapshot creates a new snapshot of the database.
	GetSnapshot() *Snapshot

	// ReleaseSnapshot releases a previously acquired snapshot.
	ReleaseSnapshot(s *Snapshot)

	// Flush flushes the memtable to disk.
	Flush(opts *FlushOptions) error

	// Close closes the database, releasing all resources.
	Close() error

	// GetProperty returns the value of a database property.
	GetProperty(name string) (string, bool)

	// CompactRange manually triggers compaction for the specified key range.
	// If start and end are nil, the entire database is compacted.
	CompactRange(opts *CompactRangeOptions, start, end []byte) error

	// SyncWAL syncs the current WAL to disk, ensuring all data is durable.
	SyncWAL() error

	// FlushWAL flushes the WAL buffer to the file system. If sync is true, it
	// also syncs the WAL to disk (equivalent to SyncWAL).
	FlushWAL(sync bool) error

	// GetLatestSequenceNumber returns the sequence number of the most recent write.
	GetLatestSequenceNumber() uint64
}

// Open opens the database at the specified path.
func Open(path string, opts *Options) (DB, error) {
	// Whitebox [synctest]: barrier at DB open start
	_ = testutil.SP(testutil.SPDBOpen)

	if opts == nil {
		opts = DefaultOptions()
	}

	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}

	comparator := opts.Comparator
	if comparator == nil {
		comparator = DefaultComparator()
	}

	exists := fs.Exists(filepath.Join(path, "CURRENT"))

	if exists && opts.ErrorIfExists {
		return nil, ErrDBExists
	}

	if !exists && !opts.CreateIfMissing {
		return nil, ErrDBNotFound
	}

	if !exists {
		if err := fs.MkdirAll(path, 0755); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefaultLogger(logging.LevelInfo)
	}

	var blockCache cache.Cache
	if opts.BlockCacheSize > 0 {
		blockCache = cache.NewLRUCache(uint64(opts.BlockCacheSize))
	}

	db := &DBImpl{
		name:       path,
		options:    opts,
		fs:         fs,
		comparator: comparator,
		cmp:        comparator,
		shutdownCh: make(chan struct{}),
		blockCache: blockCache,
		tableCache: table.NewTableCache(fs, table.TableCacheOptions{
			MaxOpenFiles:    opts.MaxOpenFiles,
			VerifyChecksums: opts.ParanoidChecks,
			BlockCache:      blockCache,
		}),
		writeController: NewWriteController(),
		logger:          logger,
	}
	db.immCond = sync.NewCond(&db.mu)

	vsOpts := version.VersionSetOptions{
		DBName:              path,
		FS:                  fs,
		Comparator:          comparator.Name(),
		MaxManifestFileSize: 1024 * 1024 * 1024, // 1GB
		NumLevels:           version.MaxNumLevels,
	}
	db.versions = version.NewVersionSet(vsOpts)

	if exists {
		if err := db.recover(); err != nil {
			return nil, err
		}
	} else {
		if err := db.create(); err != nil {
			return nil, err
		}
	}

	db.bgWork = newBackgroundWork(db, opts)
	db.bgWork.Start()
	db.bgWork.MaybeScheduleCompaction()

	// Whitebox [synctest]: barrier at DB open complete
	_ = testutil.SP(testutil.SPDBOpenComplete)

	return db, nil
}

// DBImpl is the concrete implementation of the DB interface.
type DBImpl struct {
	// Database path
	name string

	// Configuration
	options    *Options
	fs         vfs.FS
	comparator Comparator
	cmp        Comparator // Alias for comparator

	// Mutex for protecting internal state
	mu sync.RWMutex

	// Version management
	versions *version.VersionSet

	// WAL (write-ahead log)
	logFile       vfs.WritableFile
	logFileNumber uint64
	logWriter     *wal.Writer

	// MemTable
	mem *memtable.MemTable
	imm *memtable.MemTable // Immutable memtable being flushed
	seq uint64             // Current sequence number

	// Table cache for SST files
	tableCache *table.TableCache

	// Shared LRU block cache, nil if Options.BlockCacheSize is zero
	blockCache cache.Cache

	// Snapshots (linked list)
	snapshots    *Snapshot
	snapshotLock sync.Mutex

	// Background work (compaction, flush)
	bgWork *BackgroundWork

	// Write controller for stalling
	writeController *WriteController

	// Background error state. When a fatal I/O error occurs (e.g., EPERM,
	// EROFS), this is set to prevent further writes while still allowing reads.
	backgroundError error

	// Condition variable for waiting on immutable memtable flush
	immCond *sync.Cond

	// Logger for warnings and info
	logger Logger

	// Track if WAL-disabled warning has been logged (to avoid spam)
	walDisabledWarned bool

	// Shutdown
	closed     bool
	shutdownCh chan struct{}
}

// create initializes a new database.
func (db *DBImpl) create() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.versions.Create(); err != nil {
		return err
	}

	logNumber := db.versions.NextFileNumber()
	logPath := db.logFilePath(logNumber)

	logFile, err := db.fs.Create(logPath)
	if err != nil {
		return err
	}

	db.logFile = logFile
	db.logFileNumber = logNumber
	db.logWriter = wal.NewWriter(logFile, logNumber, false /* not recyclable */)

	var memCmp memtable.Comparator
	if db.comparator != nil {
		memCmp = db.comparator.Compare
	}
	db.mem = memtable.NewMemTable(memCmp)
	db.seq = 0

	edit := &manifest.VersionEdit{
		HasLogNumber: true,
		LogNumber:    logNumber,
	}
	return db.versions.LogAndApply(edit)
}

// recover recovers the database from an existing state.
func (db *DBImpl) recover() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.versions.Recover(); err != nil {
		return err
	}

	db.seq = db.versions.LastSequence()

	if err := db.replayWAL(); err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}

	logNumber := db.versions.NextFileNumber()
	logPath := db.logFilePath(logNumber)

	logFile, err := db.fs.Create(logPath)
	if err != nil {
		return err
	}

	db.logFile = logFile
	db.logFileNumber = logNumber
	db.logWriter = wal.NewWriter(logFile, logNumber, false /* not recyclable */)

	// Record NextFileNumber to prevent file number reuse, but do NOT update
	// LogNumber. The LogNumber determines which logs are replayed during
	// recovery - it should only be updated after a flush completes. This
	// ensures all unflushed data from older WALs is preserved.
	edit := &manifest.VersionEdit{}
	return db.versions.LogAndApply(edit)
}

// replayWAL replays the WAL for the current LogNumber into a fresh memtable.
// REQUIRES: db.mu is held.
func (db *DBImpl) replayWAL() error {
	var memCmp memtable.Comparator
	if db.comparator != nil {
		memCmp = db.comparator.Compare
	}
	mem := memtable.NewMemTable(memCmp)

	logNumber := db.versions.LogNumber()
	logPath := db.logFilePath(logNumber)

	if !db.fs.Exists(logPath) {
		db.mem = mem
		return nil
	}

	file, err := db.fs.Open(logPath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	reporter := &walCorruptionReporter{logger: db.logger}
	reader := wal.NewReader(file, reporter, db.options.ParanoidChecks, logNumber)

	maxSeq := db.seq
	for {
		record, err := reader.ReadRecord()
		if err != nil {
			break
		}

		wb, err := batch.NewFromData(record)
		if err != nil {
			if db.options.ParanoidChecks {
				return fmt.Errorf("%w: corrupt WAL record: %v", ErrCorruption, err)
			}
			continue
		}

		handler := &memtableInserter{sequence: wb.Sequence(), mem: mem}
		if err := wb.Iterate(handler); err != nil {
			if db.options.ParanoidChecks {
				return err
			}
			continue
		}

		if last := wb.Sequence() + uint64(wb.Count()) - 1; last > maxSeq {
			maxSeq = last
		}
	}

	db.mem = mem
	db.seq = maxSeq
	return nil
}

// walCorruptionReporter logs WAL corruption encountered during replay.
type walCorruptionReporter struct {
	logger Logger
}

func (r *walCorruptionReporter) Corruption(bytes int, reason string) {
	if r.logger != nil {
		r.logger.Warnf("WAL corruption: dropped %d bytes: %s", bytes, reason)
	}
}

// Put sets the value for the given key.
func (db *DBImpl) Put(opts *WriteOptions, key, value []byte) error {
	wb := NewWriteBatch()
	wb.Put(key, value)
	return db.Write(opts, wb)
}

// Get retrieves the value for the given key.
func (db *DBImpl) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	// Whitebox [synctest]: barrier at Get start
	_ = testutil.SP(testutil.SPDBGet)

	if opts == nil {
		opts = DefaultReadOptions()
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrDBClosed
	}

	var snapshot uint64
	if opts.Snapshot != nil {
		snapshot = opts.Snapshot.Sequence()
	} else {
		snapshot = db.seq
	}

	mem := db.mem
	imm := db.imm
	db.mu.RUnlock()

	if mem != nil {
		value, found, deleted := mem.Get(key, dbformat.SequenceNumber(snapshot))
		if deleted {
			return nil, ErrNotFound
		}
		if found {
			// IMPORTANT: Copy the value to prevent aliasing with memtable
			// internal data. Users may modify the returned slice, and we
			// must not corrupt internal state.
			return copySlice(value), nil
		}
	}

	if imm != nil {
		value, found, deleted := imm.Get(key, dbformat.SequenceNumber(snapshot))
		if deleted {
			return nil, ErrNotFound
		}
		if found {
			return copySlice(value), nil
		}
	}

	db.mu.RLock()
	current := db.versions.Current()
	if current != nil {
		current.Ref()
	}
	db.mu.RUnlock()

	if current != nil {
		defer current.Unref()
		value, err := db.getFromVersion(current, key, dbformat.SequenceNumber(snapshot))
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	return nil, ErrNotFound
}

// MultiGet retrieves multiple values for the given keys.
func (db *DBImpl) MultiGet(opts *ReadOptions, keys [][]byte) ([][]byte, []error) {
	if len(keys) == 0 {
		return nil, nil
	}

	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))

	for i, key := range keys {
		value, err := db.Get(opts, key)
		values[i] = value
		errs[i] = err
	}

	return values, errs
}

// getFromVersion searches for a key in the SST files of a version.
func (db *DBImpl) getFromVersion(v *version.Version, key []byte, seq dbformat.SequenceNumber) ([]byte, error) {
	// Create a range deletion aggregator to track tombstones across files.
	// The upperBound is the snapshot sequence - tombstones with seq > upperBound
	// are invisible.
	rangeDelAgg := rangedel.NewRangeDelAggregator(seq)

	// Search L0 files (newest first) since they may overlap.
	l0Files := v.Files(0)
	for i := len(l0Files) - 1; i >= 0; i-- {
		f := l0Files[i]
		if db.cmp.Compare(key, extractUserKey(f.Smallest)) < 0 {
			continue
		}
		if db.cmp.Compare(key, extractUserKey(f.Largest)) > 0 {
			continue
		}

		value, found, deleted, foundSeq, err := db.getFromFile(f, key, seq, rangeDelAgg)
		if err != nil {
			return nil, err
		}
		if found {
			if deleted || rangeDelAgg.ShouldDelete(key, foundSeq) {
				return nil, ErrNotFound
			}
			// IMPORTANT: Copy the value to prevent aliasing with cached
			// block data. SST block data is cached and shared; users must
			// not modify returned values.
			return copySlice(value), nil
		}
	}

	// NOTE: we search ALL files in each level because files may overlap due
	// to trivial moves or pending compactions. A binary search over
	// non-overlapping files is only safe once that invariant is enforced by
	// compaction.
	for level := 1; level < v.NumLevels(); level++ {
		files := v.Files(level)
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if db.cmp.Compare(key, extractUserKey(f.Smallest)) < 0 {
				continue
			}
			if db.cmp.Compare(key, extractUserKey(f.Largest)) > 0 {
				continue
			}

			value, found, deleted, foundSeq, err := db.getFromFile(f, key, seq, rangeDelAgg)
			if err != nil {
				return nil, err
			}
			if found {
				if deleted || rangeDelAgg.ShouldDelete(key, foundSeq) {
					return nil, ErrNotFound
				}
				return copySlice(value), nil
			}
		}
	}

	return nil, ErrNotFound
}

// copySlice creates a copy of a byte slice to prevent aliasing with internal
// buffers.
func copySlice(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// extractUserKey extracts the user key from an internal key.
func extractUserKey(internalKey []byte) []byte {
	if len(internalKey) < 8 {
		return internalKey
	}
	return internalKey[:len(internalKey)-8]
}

// getFromFile searches for a key in a single SST file. It also loads range
// tombstones from the file and adds them to the aggregator.
// Returns: value, found, deleted, foundSeqNum, error
func (db *DBImpl) getFromFile(f *manifest.FileMetaData, key []byte, seq dbformat.SequenceNumber, rangeDelAgg *rangedel.RangeDelAggregator) ([]byte, bool, bool, dbformat.SequenceNumber, error) {
	fileNum := f.FD.GetNumber()
	path := db.sstFilePath(fileNum)

	reader, err := db.tableCache.Get(fileNum, path)
	if err != nil {
		return nil, false, false, 0, err
	}
	defer db.tableCache.Release(fileNum)

	if rangeDelAgg != nil {
		tombstoneList, err := reader.GetRangeTombstoneList()
		if err == nil && !tombstoneList.IsEmpty() {
			rangeDelAgg.AddTombstoneList(0, tombstoneList)
		}
	}

	seekKey := makeInternalKey(key, uint64(seq), dbformat.ValueTypeForSeek)

	if !reader.MayContainKey(seekKey) {
		return nil, false, false, 0, nil
	}

	iter := reader.NewIterator()
	iter.Seek(seekKey)

	if !iter.Valid() {
		return nil, false, false, 0, nil
	}

	foundKey := iter.Key()
	foundUserKey := extractUserKey(foundKey)
	if db.cmp.Compare(foundUserKey, key) != 0 {
		return nil, false, false, 0, nil
	}

	foundSeq := extractSequenceNumber(foundKey)
	valueType := extractValueType(foundKey)

	if valueType == dbformat.TypeDeletion || valueType == dbformat.TypeSingleDeletion {
		return nil, true, true, foundSeq, nil
	}

	return iter.Value(), true, false, foundSeq, nil
}

// makeInternalKey constructs an internal key from user key, sequence, and type.
func makeInternalKey(userKey []byte, seq uint64, typ dbformat.ValueType) []byte {
	key := make([]byte, len(userKey)+8)
	copy(key, userKey)
	trailer := (seq << 8) | uint64(typ)
	key[len(userKey)] = byte(trailer)
	key[len(userKey)+1] = byte(trailer >> 8)
	key[len(userKey)+2] = byte(trailer >> 16)
	key[len(userKey)+3] = byte(trailer >> 24)
	key[len(userKey)+4] = byte(trailer >> 32)
	key[len(userKey)+5] = byte(trailer >> 40)
	key[len(userKey)+6] = byte(trailer >> 48)
	key[len(userKey)+7] = byte(trailer >> 56)
	return key
}

// extractValueType extracts the value type from an internal key.
func extractValueType(internalKey []byte) dbformat.ValueType {
	if len(internalKey) < 8 {
		return dbformat.TypeValue
	}
	return dbformat.ValueType(internalKey[len(internalKey)-8])
}

// extractSequenceNumber extracts the sequence number from an internal key.
func extractSequenceNumber(internalKey []byte) dbformat.SequenceNumber {
	if len(internalKey) < 8 {
		return 0
	}
	trailer := uint64(0)
	for i := range 8 {
		trailer |= uint64(internalKey[len(internalKey)-8+i]) << (i * 8)
	}
	return dbformat.SequenceNumber(trailer >> 8)
}

// findFile finds the file in a sorted level that might contain the key.
// Returns the index of the first file whose largest key >= key.
//
// NOTE: currently unused because Get() scans every file at L1+ to tolerate
// overlapping files that shouldn't occur but can arise from compaction bugs.
// Once that invariant is guaranteed, this should be reinstated for O(log n)
// file lookup.
//
//nolint:unused // reinstated once compaction guarantees non-overlapping files at L1+
func (db *DBImpl) findFile(files []*manifest.FileMetaData, key []byte) int {
	lo := 0
	hi := len(files)
	for lo < hi {
		mid := (lo + hi) / 2
		if db.cmp.Compare(extractUserKey(files[mid].Largest), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Delete removes the given key.
func (db *DBImpl) Delete(opts *WriteOptions, key []byte) error {
	wb := NewWriteBatch()
	wb.Delete(key)
	return db.Write(opts, wb)
}

// SingleDelete removes the given key. Unlike Delete, SingleDelete is only
// valid for keys that have been Put exactly once. If there are multiple Put
// operations for a key, SingleDelete may not work correctly.
func (db *DBImpl) SingleDelete(opts *WriteOptions, key []byte) error {
	wb := NewWriteBatch()
	wb.SingleDelete(key)
	return db.Write(opts, wb)
}

// DeleteRange removes all keys in the range [startKey, endKey).
func (db *DBImpl) DeleteRange(opts *WriteOptions, startKey, endKey []byte) error {
	wb := NewWriteBatch()
	wb.DeleteRange(startKey, endKey)
	return db.Write(opts, wb)
}

// Write applies a batch of operations atomically.
func (db *DBImpl) Write(opts *WriteOptions, wb *WriteBatch) error {
	// Whitebox [synctest]: barrier at Write start
	_ = testutil.SP(testutil.SPDBWrite)

	if opts == nil {
		opts = DefaultWriteOptions()
	}

	inner := wb.inner()

	writeSize := len(inner.Data())
	db.writeController.MaybeStallWrite(writeSize)

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if db.backgroundError != nil {
		err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
		db.mu.Unlock()
		return err
	}

	count := inner.Count()
	firstSeq := db.seq + 1
	inner.SetSequence(firstSeq)
	db.seq += uint64(count)

	if opts.DisableWAL {
		if !db.walDisabledWarned {
			db.walDisabledWarned = true
			if db.logger != nil {
				db.logger.Warnf("DisableWAL=true: writes will be lost if process crashes before Flush()")
			}
		}
	} else if db.logWriter != nil {
		// Whitebox [synctest]: barrier before WAL write
		_ = testutil.SP(testutil.SPDBWriteWAL)

		data := inner.Data()
		if _, err := db.logWriter.AddRecord(data); err != nil {
			db.mu.Unlock()
			return err
		}

		if opts.Sync {
			if err := db.logWriter.Sync(); err != nil {
				db.mu.Unlock()
				return err
			}
		}

		// Whitebox [synctest]: barrier after WAL write
		_ = testutil.SP(testutil.SPDBWriteWALComplete)
	}

	// Whitebox [synctest]: barrier before memtable insert
	_ = testutil.SP(testutil.SPDBWriteMemtable)

	// Capture memtable reference while holding lock to avoid race with Flush
	seq := firstSeq
	mem := db.mem
	db.mu.Unlock()

	handler := &memtableInserter{sequence: seq, mem: mem}
	if err := inner.Iterate(handler); err != nil {
		return err
	}

	// Whitebox [synctest]: barrier after memtable insert
	_ = testutil.SP(testutil.SPDBWriteMemtableComplete)

	// Whitebox [synctest]: barrier at Write complete
	_ = testutil.SP(testutil.SPDBWriteComplete)

	return nil
}

// memtableInserter applies batch operations to a single memtable. It
// implements batch.Handler; column-family variants route to the same
// memtable since this database has a single default keyspace.
type memtableInserter struct {
	sequence uint64
	mem      *memtable.MemTable
}

func (m *memtableInserter) Put(key, value []byte) error {
	m.mem.Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeValue, key, value)
	m.sequence++
	return nil
}

func (m *memtableInserter) PutCF(cfID uint32, key, value []byte) error {
	return m.Put(key, value)
}

func (m *memtableInserter) Delete(key []byte) error {
	m.mem.Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeDeletion, key, nil)
	m.sequence++
	return nil
}

func (m *memtableInserter) DeleteCF(cfID uint32, key []byte) error {
	return m.Delete(key)
}

func (m *memtableInserter) SingleDelete(key []byte) error {
	m.mem.Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeSingleDeletion, key, nil)
	m.sequence++
	return nil
}

func (m *memtableInserter) SingleDeleteCF(cfID uint32, key []byte) error {
	return m.SingleDelete(key)
}

func (m *memtableInserter) Merge(key, value []byte) error {
	m.mem.Add(dbformat.SequenceNumber(m.sequence), dbformat.TypeMerge, key, value)
	m.sequence++
	return nil
}

func (m *memtableInserter) MergeCF(cfID uint32, key, value []byte) error {
	return m.Merge(key, value)
}

func (m *memtableInserter) DeleteRange(startKey, endKey []byte) error {
	m.mem.AddRangeTombstone(dbformat.SequenceNumber(m.sequence), startKey, endKey)
	m.sequence++
	return nil
}

func (m *memtableInserter) DeleteRangeCF(cfID uint32, startKey, endKey []byte) error {
	return m.DeleteRange(startKey, endKey)
}

func (m *memtableInserter) LogData(blob []byte) {
	// Log data is ignored.
}

// NewIterator creates an iterator over the keyspace.
func (db *DBImpl) NewIterator(opts *ReadOptions) Iterator {
	if opts == nil {
		opts = DefaultReadOptions()
	}

	var snapshot *Snapshot
	ownsSnapshot := false
	if opts.Snapshot != nil {
		snapshot = opts.Snapshot
	} else {
		snapshot = db.GetSnapshot()
		ownsSnapshot = true
	}

	iter := newDBIterator(db, snapshot)
	iter.ownsSnapshot = ownsSnapshot
	iter.iterateUpperBound = opts.IterateUpperBound
	iter.iterateLowerBound = opts.IterateLowerBound

	return iter
}

// GetSnapshot creates a new snapshot of the database.
func (db *DBImpl) GetSnapshot() *Snapshot {
	db.mu.RLock()
	seq := db.seq
	db.mu.RUnlock()

	s := newSnapshot(db, seq)

	db.snapshotLock.Lock()
	s.next = db.snapshots
	if db.snapshots != nil {
		db.snapshots.prev = s
	}
	db.snapshots = s
	db.snapshotLock.Unlock()

	return s
}

// ReleaseSnapshot releases a previously acquired snapshot.
func (db *DBImpl) ReleaseSnapshot(s *Snapshot) {
	s.Release()
}

// releaseSnapshot is called when a snapshot's reference count reaches zero.
func (db *DBImpl) releaseSnapshot(s *Snapshot) {
	db.snapshotLock.Lock()
	defer db.snapshotLock.Unlock()

	if s.prev != nil {
		s.prev.next = s.next
	} else {
		db.snapshots = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
}

// Flush flushes the memtable to disk.
func (db *DBImpl) Flush(opts *FlushOptions) error {
	if opts == nil {
		opts = DefaultFlushOptions()
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDBClosed
	}
	if db.backgroundError != nil {
		err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
		db.mu.Unlock()
		return err
	}

	// Wait for any existing immutable memtable to be flushed first, to avoid
	// "immutable memtable already exists" spam under write pressure.
	for db.imm != nil {
		if db.closed {
			db.mu.Unlock()
			return ErrDBClosed
		}
		if db.backgroundError != nil {
			err := fmt.Errorf("%w: %w", ErrBackgroundError, db.backgroundError)
			db.mu.Unlock()
			return err
		}
		db.immCond.Wait()
	}

	if db.mem.Empty() {
		db.mu.Unlock()
		return nil
	}

	// Switch memtable: current becomes immutable, create new active memtable.
	// The current WAL keeps receiving writes for the new memtable - LogNumber
	// only advances once the flush actually completes.
	db.imm = db.mem
	var memCmp memtable.Comparator
	if db.comparator != nil {
		memCmp = db.comparator.Compare
	}
	db.mem = memtable.NewMemTable(memCmp)

	db.recalculateWriteStall()
	db.mu.Unlock()

	if err := db.doFlush(); err != nil {
		return err
	}

	if db.bgWork != nil {
		db.bgWork.MaybeScheduleCompaction()
	}

	return nil
}

// SyncWAL syncs the current WAL to disk, ensuring all data is durable.
func (db *DBImpl) SyncWAL() error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrDBClosed
	}
	logWriter := db.logWriter
	db.mu.RUnlock()

	if logWriter == nil {
		return nil
	}

	return logWriter.Sync()
}

// FlushWAL flushes the WAL buffer to the file system. If sync is true, it
// also syncs the WAL to disk (equivalent to SyncWAL).
func (db *DBImpl) FlushWAL(sync bool) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrDBClosed
	}
	logFile := db.logFile
	db.mu.RUnlock()

	if logFile == nil {
		return nil
	}

	// The WAL writer has no buffering layer of its own: every record is
	// written straight to the log file, so FlushWAL(false) is a no-op and
	// FlushWAL(true) syncs.
	if sync {
		return db.SyncWAL()
	}

	return nil
}

// GetLatestSequenceNumber returns the sequence number of the most recent write.
func (db *DBImpl) GetLatestSequenceNumber() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.seq
}

// Close closes the database, releasing all resources.
func (db *DBImpl) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	// Stop background workers first (outside mutex to avoid deadlock)
	if db.bgWork != nil {
		db.bgWork.Stop()
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	close(db.shutdownCh)

	if db.logFile != nil {
		_ = db.logFile.Close()
		db.logFile = nil
		db.logWriter = nil
	}

	if db.tableCache != nil {
		_ = db.tableCache.Close()
	}

	if db.blockCache != nil {
		db.blockCache.Close()
	}

	if db.versions != nil {
		_ = db.versions.Close()
	}

	return nil
}

// SetBackgroundError sets an unrecoverable background error. This is called
// when I/O errors occur in background operations (flush, compaction). Once
// set, new write operations will fail with this error. The error is sticky -
// it can only be cleared by reopening the database.
func (db *DBImpl) SetBackgroundError(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.backgroundError == nil && err != nil {
		db.backgroundError = err
	}
}

// GetBackgroundError returns the current background error, if any.
func (db *DBImpl) GetBackgroundError() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.backgroundError
}

// Property name constants for GetProperty.
const (
	PropertyNumImmutableMemTable        = "lsmkv.num-immutable-mem-table"
	PropertyNumImmutableMemTableFlushed = "lsmkv.num-immutable-mem-table-flushed"
	PropertyMemTableFlushPending        = "lsmkv.mem-table-flush-pending"
	PropertyCurSizeActiveMemTable       = "lsmkv.cur-size-active-mem-table"
	PropertyCurSizeAllMemTables         = "lsmkv.cur-size-all-mem-tables"
	PropertyNumEntriesActiveMemTable    = "lsmkv.num-entries-active-mem-table"
	PropertyNumDeletesActiveMemTable    = "lsmkv.num-deletes-active-mem-table"

	PropertyCompactionPending     = "lsmkv.compaction-pending"
	PropertyNumRunningFlushes     = "lsmkv.num-running-flushes"
	PropertyNumRunningCompactions = "lsmkv.num-running-compactions"

	PropertyNumFilesAtLevelPrefix = "lsmkv.num-files-at-level"
	PropertyLevelStats            = "lsmkv.levelstats"

	PropertyNumSnapshots       = "lsmkv.num-snapshots"
	PropertyOldestSnapshotTime = "lsmkv.oldest-snapshot-time"

	PropertyEstimateNumKeys = "lsmkv.estimate-num-keys"

	PropertyEstimateLiveDataSize = "lsmkv.estimate-live-data-size"
	PropertyTotalSstFilesSize    = "lsmkv.total-sst-files-size"
	PropertyLiveSstFilesSize     = "lsmkv.live-sst-files-size"

	PropertyBackgroundErrors = "lsmkv.background-errors"

	PropertyNumLiveVersions           = "lsmkv.num-live-versions"
	PropertyCurrentSuperVersionNumber = "lsmkv.current-super-version-number"
)

// GetProperty returns the value of a database property.
// Returns the property value and true if the property exists, otherwise ("", false).
func (db *DBImpl) GetProperty(name string) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return "", false
	}

	if after, ok := strings.CutPrefix(name, PropertyNumFilesAtLevelPrefix); ok {
		level, err := strconv.Atoi(after)
		if err != nil || level < 0 || level >= 7 {
			return "", false
		}
		v := db.versions.Current()
		if v == nil {
			return "0", true
		}
		return strconv.Itoa(len(v.Files(level))), true
	}

	switch name {
	case PropertyNumImmutableMemTable:
		count := 0
		if db.imm != nil {
			count = 1
		}
		return strconv.Itoa(count), true

	case PropertyNumImmutableMemTableFlushed:
		return "0", true

	case PropertyMemTableFlushPending:
		pending := 0
		if db.imm != nil {
			pending = 1
		}
		return strconv.Itoa(pending), true

	case PropertyCurSizeActiveMemTable:
		if db.mem != nil {
			return strconv.FormatUint(uint64(db.mem.ApproximateMemoryUsage()), 10), true
		}
		return "0", true

	case PropertyCurSizeAllMemTables:
		size := uint64(0)
		if db.mem != nil {
			size += uint64(db.mem.ApproximateMemoryUsage())
		}
		if db.imm != nil {
			size += uint64(db.imm.ApproximateMemoryUsage())
		}
		return strconv.FormatUint(size, 10), true

	case PropertyNumEntriesActiveMemTable:
		if db.mem != nil {
			return strconv.FormatInt(db.mem.Count(), 10), true
		}
		return "0", true

	case PropertyNumDeletesActiveMemTable:
		return "0", true

	case PropertyCompactionPending:
		if db.bgWork != nil && db.bgWork.IsCompactionPending() {
			return "1", true
		}
		return "0", true

	case PropertyNumRunningFlushes:
		if db.bgWork != nil {
			return strconv.Itoa(db.bgWork.NumRunningFlushes()), true
		}
		return "0", true

	case PropertyNumRunningCompactions:
		if db.bgWork != nil {
			return strconv.Itoa(db.bgWork.NumRunningCompactions()), true
		}
		return "0", true

	case PropertyLevelStats:
		return db.getLevelStats(), true

	case PropertyNumSnapshots:
		return strconv.Itoa(db.countSnapshots()), true

	case PropertyOldestSnapshotTime:
		oldest := db.getOldestSnapshotTime()
		if oldest == 0 {
			return "0", true
		}
		return strconv.FormatInt(oldest, 10), true

	case PropertyEstimateNumKeys:
		return strconv.FormatUint(db.estimateNumKeys(), 10), true

	case PropertyTotalSstFilesSize, PropertyLiveSstFilesSize, PropertyEstimateLiveDataSize:
		return strconv.FormatUint(db.getTotalSstFilesSize(), 10), true

	case PropertyBackgroundErrors:
		if db.bgWork != nil {
			return strconv.Itoa(db.bgWork.NumBackgroundErrors()), true
		}
		return "0", true

	case PropertyNumLiveVersions:
		if db.versions != nil {
			return strconv.Itoa(db.versions.NumLiveVersions()), true
		}
		return "1", true

	case PropertyCurrentSuperVersionNumber:
		if db.versions != nil {
			return strconv.FormatUint(db.versions.CurrentVersionNumber(), 10), true
		}
		return "0", true

	default:
		return "", false
	}
}

// getLevelStats returns a formatted string with level statistics.
func (db *DBImpl) getLevelStats() string {
	v := db.versions.Current()
	if v == nil {
		return "Level Files Size(MB)\n"
	}

	var sb strings.Builder
	sb.WriteString("Level Files Size(MB)\n")
	for level := range 7 {
		files := v.Files(level)
		var totalSize uint64
		for _, f := range files {
			totalSize += f.FD.FileSize
		}
		sizeMB := float64(totalSize) / (1024 * 1024)
		sb.WriteString(fmt.Sprintf("  %d   %5d %8.2f\n", level, len(files), sizeMB))
	}
	return sb.String()
}

// countSnapshots counts the number of active snapshots.
func (db *DBImpl) countSnapshots() int {
	db.snapshotLock.Lock()
	defer db.snapshotLock.Unlock()

	count := 0
	for s := db.snapshots; s != nil; s = s.next {
		count++
	}
	return count
}

// getOldestSnapshotTime returns the creation time of the oldest snapshot (Unix timestamp).
func (db *DBImpl) getOldestSnapshotTime() int64 {
	db.snapshotLock.Lock()
	defer db.snapshotLock.Unlock()

	if db.snapshots == nil {
		return 0
	}

	oldest := db.snapshots
	for s := db.snapshots.next; s != nil; s = s.next {
		if s.sequence < oldest.sequence {
			oldest = s
		}
	}
	return oldest.createdAt
}

// estimateNumKeys estimates the total number of keys in the database.
func (db *DBImpl) estimateNumKeys() uint64 {
	var estimate uint64

	if db.mem != nil {
		estimate += uint64(db.mem.Count())
	}
	if db.imm != nil {
		estimate += uint64(db.imm.Count())
	}

	// Estimate keys from SST files based on file size, assuming an average
	// key-value pair is ~100 bytes.
	v := db.versions.Current()
	if v != nil {
		for level := range 7 {
			for _, f := range v.Files(level) {
				estimate += f.FD.FileSize / 100
			}
		}
	}

	return estimate
}

// getTotalSstFilesSize returns the total size of all SST files.
func (db *DBImpl) getTotalSstFilesSize() uint64 {
	v := db.versions.Current()
	if v == nil {
		return 0
	}

	var totalSize uint64
	for level := range 7 {
		for _, f := range v.Files(level) {
			totalSize += f.FD.FileSize
		}
	}
	return totalSize
}

// CompactRangeOptions specifies options for manual compaction.
type CompactRangeOptions struct {
	// ChangeLevel when true writes the output of each level's compaction to
	// TargetLevel if TargetLevel is deeper than the next level; otherwise the
	// output goes to the next level. The minimum level able to hold the data
	// is not computed.
	ChangeLevel bool
	// TargetLevel is the output level used when ChangeLevel is set.
	TargetLevel int
	// ExclusiveManualCompaction is not consulted by CompactRange; concurrent
	// manual compactions are not serialized by it.
	ExclusiveManualCompaction bool
}

// CompactRange manually triggers compaction for the specified key range.
// If start and end are nil, the entire database is compacted.
func (db *DBImpl) CompactRange(opts *CompactRangeOptions, start, end []byte) error {
	if opts == nil {
		opts = &CompactRangeOptions{}
	}

	if err := db.Flush(nil); err != nil {
		return err
	}

	db.mu.RLock()
	v := db.versions.Current()
	if v != nil {
		v.Ref()
	}
	db.mu.RUnlock()

	if v == nil {
		return nil
	}
	defer v.Unref()

	for level := range 6 {
		if err := db.compactLevel(v, level, start, end, opts); err != nil {
			return err
		}

		db.mu.RLock()
		v.Unref()
		v = db.versions.Current()
		if v != nil {
			v.Ref()
		}
		db.mu.RUnlock()

		if v == nil {
			return nil
		}
	}

	return nil
}

// compactLevel compacts files in a specific level that overlap the given range.
func (db *DBImpl) compactLevel(v *version.Version, level int, start, end []byte, opts *CompactRangeOptions) error {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}

	var overlappingFiles []*manifest.FileMetaData
	for _, f := range files {
		if f.BeingCompacted {
			continue
		}
		if len(start) > 0 && bytes.Compare(f.Largest, start) < 0 {
			continue
		}
		if len(end) > 0 && bytes.Compare(f.Smallest, end) >= 0 {
			continue
		}
		overlappingFiles = append(overlappingFiles, f)
	}

	if len(overlappingFiles) == 0 {
		return nil
	}

	outputLevel := level + 1
	if opts.ChangeLevel && opts.TargetLevel > outputLevel {
		outputLevel = opts.TargetLevel
	}

	input := &compaction.CompactionInputFiles{
		Level: level,
		Files: overlappingFiles,
	}

	var smallest, largest []byte
	for _, f := range overlappingFiles {
		if smallest == nil || bytes.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || bytes.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}

	outputFiles := v.OverlappingInputs(outputLevel, smallest, largest)
	var outputAvailable []*manifest.FileMetaData
	for _, f := range outputFiles {
		if !f.BeingCompacted {
			outputAvailable = append(outputAvailable, f)
		}
	}

	inputs := []*compaction.CompactionInputFiles{input}
	if len(outputAvailable) > 0 {
		inputs = append(inputs, &compaction.CompactionInputFiles{
			Level: outputLevel,
			Files: outputAvailable,
		})
	}

	c := compaction.NewCompaction(inputs, outputLevel)
	c.Reason = compaction.CompactionReasonManualCompaction

	db.mu.Lock()
	c.MarkFilesBeingCompacted(true)
	db.mu.Unlock()

	defer func() {
		db.mu.Lock()
		c.MarkFilesBeingCompacted(false)
		db.mu.Unlock()
	}()

	return db.bgWork.executeCompaction(c)
}

// logFilePath returns the path to a log file.
func (db *DBImpl) logFilePath(number uint64) string {
	return filepath.Join(db.name, logFileName(number))
}

// logFileName returns the filename for a log file.
func logFileName(number uint64) string {
	return fmt.Sprintf("%06d.log", number)
}

// recalculateWriteStall recalculates and updates the write stall condition.
// REQUIRES: db.mu is held.
func (db *DBImpl) recalculateWriteStall() {
	numUnflushed := 1 // Current memtable
	if db.imm != nil {
		numUnflushed++
	}

	numL0Files := 0
	if v := db.versions.Current(); v != nil {
		numL0Files = len(v.Files(0))
	}

	condition, cause := RecalculateWriteStallCondition(
		numUnflushed,
		numL0Files,
		db.options.MaxWriteBufferNumber,
		db.options.Level0SlowdownWritesTrigger,
		db.options.Level0StopWritesTrigger,
		db.options.DisableAutoCompactions,
	)

	db.writeController.SetStallCondition(condition, cause)
}
