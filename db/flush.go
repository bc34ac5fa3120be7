// Package db provides the main database interface and implementation.
// This file implements the flush operation that writes a memtable to an SST file.
package db

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lsmkv/lsmkv/internal/flush"
	"github.com/lsmkv/lsmkv/internal/manifest"
	"github.com/lsmkv/lsmkv/internal/testutil"
	"github.com/lsmkv/lsmkv/internal/vfs"
)

// NextFileNumber allocates and returns the next file number. Satisfies flush.DB.
func (db *DBImpl) NextFileNumber() uint64 {
	return db.versions.NextFileNumber()
}

// SSTFilePath returns the full path for an SST file with the given number.
// Satisfies flush.DB.
func (db *DBImpl) SSTFilePath(fileNum uint64) string {
	return db.sstFilePath(fileNum)
}

// FS returns the virtual file system. Satisfies flush.DB.
func (db *DBImpl) FS() vfs.FS {
	return db.fs
}

// DBPath returns the database directory path. Satisfies flush.DB.
func (db *DBImpl) DBPath() string {
	return db.name
}

// ComparatorName returns the name of the comparator. Satisfies flush.DB.
func (db *DBImpl) ComparatorName() string {
	return db.comparator.Name()
}

// sstFilePath returns the path to an SST file.
func (db *DBImpl) sstFilePath(number uint64) string {
	return filepath.Join(db.name, sstFileName(number))
}

// sstFileName returns the filename for an SST file.
func sstFileName(number uint64) string {
	return fmt.Sprintf("%06d.ldb", number)
}

// doFlush performs the actual flush of the immutable memtable, writing it to
// a new SST file and installing that file in the current version.
func (db *DBImpl) doFlush() error {
	_ = testutil.SP(testutil.SPDoFlushStart)

	db.mu.Lock()
	if db.imm == nil {
		db.mu.Unlock()
		return nil // Nothing to flush
	}
	imm := db.imm
	db.mu.Unlock()

	job := flush.NewJob(db, imm)
	meta, err := job.Run()
	if err != nil {
		if errors.Is(err, flush.ErrNoOutput) {
			db.mu.Lock()
			db.imm = nil
			if db.immCond != nil {
				db.immCond.Broadcast()
			}
			db.mu.Unlock()
			return nil
		}
		return err
	}

	db.mu.Lock()
	edit := &manifest.VersionEdit{
		HasLogNumber:    true,
		LogNumber:       db.logFileNumber,
		HasLastSequence: true,
		LastSequence:    manifest.SequenceNumber(db.seq),
	}
	edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{
		Level: 0, // Flush always goes to L0
		Meta:  meta,
	})

	if err := db.versions.LogAndApply(edit); err != nil {
		db.mu.Unlock()
		return fmt.Errorf("failed to log version edit: %w", err)
	}

	db.imm = nil
	if db.immCond != nil {
		db.immCond.Broadcast()
	}

	db.recalculateWriteStall()
	db.mu.Unlock()

	return nil
}

// backgroundFlush runs in a goroutine to handle flush requests.
//
//nolint:unused // Reserved for future use when background flush scheduling is implemented
func (db *DBImpl) backgroundFlush() {
	for {
		select {
		case <-db.shutdownCh:
			return
		default:
			db.mu.RLock()
			hasImm := db.imm != nil
			db.mu.RUnlock()

			if hasImm {
				if err := db.doFlush(); err != nil {
					db.SetBackgroundError(err)
				}
			}
		}
	}
}
