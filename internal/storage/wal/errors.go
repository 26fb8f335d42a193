package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed record
	Expected uint32 // Expected checksum
	Actual   uint32 // Stored checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=%#08x, got=%#08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError represents a record that could not be read back
type CorruptionError struct {
	Line   int   // 1-based line in the file
	Offset int64 // Byte offset where the bad line starts
	Tail   bool  // the bad record is the last line (torn write after a crash)
	Cause  error // Underlying error
}

func (e *CorruptionError) Error() string {
	where := "record"
	if e.Tail {
		where = "last record"
	}
	return fmt.Sprintf("wal: corrupted %s at line %d: %v", where, e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
