package wal

import "github.com/ChuLiYu/vitesse/internal/jobmanager"

// ============================================================================
// WAL Type Definitions
// Responsibility: records the broker journals between two snapshots
// ============================================================================

// EventType defines WAL record types
type EventType string

const (
	EventSubmit EventType = "SUBMIT" // Job accepted by the broker
	EventFinish EventType = "FINISH" // Job reached a terminal state
)

// Record is one journal line
type Record struct {
	Seq       uint64          `json:"seq"`           // Monotonically increasing, survives compaction
	Type      EventType       `json:"type"`          // Record type
	Handle    string          `json:"handle"`        // Job handle
	Job       *jobmanager.Job `json:"job,omitempty"` // Only on SUBMIT
	Timestamp int64           `json:"timestamp"`     // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`      // CRC32 of the record with Checksum=0
}

// Handler applies one replayed record
type Handler func(rec Record) error
