package wal

import "github.com/ChuLiYu/tilesplit/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the ledger journal
// ============================================================================

// EventType defines journal event types, one per ledger transition.
type EventType string

const (
	EventClaim   EventType = "CLAIM"   // pending -> in_progress
	EventDone    EventType = "DONE"    // in_progress -> done
	EventRetry   EventType = "RETRY"   // in_progress -> pending (retryable failure)
	EventFailed  EventType = "FAILED"  // in_progress -> failed
	EventRelease EventType = "RELEASE" // in_progress -> pending (cancelled, attempt not counted)
)

// Event represents one journal line.
//
// Unit carries the complete unit record after the transition, so replay
// is a plain overwrite and applying the same event twice is harmless.
type Event struct {
	Seq       uint64         `json:"seq"`       // Monotonically increasing, survives rotation
	Type      EventType      `json:"type"`      // Transition that produced this record
	Unit      types.WorkUnit `json:"unit"`      // Unit state after the transition
	Timestamp int64          `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32         `json:"checksum"`  // CRC32 over seq, type and unit
}

// EventHandler is called for every valid event during Replay.
// Returning an error aborts the replay.
type EventHandler func(event Event) error

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Applied  int    // events passed to the handler
	Skipped  int    // events at or below the snapshot's LastSeq
	LastSeq  uint64 // highest sequence number seen
	TornTail bool   // final line was an incomplete write and was ignored
}
