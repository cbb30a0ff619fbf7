package model

import (
	"encoding/json"
	"time"
)

// SyncItemStatus tracks a queued mutation through its replay lifecycle.
type SyncItemStatus string

const (
	SyncItemPending  SyncItemStatus = "pending"
	SyncItemInFlight SyncItemStatus = "in_flight"
	SyncItemRetrying SyncItemStatus = "retrying"
	SyncItemFailed   SyncItemStatus = "failed"
)

// SyncQueueItem is a durable pending write operation. Seq preserves enqueue
// order across restarts; Attempt and NextAttemptAt drive the bounded retry
// schedule during replay.
type SyncQueueItem struct {
	ID            string          `json:"id"`
	Seq           uint64          `json:"seq"`
	Kind          string          `json:"kind"`
	Method        string          `json:"method"`
	Path          string          `json:"path"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	Status        SyncItemStatus  `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
}

// Exhausted reports whether the item has consumed its full retry budget.
func (i SyncQueueItem) Exhausted() bool {
	return i.Attempt >= i.MaxAttempts
}
