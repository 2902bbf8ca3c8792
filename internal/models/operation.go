// Package models provides data model definitions for the FieldSync core.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind identifies what a queued operation does when replayed
// against the record server.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
	// OperationSync is a deferred bulk reconciliation request rather than
	// a single-record mutation.
	OperationSync OperationKind = "sync"
)

// OperationStatus represents the lifecycle state of a queued operation.
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationProcessing OperationStatus = "processing"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
)

// QueuedOperation is a locally-initiated mutation awaiting confirmation by
// the record server. It survives restarts: the row is persisted at enqueue
// time and mutated in place by the drain loop.
//
// Seq is assigned by the operations table and orders operations FIFO;
// operations sharing (Collection, RecordID) are never replayed out of
// Seq order.
type QueuedOperation struct {
	ID          UUID            `db:"id" json:"id"`
	Seq         int64           `db:"seq" json:"seq"`
	Kind        OperationKind   `db:"kind" json:"kind"`
	Collection  string          `db:"collection" json:"collection"`
	RecordID    string          `db:"record_id" json:"record_id,omitempty"` // empty for create
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      OperationStatus `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt  int64           `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "operations"
}

// RecordKey returns the per-record ordering key. Creates have no record ID
// yet, so each create is keyed by its own operation ID and may run in
// parallel with everything else.
func (o *QueuedOperation) RecordKey() string {
	if o.RecordID == "" {
		return o.Collection + "/#" + string(o.ID)
	}
	return o.Collection + "/" + o.RecordID
}

// Terminal reports whether the operation has reached a final state.
func (o *QueuedOperation) Terminal() bool {
	return o.Status == OperationCompleted || o.Status == OperationFailed
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (o *QueuedOperation) EnqueuedAtTime() time.Time {
	return time.Unix(o.EnqueuedAt, 0)
}
