// Package models provides data model definitions for the FieldSync core.
package models

import (
	"encoding/json"
	"time"
)

// ConflictStatus represents whether a conflict still needs a decision.
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

// Resolution choices recorded on a resolved conflict.
const (
	ResolutionLocal  = "local"
	ResolutionServer = "server"
)

// DataConflict records a disagreement between a locally cached field value
// and the server's authoritative value for the same field of the same
// record. Conflicts are detected at field granularity so unrelated local
// edits on the record are not discarded by a coarse resolution.
//
// A conflict persists until explicitly resolved; it is never dropped by a
// background process.
type DataConflict struct {
	ID              UUID            `db:"id" json:"id"`
	Collection      string          `db:"collection" json:"collection"`
	RecordID        string          `db:"record_id" json:"record_id"`
	FieldName       string          `db:"field_name" json:"field_name"`
	LocalValue      json.RawMessage `db:"local_value" json:"local_value"`
	LocalTimestamp  int64           `db:"local_timestamp" json:"local_timestamp"`
	ServerValue     json.RawMessage `db:"server_value" json:"server_value"`
	ServerTimestamp int64           `db:"server_timestamp" json:"server_timestamp"`
	Status          ConflictStatus  `db:"status" json:"status"`
	Resolution      string          `db:"resolution" json:"resolution,omitempty"` // local, server
	DetectedAt      int64           `db:"detected_at" json:"detected_at"`
	ResolvedAt      int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for DataConflict.
func (DataConflict) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *DataConflict) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
