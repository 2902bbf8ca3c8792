// Package models provides data model definitions for the FieldSync core.
package models

import "encoding/json"

// CachedField is the locally cached value of one field of one remote
// record. Dirty marks a local edit that the server has not confirmed yet;
// reconciliation compares dirty fields against server values to surface
// conflicts, and overwrites clean fields with the server value directly.
type CachedField struct {
	Collection string          `db:"collection" json:"collection"`
	RecordID   string          `db:"record_id" json:"record_id"`
	FieldName  string          `db:"field_name" json:"field_name"`
	Value      json.RawMessage `db:"value" json:"value"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
	Dirty      bool            `db:"dirty" json:"dirty"`
}

// TableName returns the table name for CachedField.
func (CachedField) TableName() string {
	return "record_cache"
}
