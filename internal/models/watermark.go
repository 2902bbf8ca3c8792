// Package models provides data model definitions for the FieldSync core.
package models

// Watermark scopes. The transport and the orchestrator track independent
// positions per collection; a mode switch on the transport never touches
// the orchestrator's cycle position, and vice versa.
const (
	WatermarkScopeChannel = "channel" // highest sequence surfaced by the transport
	WatermarkScopeCycle   = "cycle"   // highest sequence reconciled by the orchestrator
)

// Watermark is the highest change-sequence identifier already observed for
// a collection within one scope. It is monotonically non-decreasing.
type Watermark struct {
	Scope      string `db:"scope" json:"scope"`
	Collection string `db:"collection" json:"collection"`
	Sequence   int64  `db:"sequence" json:"sequence"`
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Watermark.
func (Watermark) TableName() string {
	return "watermarks"
}
