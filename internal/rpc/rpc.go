// Package rpc defines the remote procedure capability the FieldSync core
// consumes. The host application hands the core an authenticated Client;
// session establishment and the server's procedure semantics live outside
// this module.
package rpc

import (
	"context"
	"encoding/json"
	"strconv"
)

// Criterion is one filter triple of a query, e.g. {"id", ">", 42}.
type Criterion struct {
	Field string
	Op    string
	Value interface{}
}

// Record is one record returned by a query. Field values are whatever the
// server sent; Sequence extracts the numeric change identifier under "id".
type Record map[string]interface{}

// Sequence returns the record's change-sequence identifier, or 0 when the
// record carries none.
func (r Record) Sequence() int64 {
	switch v := r["id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// RecordID returns the record's identity as a string. Servers that keep
// the change sequence and the record identity apart send the latter under
// "record_id"; otherwise "id" serves as both.
func (r Record) RecordID() string {
	if s, ok := r["record_id"].(string); ok && s != "" {
		return s
	}
	return strconv.FormatInt(r.Sequence(), 10)
}

// Mutation kinds understood by the server.
const (
	MutateCreate = "create"
	MutateUpdate = "update"
	MutateDelete = "delete"
)

// Mutation describes one mutation to apply on the server.
type Mutation struct {
	Collection string
	Kind       string
	RecordID   string // empty for create
	Payload    map[string]interface{}
}

// Result is the server's answer to a mutation.
type Result struct {
	// RecordID is the assigned ID for creates, the echoed ID otherwise.
	RecordID string `json:"record_id"`
}

// Client is the opaque RPC capability: query(criteria) -> records and
// mutate(op) -> outcome. Mutations are assumed idempotent-enough that a
// retry after an ambiguous failure is an accepted risk; no dedup token is
// available.
//
// Implementations must be safe for concurrent use.
type Client interface {
	Query(ctx context.Context, collection string, criteria []Criterion, fields []string, order string, limit int) ([]Record, error)
	Mutate(ctx context.Context, m Mutation) (*Result, error)
}
