// Package conflict provides field-level conflict detection and resolution
// between the local record cache and the server's authoritative values.
// A conflict always requires an explicit choice; nothing is auto-resolved.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fieldsync/fieldsync/internal/db"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
)

// Choice selects which side of a conflict wins.
type Choice string

const (
	// ChoiceLocal keeps the local value and writes it to the server.
	ChoiceLocal Choice = "local"
	// ChoiceServer accepts the server value into the local cache.
	ChoiceServer Choice = "server"
)

// Enqueuer is the slice of the operation queue the resolver needs: a
// local-wins resolution becomes one queued update mutation.
type Enqueuer interface {
	Enqueue(kind models.OperationKind, collection, recordID string, payload map[string]interface{}) (string, error)
}

// Resolver detects and resolves field-level conflicts. Conflicts are
// persisted and survive restarts; they remain listed until resolved.
type Resolver struct {
	store *db.Store
	queue Enqueuer
}

// NewResolver creates a new Resolver.
func NewResolver(store *db.Store, queue Enqueuer) *Resolver {
	return &Resolver{
		store: store,
		queue: queue,
	}
}

// Detect materializes a conflict iff the local and server values differ.
// It is idempotent: while an unresolved conflict exists for the same
// (collection, record, field) coordinates, repeated detection returns nil
// without creating a duplicate.
func (r *Resolver) Detect(collection, recordID, fieldName string,
	localValue json.RawMessage, localTimestamp int64,
	serverValue json.RawMessage, serverTimestamp int64) (*models.DataConflict, error) {

	if collection == "" || recordID == "" || fieldName == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "conflict coordinates are required")
	}

	if valuesEqual(localValue, serverValue) {
		return nil, nil
	}

	// Existing unresolved conflict for these coordinates wins; the user
	// still has to decide, whatever the current values are.
	if _, err := r.store.FindUnresolvedConflict(collection, recordID, fieldName); err == nil {
		return nil, nil
	}

	c := &models.DataConflict{
		Collection:      collection,
		RecordID:        recordID,
		FieldName:       fieldName,
		LocalValue:      localValue,
		LocalTimestamp:  localTimestamp,
		ServerValue:     serverValue,
		ServerTimestamp: serverTimestamp,
		Status:          models.ConflictUnresolved,
	}
	if err := r.store.InsertConflict(c); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to persist conflict", err)
	}

	logging.Warn("Field conflict detected", map[string]interface{}{
		"conflict_id":      c.ID.String(),
		"collection":       collection,
		"record_id":        recordID,
		"field_name":       fieldName,
		"local_timestamp":  localTimestamp,
		"server_timestamp": serverTimestamp,
	})

	return c, nil
}

// ListPending returns all unresolved conflicts, oldest first.
func (r *Resolver) ListPending() ([]*models.DataConflict, error) {
	return r.store.ListConflictsByStatus(models.ConflictUnresolved)
}

// ActionKind describes what a resolution produced.
type ActionKind string

const (
	// ActionMutationEnqueued means one outbound mutation was queued to
	// write the local value to the server.
	ActionMutationEnqueued ActionKind = "mutation_enqueued"
	// ActionCacheUpdated means the local cache now holds the server
	// value; no outbound mutation was produced.
	ActionCacheUpdated ActionKind = "cache_updated"
)

// ResolutionAction reports the single action a resolution produced.
type ResolutionAction struct {
	ConflictID  string
	Choice      Choice
	Kind        ActionKind
	OperationID string // set only for ActionMutationEnqueued
}

// Resolve applies the choice to one conflict. Local enqueues exactly one
// update mutation carrying the conflicting field; Server writes the server
// value into the local cache and enqueues nothing. Either way the conflict
// flips to resolved.
func (r *Resolver) Resolve(conflictID string, choice Choice) (*ResolutionAction, error) {
	c, err := r.store.GetConflict(conflictID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConflictUnknown, "conflict not found", err)
	}
	if c.Status == models.ConflictResolved {
		return nil, apperrors.New(apperrors.ErrConflictResolved,
			fmt.Sprintf("conflict %s is already resolved", conflictID))
	}

	action := &ResolutionAction{
		ConflictID: conflictID,
		Choice:     choice,
	}

	switch choice {
	case ChoiceLocal:
		var value interface{}
		if err := json.Unmarshal(c.LocalValue, &value); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "stored local value is corrupt", err)
		}
		opID, err := r.queue.Enqueue(models.OperationUpdate, c.Collection, c.RecordID,
			map[string]interface{}{c.FieldName: value})
		if err != nil {
			return nil, err
		}
		action.Kind = ActionMutationEnqueued
		action.OperationID = opID

	case ChoiceServer:
		field := &models.CachedField{
			Collection: c.Collection,
			RecordID:   c.RecordID,
			FieldName:  c.FieldName,
			Value:      c.ServerValue,
			UpdatedAt:  c.ServerTimestamp,
			Dirty:      false,
		}
		if err := r.store.UpsertCachedField(field); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update cache", err)
		}
		action.Kind = ActionCacheUpdated

	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown choice %q", choice))
	}

	if err := r.store.ResolveConflict(conflictID, string(choice)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark conflict resolved", err)
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": conflictID,
		"choice":      string(choice),
		"action":      string(action.Kind),
	})

	return action, nil
}

// BatchOutcome reports one item of a batch resolution.
type BatchOutcome struct {
	ConflictID string
	Action     *ResolutionAction // nil when Err is set
	Err        error
}

// ResolveBatch applies the same choice to a set of conflicts. Each item is
// resolved independently; one failure never blocks the others, and every
// item's outcome is reported.
func (r *Resolver) ResolveBatch(conflictIDs []string, choice Choice) []BatchOutcome {
	outcomes := make([]BatchOutcome, 0, len(conflictIDs))
	for _, id := range conflictIDs {
		action, err := r.Resolve(id, choice)
		outcomes = append(outcomes, BatchOutcome{
			ConflictID: id,
			Action:     action,
			Err:        err,
		})
	}
	return outcomes
}

// valuesEqual compares two JSON values structurally, so "1.0" and "1.00"
// or differently-ordered object keys do not fabricate a conflict.
func valuesEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ac, err := json.Marshal(av)
	if err != nil {
		return false
	}
	bc, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ac, bc)
}
