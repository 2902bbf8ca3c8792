// Package db provides CRUD store operations for the FieldSync data models.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
)

// Store provides persistence for queued operations, conflicts, the local
// record cache, and watermarks. Methods are individually safe to call
// concurrently; the underlying connection is the single writer.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// =====================================================
// QueuedOperation Operations
// =====================================================

const operationColumns = `seq, id, kind, collection, record_id, payload, status,
	retry_count, max_retries, next_retry_at, last_error, enqueued_at, updated_at`

// InsertOperation persists a new queued operation. The store assigns the
// ID (if empty), the monotonic Seq and the timestamps.
func (s *Store) InsertOperation(op *models.QueuedOperation) error {
	now := time.Now().Unix()
	if op.ID == "" {
		op.ID = models.NewUUID()
	}
	op.EnqueuedAt = now
	op.UpdatedAt = now
	if op.Status == "" {
		op.Status = models.OperationPending
	}
	if len(op.Payload) == 0 {
		op.Payload = []byte("{}")
	}

	query := `
	INSERT INTO operations (id, kind, collection, record_id, payload, status,
		retry_count, max_retries, next_retry_at, last_error, enqueued_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Exec(query, op.ID, op.Kind, op.Collection, op.RecordID,
		string(op.Payload), op.Status, op.RetryCount, op.MaxRetries,
		op.NextRetryAt, op.LastError, op.EnqueuedAt, op.UpdatedAt)
	if err != nil {
		return err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	op.Seq = seq
	return nil
}

// GetOperation retrieves a queued operation by ID.
func (s *Store) GetOperation(id string) (*models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`
	return s.scanOperation(s.db.QueryRow(query, id))
}

// ListOperations returns all operations ordered by enqueue sequence.
func (s *Store) ListOperations() ([]*models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations ORDER BY seq`
	return s.queryOperations(query)
}

// ListOperationsByStatus returns operations in the given status, ordered by
// enqueue sequence.
func (s *Store) ListOperationsByStatus(status models.OperationStatus) ([]*models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE status = ? ORDER BY seq`
	return s.queryOperations(query, status)
}

// ListReadyOperations returns pending operations whose backoff gate has
// passed, ordered by enqueue sequence.
func (s *Store) ListReadyOperations(now int64) ([]*models.QueuedOperation, error) {
	query := `SELECT ` + operationColumns + `
	FROM operations WHERE status = 'pending' AND next_retry_at <= ? ORDER BY seq`
	return s.queryOperations(query, now)
}

// CountOperationsByStatus returns the number of operations in a status.
func (s *Store) CountOperationsByStatus(status models.OperationStatus) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM operations WHERE status = ?`, status).Scan(&count)
	return count, err
}

// UpdateOperation atomically updates the mutable fields of one operation
// row (status, retry bookkeeping, last error).
func (s *Store) UpdateOperation(op *models.QueuedOperation) error {
	op.UpdatedAt = time.Now().Unix()
	query := `
	UPDATE operations
	SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := s.db.Exec(query, op.Status, op.RetryCount, op.NextRetryAt,
		op.LastError, op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	return requireRow(res, string(op.ID))
}

// ResetFailedOperation forces a failed operation back to pending with its
// retry budget restored. Returns ErrNoRows semantics via a plain error if
// the operation is not in failed state.
func (s *Store) ResetFailedOperation(id string) error {
	query := `
	UPDATE operations
	SET status = 'pending', retry_count = 0, next_retry_at = 0, last_error = '', updated_at = ?
	WHERE id = ? AND status = 'failed'
	`
	res, err := s.db.Exec(query, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// RecoverProcessingOperations reverts any operation left in processing back
// to pending. Called on startup: a crash mid-drain must never strand an
// operation in processing.
func (s *Store) RecoverProcessingOperations() (int64, error) {
	res, err := s.db.Exec(`
	UPDATE operations SET status = 'pending', updated_at = ?
	WHERE status = 'processing'`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteCompletedOperations removes completed operations enqueued before
// the cutoff (unix seconds). A zero cutoff removes all completed rows.
func (s *Store) DeleteCompletedOperations(before int64) (int64, error) {
	var res sql.Result
	var err error
	if before == 0 {
		res, err = s.db.Exec(`DELETE FROM operations WHERE status = 'completed'`)
	} else {
		res, err = s.db.Exec(
			`DELETE FROM operations WHERE status = 'completed' AND enqueued_at < ?`, before)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOperation(row scanner) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	var payload string
	err := row.Scan(&op.Seq, &op.ID, &op.Kind, &op.Collection, &op.RecordID,
		&payload, &op.Status, &op.RetryCount, &op.MaxRetries, &op.NextRetryAt,
		&op.LastError, &op.EnqueuedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	return &op, nil
}

func (s *Store) queryOperations(query string, args ...interface{}) ([]*models.QueuedOperation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// =====================================================
// DataConflict Operations
// =====================================================

const conflictColumns = `id, collection, record_id, field_name,
	local_value, local_timestamp, server_value, server_timestamp,
	status, resolution, detected_at, resolved_at`

// InsertConflict persists a new conflict. The store assigns ID (if empty)
// and DetectedAt.
func (s *Store) InsertConflict(c *models.DataConflict) error {
	if c.ID == "" {
		c.ID = models.NewUUID()
	}
	if c.Status == "" {
		c.Status = models.ConflictUnresolved
	}
	c.DetectedAt = time.Now().Unix()

	query := `
	INSERT INTO conflicts (id, collection, record_id, field_name,
		local_value, local_timestamp, server_value, server_timestamp,
		status, resolution, detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, c.ID, c.Collection, c.RecordID, c.FieldName,
		string(c.LocalValue), c.LocalTimestamp, string(c.ServerValue), c.ServerTimestamp,
		c.Status, c.Resolution, c.DetectedAt, c.ResolvedAt)
	return err
}

// GetConflict retrieves a conflict by ID.
func (s *Store) GetConflict(id string) (*models.DataConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`
	return s.scanConflict(s.db.QueryRow(query, id))
}

// FindUnresolvedConflict returns the unresolved conflict for the given
// coordinates, or sql.ErrNoRows if none exists.
func (s *Store) FindUnresolvedConflict(collection, recordID, fieldName string) (*models.DataConflict, error) {
	query := `SELECT ` + conflictColumns + `
	FROM conflicts
	WHERE collection = ? AND record_id = ? AND field_name = ? AND status = 'unresolved'`
	return s.scanConflict(s.db.QueryRow(query, collection, recordID, fieldName))
}

// ListConflictsByStatus returns conflicts in the given status, oldest first.
func (s *Store) ListConflictsByStatus(status models.ConflictStatus) ([]*models.DataConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE status = ? ORDER BY detected_at`
	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.DataConflict
	for rows.Next() {
		c, err := s.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict flips an unresolved conflict to resolved with the chosen
// resolution. Returns an error if the conflict was already resolved, so a
// concurrent double-resolve produces exactly one winner.
func (s *Store) ResolveConflict(id, resolution string) error {
	query := `
	UPDATE conflicts SET status = 'resolved', resolution = ?, resolved_at = ?
	WHERE id = ? AND status = 'unresolved'
	`
	res, err := s.db.Exec(query, resolution, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteResolvedConflicts removes resolved conflicts detected before the
// cutoff (unix seconds). A zero cutoff removes all resolved rows.
func (s *Store) DeleteResolvedConflicts(before int64) (int64, error) {
	var res sql.Result
	var err error
	if before == 0 {
		res, err = s.db.Exec(`DELETE FROM conflicts WHERE status = 'resolved'`)
	} else {
		res, err = s.db.Exec(
			`DELETE FROM conflicts WHERE status = 'resolved' AND detected_at < ?`, before)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) scanConflict(row scanner) (*models.DataConflict, error) {
	var c models.DataConflict
	var localValue, serverValue string
	err := row.Scan(&c.ID, &c.Collection, &c.RecordID, &c.FieldName,
		&localValue, &c.LocalTimestamp, &serverValue, &c.ServerTimestamp,
		&c.Status, &c.Resolution, &c.DetectedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	c.LocalValue = []byte(localValue)
	c.ServerValue = []byte(serverValue)
	return &c, nil
}

// =====================================================
// Record Cache Operations
// =====================================================

// UpsertCachedField writes one field of the local record cache.
func (s *Store) UpsertCachedField(f *models.CachedField) error {
	if f.UpdatedAt == 0 {
		f.UpdatedAt = time.Now().Unix()
	}
	query := `
	INSERT INTO record_cache (collection, record_id, field_name, value, updated_at, dirty)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, record_id, field_name)
	DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, dirty = excluded.dirty
	`
	_, err := s.db.Exec(query, f.Collection, f.RecordID, f.FieldName,
		string(f.Value), f.UpdatedAt, boolToInt(f.Dirty))
	return err
}

// GetCachedField retrieves one cached field, or sql.ErrNoRows.
func (s *Store) GetCachedField(collection, recordID, fieldName string) (*models.CachedField, error) {
	query := `
	SELECT collection, record_id, field_name, value, updated_at, dirty
	FROM record_cache WHERE collection = ? AND record_id = ? AND field_name = ?
	`
	return s.scanCachedField(s.db.QueryRow(query, collection, recordID, fieldName))
}

// ListDirtyFields returns the locally-modified, unconfirmed fields of one
// record.
func (s *Store) ListDirtyFields(collection, recordID string) ([]*models.CachedField, error) {
	query := `
	SELECT collection, record_id, field_name, value, updated_at, dirty
	FROM record_cache WHERE collection = ? AND record_id = ? AND dirty = 1
	`
	return s.queryCachedFields(query, collection, recordID)
}

// MarkFieldClean clears the dirty flag without touching the value. Used
// when the server confirms a local edit unchanged.
func (s *Store) MarkFieldClean(collection, recordID, fieldName string) error {
	_, err := s.db.Exec(`
	UPDATE record_cache SET dirty = 0
	WHERE collection = ? AND record_id = ? AND field_name = ?`,
		collection, recordID, fieldName)
	return err
}

func (s *Store) scanCachedField(row scanner) (*models.CachedField, error) {
	var f models.CachedField
	var value string
	var dirty int
	err := row.Scan(&f.Collection, &f.RecordID, &f.FieldName, &value, &f.UpdatedAt, &dirty)
	if err != nil {
		return nil, err
	}
	f.Value = []byte(value)
	f.Dirty = dirty != 0
	return &f, nil
}

func (s *Store) queryCachedFields(query string, args ...interface{}) ([]*models.CachedField, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []*models.CachedField
	for rows.Next() {
		f, err := s.scanCachedField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// =====================================================
// Watermark Operations
// =====================================================

// Watermark returns the stored sequence for (scope, collection), or 0 if
// none has been recorded yet.
func (s *Store) Watermark(scope, collection string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`
	SELECT sequence FROM watermarks WHERE scope = ? AND collection = ?`,
		scope, collection).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// AdvanceWatermark raises the stored sequence for (scope, collection).
// The watermark is monotonic and starts at zero: a sequence at or below
// the stored value, including zero before any row exists, is a no-op and
// returns false.
func (s *Store) AdvanceWatermark(scope, collection string, sequence int64) (bool, error) {
	if sequence <= 0 {
		return false, nil
	}
	query := `
	INSERT INTO watermarks (scope, collection, sequence, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(scope, collection)
	DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at
	WHERE excluded.sequence > watermarks.sequence
	`
	res, err := s.db.Exec(query, scope, collection, sequence, time.Now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// =====================================================
// Helpers
// =====================================================

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no matching row for %s", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
