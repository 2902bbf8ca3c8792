// Package queue provides the durable operation queue for offline
// mutations. Operations are persisted at enqueue time, replayed against
// the record server by the drain loop with exponential backoff, and kept
// visible until they complete or exhaust their retry budget.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/db"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/rpc"
)

// Config holds queue tuning knobs.
type Config struct {
	MaxSize     int           // capacity guard on live (non-terminal) operations
	MaxRetries  int           // default retry budget per operation
	BackoffBase time.Duration // first retry delay, doubles per retry
	BackoffCap  time.Duration // upper bound on the retry delay
	Concurrency int           // record keys drained in parallel
	CallTimeout time.Duration // per-mutation network timeout
	Retention   time.Duration // completed rows older than this are swept
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSize:     1000,
		MaxRetries:  3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Hour,
		Concurrency: 4,
		CallTimeout: 30 * time.Second,
		Retention:   24 * time.Hour,
	}
}

// ReconcileFunc handles a queued bulk reconciliation request (kind sync).
type ReconcileFunc func(ctx context.Context) error

// OperationQueue manages pending mutations with retry logic. Enqueue never
// touches the network; Drain replays operations against the RPC capability
// preserving FIFO order per (collection, record).
type OperationQueue struct {
	store *db.Store
	cfg   *Config

	mu        sync.RWMutex
	client    rpc.Client
	reconcile ReconcileFunc
	draining  bool
}

// New creates a new OperationQueue. client may be swapped later via
// SetClient when the host re-authenticates.
func New(store *db.Store, client rpc.Client, cfg *Config) *OperationQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &OperationQueue{
		store:  store,
		cfg:    cfg,
		client: client,
	}
}

// SetClient replaces the RPC capability, e.g. after re-authentication.
func (q *OperationQueue) SetClient(client rpc.Client) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.client = client
}

// SetReconcileFunc installs the handler for kind-sync operations. Set by
// the orchestrator at startup.
func (q *OperationQueue) SetReconcileFunc(fn ReconcileFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reconcile = fn
}

// Enqueue persists a new operation and returns its ID. It performs local
// persistence only and always succeeds synchronously unless the input is
// malformed or the queue is at capacity.
func (q *OperationQueue) Enqueue(kind models.OperationKind, collection, recordID string, payload map[string]interface{}) (string, error) {
	if err := validate(kind, collection, recordID); err != nil {
		return "", err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "payload is not serializable", err)
	}

	live, err := q.liveCount()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to count operations", err)
	}
	if live >= q.cfg.MaxSize {
		return "", apperrors.New(apperrors.ErrQueueFull,
			fmt.Sprintf("queue is full (max size: %d)", q.cfg.MaxSize))
	}

	op := &models.QueuedOperation{
		Kind:       kind,
		Collection: collection,
		RecordID:   recordID,
		Payload:    raw,
		Status:     models.OperationPending,
		MaxRetries: q.cfg.MaxRetries,
	}
	if err := q.store.InsertOperation(op); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to persist operation", err)
	}

	logging.Info("Enqueued operation", map[string]interface{}{
		"operation_id": op.ID.String(),
		"kind":         string(kind),
		"collection":   collection,
		"record_id":    recordID,
	})

	return op.ID.String(), nil
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Attempted int // operations whose mutation was attempted
	Completed int // confirmed by the server
	Retried   int // failed, rescheduled with backoff
	Failed    int // retry budget exhausted, now terminal
	Skipped   int // left untouched because an earlier op on the record failed
	Cancelled int // reverted to pending because the context was cancelled

	// Fatal is non-nil when the server rejected the client's credentials.
	// The triggering operation keeps its retry budget; draining that chain
	// stopped immediately.
	Fatal error
}

// Drain attempts every ready operation. Operations sharing a record key
// run serially in enqueue order; distinct keys run in parallel under the
// configured concurrency bound. A cancelled context reverts any operation
// marked processing back to pending before Drain returns.
func (q *OperationQueue) Drain(ctx context.Context) (*DrainReport, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrDuplicate, "drain already in progress")
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	// Load every pending operation, not just the ready ones: an operation
	// waiting out its backoff must still block later operations on the
	// same record, or retries would reorder them.
	pending, err := q.store.ListOperationsByStatus(models.OperationPending)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load pending operations", err)
	}

	report := &DrainReport{}
	if len(pending) == 0 {
		q.sweep()
		return report, nil
	}

	// Group by record key preserving seq order. pending is already
	// ordered by seq, so both the per-key chains and the key list stay
	// FIFO.
	chains := make(map[string][]*models.QueuedOperation)
	var keys []string
	for _, op := range pending {
		key := op.RecordKey()
		if _, ok := chains[key]; !ok {
			keys = append(keys, key)
		}
		chains[key] = append(chains[key], op)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, q.concurrency())
	)

	for _, key := range keys {
		chain := chains[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			chainReport := q.drainChain(ctx, chain)
			mu.Lock()
			report.Attempted += chainReport.Attempted
			report.Completed += chainReport.Completed
			report.Retried += chainReport.Retried
			report.Failed += chainReport.Failed
			report.Skipped += chainReport.Skipped
			report.Cancelled += chainReport.Cancelled
			if chainReport.Fatal != nil && report.Fatal == nil {
				report.Fatal = chainReport.Fatal
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	q.sweep()

	logging.Info("Drain pass finished", map[string]interface{}{
		"attempted": report.Attempted,
		"completed": report.Completed,
		"retried":   report.Retried,
		"failed":    report.Failed,
	})

	return report, nil
}

// drainChain replays the operations of one record key in order. The first
// failure stops the chain: a later operation on the same record must never
// overtake an earlier one, not even across retries.
func (q *OperationQueue) drainChain(ctx context.Context, chain []*models.QueuedOperation) *DrainReport {
	report := &DrainReport{}
	now := time.Now().Unix()

	for i, op := range chain {
		select {
		case <-ctx.Done():
			report.Skipped += len(chain) - i
			return report
		default:
		}

		// An operation still waiting out its backoff blocks the rest of
		// the chain until the next pass.
		if op.NextRetryAt > now {
			report.Skipped += len(chain) - i
			return report
		}

		op.Status = models.OperationProcessing
		if err := q.store.UpdateOperation(op); err != nil {
			logging.Error("Failed to mark operation processing", err,
				map[string]interface{}{"operation_id": op.ID.String()})
			report.Skipped += len(chain) - i
			return report
		}

		report.Attempted++
		err := q.execute(ctx, op)

		if ctx.Err() != nil {
			// Cancellation must leave the operation pending, never
			// processing, and must not consume retry budget.
			op.Status = models.OperationPending
			if uerr := q.store.UpdateOperation(op); uerr != nil {
				logging.Error("Failed to revert cancelled operation", uerr,
					map[string]interface{}{"operation_id": op.ID.String()})
			}
			report.Attempted--
			report.Cancelled++
			report.Skipped += len(chain) - i - 1
			return report
		}

		if err != nil && rpc.Classify(err) == rpc.ClassFatal {
			// Credential failure is the client's problem, not the
			// operation's. Revert without consuming retry budget and let
			// the orchestrator halt.
			op.Status = models.OperationPending
			if uerr := q.store.UpdateOperation(op); uerr != nil {
				logging.Error("Failed to revert operation after auth failure", uerr,
					map[string]interface{}{"operation_id": op.ID.String()})
			}
			report.Attempted--
			report.Fatal = err
			report.Skipped += len(chain) - i
			return report
		}

		if err == nil {
			op.Status = models.OperationCompleted
			op.LastError = ""
			if uerr := q.store.UpdateOperation(op); uerr != nil {
				logging.Error("Failed to mark operation completed", uerr,
					map[string]interface{}{"operation_id": op.ID.String()})
			}
			report.Completed++
			continue
		}

		op.RetryCount++
		op.LastError = err.Error()
		if op.RetryCount >= op.MaxRetries {
			op.Status = models.OperationFailed
			report.Failed++
			logging.ErrorWithCode("Operation failed permanently",
				string(apperrors.ErrSyncFailed), err, map[string]interface{}{
					"operation_id": op.ID.String(),
					"retry_count":  op.RetryCount,
				})
		} else {
			op.Status = models.OperationPending
			op.NextRetryAt = time.Now().Add(q.backoff(op.RetryCount)).Unix()
			report.Retried++
			logging.Warn("Operation failed, scheduled for retry", map[string]interface{}{
				"operation_id":  op.ID.String(),
				"retry_count":   op.RetryCount,
				"max_retries":   op.MaxRetries,
				"next_retry_at": op.NextRetryAt,
				"error":         err.Error(),
			})
		}
		if uerr := q.store.UpdateOperation(op); uerr != nil {
			logging.Error("Failed to record operation failure", uerr,
				map[string]interface{}{"operation_id": op.ID.String()})
		}

		// Later operations on this record wait for the next pass.
		report.Skipped += len(chain) - i - 1
		return report
	}

	return report
}

// execute performs one operation against the server.
func (q *OperationQueue) execute(ctx context.Context, op *models.QueuedOperation) error {
	q.mu.RLock()
	client := q.client
	reconcile := q.reconcile
	q.mu.RUnlock()

	callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
	defer cancel()

	if op.Kind == models.OperationSync {
		if reconcile == nil {
			return apperrors.New(apperrors.ErrInternal, "no reconcile handler installed")
		}
		return reconcile(callCtx)
	}

	if client == nil {
		return apperrors.New(apperrors.ErrSyncTransient, "no RPC client available")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "stored payload is corrupt", err)
	}

	_, err := client.Mutate(callCtx, rpc.Mutation{
		Collection: op.Collection,
		Kind:       mutationKind(op.Kind),
		RecordID:   op.RecordID,
		Payload:    payload,
	})
	return err
}

// Retry forces a failed operation back to pending with its retry budget
// restored. Used for explicit user-triggered retry.
func (q *OperationQueue) Retry(operationID string) error {
	op, err := q.store.GetOperation(operationID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrOperationUnknown, "operation not found", err)
	}
	if op.Status != models.OperationFailed {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("operation %s is %s, only failed operations can be retried", operationID, op.Status))
	}
	if err := q.store.ResetFailedOperation(operationID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to reset operation", err)
	}

	logging.Info("Operation reset for retry", map[string]interface{}{
		"operation_id": operationID,
	})
	return nil
}

// ClearCompleted removes all completed operations.
func (q *OperationQueue) ClearCompleted() (int64, error) {
	n, err := q.store.DeleteCompletedOperations(0)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to clear completed operations", err)
	}
	return n, nil
}

// Recover reverts operations stranded in processing by a crash back to
// pending. Call once at startup before the first drain.
func (q *OperationQueue) Recover() (int64, error) {
	n, err := q.store.RecoverProcessingOperations()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to recover operations", err)
	}
	if n > 0 {
		logging.Warn("Recovered operations stranded in processing",
			map[string]interface{}{"count": n})
	}
	return n, nil
}

// PendingCount returns the number of pending operations.
func (q *OperationQueue) PendingCount() (int, error) {
	return q.store.CountOperationsByStatus(models.OperationPending)
}

// FailedCount returns the number of terminally failed operations.
func (q *OperationQueue) FailedCount() (int, error) {
	return q.store.CountOperationsByStatus(models.OperationFailed)
}

// All returns every operation, ordered by enqueue sequence.
func (q *OperationQueue) All() ([]*models.QueuedOperation, error) {
	return q.store.ListOperations()
}

// Stats returns per-status operation counts.
func (q *OperationQueue) Stats() (map[string]int, error) {
	stats := map[string]int{}
	for _, status := range []models.OperationStatus{
		models.OperationPending, models.OperationProcessing,
		models.OperationCompleted, models.OperationFailed,
	} {
		n, err := q.store.CountOperationsByStatus(status)
		if err != nil {
			return nil, err
		}
		stats[string(status)] = n
		stats["total"] += n
	}
	return stats, nil
}

// backoff computes the retry delay after retryCount consecutive failures:
// base doubling per retry, capped.
func (q *OperationQueue) backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := q.cfg.BackoffBase << uint(retryCount-1)
	if delay > q.cfg.BackoffCap || delay <= 0 {
		delay = q.cfg.BackoffCap
	}
	return delay
}

// sweep discards completed operations older than the retention window.
func (q *OperationQueue) sweep() {
	if q.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-q.cfg.Retention).Unix()
	if _, err := q.store.DeleteCompletedOperations(cutoff); err != nil {
		logging.Error("Failed to sweep completed operations", err)
	}
}

func (q *OperationQueue) liveCount() (int, error) {
	pending, err := q.store.CountOperationsByStatus(models.OperationPending)
	if err != nil {
		return 0, err
	}
	processing, err := q.store.CountOperationsByStatus(models.OperationProcessing)
	if err != nil {
		return 0, err
	}
	return pending + processing, nil
}

func (q *OperationQueue) concurrency() int {
	if q.cfg.Concurrency < 1 {
		return 1
	}
	return q.cfg.Concurrency
}

// validate fails fast on programmer errors before anything is persisted.
func validate(kind models.OperationKind, collection, recordID string) error {
	if collection == "" {
		return apperrors.New(apperrors.ErrValidation, "collection name is required")
	}
	switch kind {
	case models.OperationCreate:
		if recordID != "" {
			return apperrors.New(apperrors.ErrValidation, "create must not carry a record ID")
		}
	case models.OperationUpdate, models.OperationDelete:
		if recordID == "" {
			return apperrors.New(apperrors.ErrValidation,
				fmt.Sprintf("%s requires a record ID", kind))
		}
	case models.OperationSync:
		// Bulk reconciliation carries no record.
	default:
		return apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("unknown operation kind %q", kind))
	}
	return nil
}

func mutationKind(kind models.OperationKind) string {
	switch kind {
	case models.OperationCreate:
		return rpc.MutateCreate
	case models.OperationUpdate:
		return rpc.MutateUpdate
	case models.OperationDelete:
		return rpc.MutateDelete
	default:
		return string(kind)
	}
}
