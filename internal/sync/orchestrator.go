// Package sync coordinates the FieldSync core: it drains the operation
// queue, reconciles server changes into the local cache, surfaces
// conflicts, and reacts to transport updates. One background goroutine
// owns the whole cycle; triggers from any source coalesce into it.
package sync

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/db"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/rpc"
	"github.com/fieldsync/fieldsync/internal/sync/conflict"
	"github.com/fieldsync/fieldsync/internal/sync/queue"
	"github.com/fieldsync/fieldsync/internal/telemetry"
	"github.com/fieldsync/fieldsync/internal/transport"
)

// Status is the orchestrator's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusHalted  Status = "halted" // credentials rejected; Restart required
	StatusStopped Status = "stopped"
)

// Config holds orchestrator configuration.
type Config struct {
	SyncInterval time.Duration // periodic full-cycle cadence
	CallTimeout  time.Duration // per fetch query
	FetchLimit   int           // max records per collection per cycle
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 5 * time.Minute,
		CallTimeout:  30 * time.Second,
		FetchLimit:   500,
	}
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	StartedAt         time.Time
	FinishedAt        time.Time
	Drain             *queue.DrainReport
	Fetched           map[string]int    // records pulled per collection
	FieldsUpdated     int               // cache fields overwritten with server values
	ConflictsDetected int
	CollectionErrors  map[string]string // collections whose fetch failed this cycle
}

// Snapshot is the operational status surface exposed to the host UI.
type Snapshot struct {
	Status              Status         `json:"status"`
	TransportMode       transport.Mode `json:"transport_mode"`
	PendingOperations   int            `json:"pending_operations"`
	FailedOperations    int            `json:"failed_operations"`
	UnresolvedConflicts int            `json:"unresolved_conflicts"`
	LastCycleAt         *time.Time     `json:"last_cycle_at,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
}

// Orchestrator drives the sync cycle. All cycle work happens on its run
// goroutine; public methods only read state or post triggers.
type Orchestrator struct {
	store     *db.Store
	queue     *queue.OperationQueue
	resolver  *conflict.Resolver
	transport *transport.Transport
	cfg       *Config

	requests chan struct{} // 1-buffered; pending requests coalesce

	mu          sync.RWMutex
	client      rpc.Client
	status      Status
	collections []string
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastCycle   *CycleReport
	lastErr     error
}

// New creates a new Orchestrator. transport may be nil when the host has
// no live channel; cycles then run on the interval and explicit triggers
// only.
func New(store *db.Store, q *queue.OperationQueue, resolver *conflict.Resolver, tr *transport.Transport, client rpc.Client, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &Orchestrator{
		store:     store,
		queue:     q,
		resolver:  resolver,
		transport: tr,
		cfg:       cfg,
		client:    client,
		status:    StatusStopped,
		requests:  make(chan struct{}, 1),
	}
	// Queued bulk-sync operations replay the pull half of the cycle.
	q.SetReconcileFunc(o.pullPhase)
	return o
}

// Start brings the orchestrator (and its transport, when present) up for
// the given collections. Operations left processing by a crash are
// recovered to pending first.
func (o *Orchestrator) Start(ctx context.Context, collections []string) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return apperrors.New(apperrors.ErrDuplicate, "orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.status = StatusIdle
	o.collections = append([]string(nil), collections...)
	o.mu.Unlock()

	if n, err := o.queue.Recover(); err != nil {
		logging.Error("Failed to recover in-flight operations", err, nil)
	} else if n > 0 {
		logging.Info("Recovered in-flight operations", map[string]interface{}{
			"count": n,
		})
	}

	if o.transport != nil {
		if err := o.transport.Start(runCtx, collections); err != nil {
			return err
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx)
	}()

	logging.Info("Sync orchestrator started", map[string]interface{}{
		"collections": collections,
	})

	// First cycle runs immediately rather than waiting out an interval.
	o.SyncNow()
	return nil
}

// Stop shuts the orchestrator down. Idempotent; an in-flight cycle is
// cancelled and its operations reverted to pending before Stop returns.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	if o.transport != nil {
		o.transport.Stop()
	}

	o.mu.Lock()
	o.status = StatusStopped
	o.mu.Unlock()

	logging.Info("Sync orchestrator stopped", nil)
}

// SyncNow requests a cycle. A request while one is already queued or
// running coalesces; at most one additional cycle follows.
func (o *Orchestrator) SyncNow() {
	select {
	case o.requests <- struct{}{}:
	default:
	}
}

// Restart installs a fresh RPC capability and resumes after a credential
// failure halted sync.
func (o *Orchestrator) Restart(client rpc.Client) {
	o.mu.Lock()
	o.client = client
	if o.status == StatusHalted {
		o.status = StatusIdle
	}
	o.lastErr = nil
	o.mu.Unlock()

	o.queue.SetClient(client)
	if o.transport != nil {
		o.transport.SetClient(client)
	}

	logging.Info("Sync restarted with new credentials", nil)
	o.SyncNow()
}

// Status returns the orchestrator's lifecycle state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// LastCycle returns the report of the most recent cycle, or nil.
func (o *Orchestrator) LastCycle() *CycleReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastCycle
}

// LastError returns the error that halted or failed the last cycle.
func (o *Orchestrator) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// StatusSnapshot assembles the operational surface for the host UI.
func (o *Orchestrator) StatusSnapshot() (*Snapshot, error) {
	pending, err := o.queue.PendingCount()
	if err != nil {
		return nil, err
	}
	failed, err := o.queue.FailedCount()
	if err != nil {
		return nil, err
	}
	conflicts, err := o.resolver.ListPending()
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := &Snapshot{
		Status:              o.status,
		TransportMode:       transport.ModeStopped,
		PendingOperations:   pending,
		FailedOperations:    failed,
		UnresolvedConflicts: len(conflicts),
	}
	if o.transport != nil {
		snap.TransportMode = o.transport.Mode()
	}
	if o.lastCycle != nil {
		t := o.lastCycle.FinishedAt
		snap.LastCycleAt = &t
	}
	if o.lastErr != nil {
		snap.LastError = o.lastErr.Error()
	}
	return snap, nil
}

// SubmitChange records an optimistic local edit: the cache takes the new
// field values immediately (marked dirty until the server confirms) and
// one update operation is queued. Returns the operation ID.
func (o *Orchestrator) SubmitChange(collection, recordID string, fields map[string]interface{}) (string, error) {
	if len(fields) == 0 {
		return "", apperrors.New(apperrors.ErrValidation, "no fields to change")
	}

	now := time.Now().Unix()
	for name, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrInvalid, "field value is not serializable", err)
		}
		if err := o.store.UpsertCachedField(&models.CachedField{
			Collection: collection,
			RecordID:   recordID,
			FieldName:  name,
			Value:      raw,
			UpdatedAt:  now,
			Dirty:      true,
		}); err != nil {
			return "", err
		}
	}

	id, err := o.queue.Enqueue(models.OperationUpdate, collection, recordID, fields)
	if err != nil {
		return "", err
	}

	o.SyncNow()
	return id, nil
}

// SubmitCreate queues a record creation.
func (o *Orchestrator) SubmitCreate(collection string, fields map[string]interface{}) (string, error) {
	id, err := o.queue.Enqueue(models.OperationCreate, collection, "", fields)
	if err != nil {
		return "", err
	}
	o.SyncNow()
	return id, nil
}

// SubmitDelete queues a record deletion.
func (o *Orchestrator) SubmitDelete(collection, recordID string) (string, error) {
	id, err := o.queue.Enqueue(models.OperationDelete, collection, recordID, nil)
	if err != nil {
		return "", err
	}
	o.SyncNow()
	return id, nil
}

// ResolveConflict applies the user's choice for one conflict and triggers
// a cycle so the outcome reaches the server promptly.
func (o *Orchestrator) ResolveConflict(conflictID string, choice conflict.Choice) (*conflict.ResolutionAction, error) {
	action, err := o.resolver.Resolve(conflictID, choice)
	if err != nil {
		return nil, err
	}
	o.SyncNow()
	return action, nil
}

// ResolveConflictBatch applies the same choice to several conflicts,
// each independently, and triggers a cycle when any of them succeeded.
func (o *Orchestrator) ResolveConflictBatch(conflictIDs []string, choice conflict.Choice) []conflict.BatchOutcome {
	outcomes := o.resolver.ResolveBatch(conflictIDs, choice)
	for _, out := range outcomes {
		if out.Err == nil {
			o.SyncNow()
			break
		}
	}
	return outcomes
}

// Conflicts lists unresolved conflicts awaiting a user decision.
func (o *Orchestrator) Conflicts() ([]*models.DataConflict, error) {
	return o.resolver.ListPending()
}

// Operations lists every queued operation, newest first per the store's
// ordering, for the host's queue inspection UI.
func (o *Orchestrator) Operations() ([]*models.QueuedOperation, error) {
	return o.queue.All()
}

// RetryOperation restores a permanently failed operation's retry budget
// and triggers a cycle.
func (o *Orchestrator) RetryOperation(operationID string) error {
	if err := o.queue.Retry(operationID); err != nil {
		return err
	}
	o.SyncNow()
	return nil
}

// ClearCompleted removes completed operations from the queue.
func (o *Orchestrator) ClearCompleted() (int64, error) {
	return o.queue.ClearCompleted()
}

// TransportMode reports the transport's delivery mode.
func (o *Orchestrator) TransportMode() transport.Mode {
	if o.transport == nil {
		return transport.ModeStopped
	}
	return o.transport.Mode()
}

// run is the single cycle loop. The interval ticker, explicit SyncNow
// requests and transport updates all land here.
func (o *Orchestrator) run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()

	var updates <-chan transport.Update
	if o.transport != nil {
		updates = o.transport.Updates()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(ctx)
		case <-o.requests:
			o.runCycle(ctx)
		case u := <-updates:
			o.applyUpdate(u)
		}
	}
}

// runCycle performs one full cycle: drain the queue, then pull and
// reconcile server changes. Skipped entirely while halted.
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.mu.Lock()
	if o.status != StatusIdle {
		o.mu.Unlock()
		return
	}
	o.status = StatusSyncing
	o.mu.Unlock()

	report := &CycleReport{
		StartedAt:        time.Now(),
		Fetched:          make(map[string]int),
		CollectionErrors: make(map[string]string),
	}

	halted := false
	drain, err := o.queue.Drain(ctx)
	if err != nil {
		logging.Error("Queue drain failed", err, nil)
	} else {
		report.Drain = drain
		if drain.Fatal != nil {
			o.halt(drain.Fatal)
			halted = true
		}
	}

	if !halted && ctx.Err() == nil {
		if err := o.pullCollections(ctx, report); err != nil {
			o.halt(err)
			halted = true
		}
	}

	report.FinishedAt = time.Now()

	telemetry.RecordTiming("sync.cycle", report.FinishedAt.Sub(report.StartedAt))
	telemetry.RecordCount("sync.conflicts_detected", int64(report.ConflictsDetected))
	telemetry.RecordCount("sync.fields_updated", int64(report.FieldsUpdated))
	if report.Drain != nil {
		telemetry.RecordCount("sync.operations_completed", int64(report.Drain.Completed))
		telemetry.RecordCount("sync.operations_failed", int64(report.Drain.Failed))
	}

	o.mu.Lock()
	o.lastCycle = report
	if !halted {
		if o.status == StatusSyncing {
			o.status = StatusIdle
		}
		o.lastErr = nil
	}
	o.mu.Unlock()

	logging.Info("Sync cycle finished", map[string]interface{}{
		"conflicts_detected": report.ConflictsDetected,
		"fields_updated":     report.FieldsUpdated,
		"duration_ms":        report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
}

// pullPhase is the reconcile handler installed on the queue for
// kind-sync operations. It pulls without draining, so a queued bulk sync
// cannot recurse into the drain that is executing it.
func (o *Orchestrator) pullPhase(ctx context.Context) error {
	report := &CycleReport{
		Fetched:          make(map[string]int),
		CollectionErrors: make(map[string]string),
	}
	return o.pullCollections(ctx, report)
}

// pullCollections fetches records above each collection's cycle watermark
// and reconciles them into the cache. One collection failing does not
// stop the others; only a credential failure aborts, and is returned.
func (o *Orchestrator) pullCollections(ctx context.Context, report *CycleReport) error {
	o.mu.RLock()
	client := o.client
	collections := append([]string(nil), o.collections...)
	o.mu.RUnlock()

	if client == nil {
		return nil
	}

	for _, collection := range collections {
		if ctx.Err() != nil {
			return nil
		}

		hwm, err := o.store.Watermark(models.WatermarkScopeCycle, collection)
		if err != nil {
			report.CollectionErrors[collection] = err.Error()
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		records, err := client.Query(callCtx, collection,
			[]rpc.Criterion{{Field: "id", Op: ">", Value: hwm}},
			nil, "id asc", o.cfg.FetchLimit)
		cancel()
		if err != nil {
			if rpc.Classify(err) == rpc.ClassFatal {
				return err
			}
			report.CollectionErrors[collection] = err.Error()
			logging.Warn("Collection fetch failed", map[string]interface{}{
				"collection": collection,
				"error":      err.Error(),
			})
			continue
		}

		report.Fetched[collection] += len(records)
		maxSeq := hwm
		for _, record := range records {
			o.reconcileRecord(collection, record, report)
			if seq := record.Sequence(); seq > maxSeq {
				maxSeq = seq
			}
		}

		// The watermark only moves once every fetched record has been
		// reconciled, so a crash mid-cycle re-fetches rather than skips.
		if maxSeq > hwm {
			if _, err := o.store.AdvanceWatermark(models.WatermarkScopeCycle, collection, maxSeq); err != nil {
				logging.Error("Failed to advance cycle watermark", err,
					map[string]interface{}{"collection": collection})
			}
		}
	}
	return nil
}

// reconcileRecord folds one server record into the cache field by field.
// Dirty fields that differ from the server become conflicts; everything
// else takes the server value.
func (o *Orchestrator) reconcileRecord(collection string, record rpc.Record, report *CycleReport) {
	recordID := record.RecordID()
	now := time.Now().Unix()

	for name, value := range record {
		if name == "id" || name == "record_id" {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}

		cached, err := o.store.GetCachedField(collection, recordID, name)
		if err == nil && cached.Dirty {
			if jsonEqual(cached.Value, raw) {
				// Server confirmed the local edit.
				if err := o.store.MarkFieldClean(collection, recordID, name); err != nil {
					logging.Error("Failed to mark field clean", err, nil)
				}
				continue
			}
			c, err := o.resolver.Detect(collection, recordID, name,
				cached.Value, cached.UpdatedAt, raw, now)
			if err != nil {
				logging.Error("Conflict detection failed", err, map[string]interface{}{
					"collection": collection,
					"record_id":  recordID,
					"field":      name,
				})
			} else if c != nil {
				report.ConflictsDetected++
			}
			continue
		}

		// Clean or unknown fields take the server value.
		if err := o.store.UpsertCachedField(&models.CachedField{
			Collection: collection,
			RecordID:   recordID,
			FieldName:  name,
			Value:      raw,
			UpdatedAt:  now,
			Dirty:      false,
		}); err != nil {
			logging.Error("Failed to cache server value", err, map[string]interface{}{
				"collection": collection,
				"record_id":  recordID,
				"field":      name,
			})
			continue
		}
		report.FieldsUpdated++
	}
}

// applyUpdate folds one live transport update into the cache the same way
// a pulled record would be, then schedules a cycle so pending operations
// drain and the cycle watermark advances. A burst of updates coalesces
// into at most one extra cycle.
func (o *Orchestrator) applyUpdate(u transport.Update) {
	o.mu.RLock()
	status := o.status
	o.mu.RUnlock()
	if status == StatusHalted {
		return
	}

	report := &CycleReport{
		Fetched:          make(map[string]int),
		CollectionErrors: make(map[string]string),
	}
	o.reconcileRecord(u.Collection, rpc.Record(u.Payload), report)

	if report.ConflictsDetected > 0 {
		logging.Warn("Live update surfaced conflicts", map[string]interface{}{
			"collection": u.Collection,
			"sequence":   u.Sequence,
			"conflicts":  report.ConflictsDetected,
		})
	}

	o.SyncNow()
}

// halt records a credential failure and freezes the cycle loop until
// Restart supplies a new client.
func (o *Orchestrator) halt(err error) {
	o.mu.Lock()
	o.status = StatusHalted
	o.lastErr = err
	o.mu.Unlock()

	logging.ErrorWithCode("Sync halted: credentials rejected",
		string(apperrors.ErrSyncAuthFailed), err, nil)
}

// jsonEqual compares two JSON values structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
