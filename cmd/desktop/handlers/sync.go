// Package handlers provides REST API handlers for sync diagnostics and
// control.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/sync/conflict"
	"github.com/fieldsync/fieldsync/internal/telemetry"
)

// SyncHandler exposes the orchestrator's operational surface over HTTP.
type SyncHandler struct {
	orchestrator *sync.Orchestrator
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(orchestrator *sync.Orchestrator) *SyncHandler {
	return &SyncHandler{orchestrator: orchestrator}
}

// Register wires the handler's routes onto the mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/sync/status", h.GetStatus)
	mux.HandleFunc("/api/sync/now", h.TriggerSync)
	mux.HandleFunc("/api/sync/operations", h.ListOperations)
	mux.HandleFunc("/api/sync/operations/retry", h.RetryOperation)
	mux.HandleFunc("/api/sync/operations/clear", h.ClearCompleted)
	mux.HandleFunc("/api/sync/conflicts", h.ListConflicts)
	mux.HandleFunc("/api/sync/conflicts/resolve", h.ResolveConflict)
	mux.HandleFunc("/api/sync/metrics", h.GetMetrics)
}

// GetStatus handles GET /api/sync/status
// Returns the orchestrator status, transport mode, queue depth and
// conflict count.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := h.orchestrator.StatusSnapshot()
	if err != nil {
		http.Error(w, "Failed to build status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, snap)
}

// TriggerSync handles POST /api/sync/now
// Requests an immediate sync cycle. The cycle runs in the background;
// requests while one is queued coalesce.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.orchestrator.SyncNow()
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]interface{}{"status": "requested"})
}

// ListOperations handles GET /api/sync/operations
func (h *SyncHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ops, err := h.orchestrator.Operations()
	if err != nil {
		http.Error(w, "Failed to list operations", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"operations": ops,
		"total":      len(ops),
	})
}

// RetryOperation handles POST /api/sync/operations/retry
// Restores a permanently failed operation's retry budget.
func (h *SyncHandler) RetryOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		OperationID string `json:"operation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.OperationID == "" {
		http.Error(w, "operation_id is required", http.StatusBadRequest)
		return
	}

	if err := h.orchestrator.RetryOperation(request.OperationID); err != nil {
		http.Error(w, "Failed to retry operation: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{"status": "success"})
}

// ClearCompleted handles POST /api/sync/operations/clear
func (h *SyncHandler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed, err := h.orchestrator.ClearCompleted()
	if err != nil {
		http.Error(w, "Failed to clear completed operations", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":  "success",
		"removed": removed,
	})
}

// ListConflicts handles GET /api/sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conflicts, err := h.orchestrator.Conflicts()
	if err != nil {
		http.Error(w, "Failed to list conflicts", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

// ResolveConflict handles POST /api/sync/conflicts/resolve
// Applies the user's choice ("local" or "server") for one conflict via
// conflict_id, or for a batch via conflict_ids. Batch items resolve
// independently; per-item outcomes are returned.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		ConflictID  string   `json:"conflict_id"`
		ConflictIDs []string `json:"conflict_ids"`
		Choice      string   `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.ConflictID == "" && len(request.ConflictIDs) == 0 {
		http.Error(w, "conflict_id or conflict_ids is required", http.StatusBadRequest)
		return
	}
	if request.Choice != string(conflict.ChoiceLocal) && request.Choice != string(conflict.ChoiceServer) {
		http.Error(w, "choice must be 'local' or 'server'", http.StatusBadRequest)
		return
	}
	choice := conflict.Choice(request.Choice)

	if len(request.ConflictIDs) > 0 {
		outcomes := h.orchestrator.ResolveConflictBatch(request.ConflictIDs, choice)
		results := make([]map[string]interface{}, 0, len(outcomes))
		for _, out := range outcomes {
			item := map[string]interface{}{
				"conflict_id": out.ConflictID,
				"action":      out.Action,
			}
			if out.Err != nil {
				item["error"] = out.Err.Error()
			}
			results = append(results, item)
		}
		writeJSON(w, map[string]interface{}{
			"status":   "success",
			"outcomes": results,
		})
		return
	}

	action, err := h.orchestrator.ResolveConflict(request.ConflictID, choice)
	if err != nil {
		http.Error(w, "Failed to resolve conflict: "+err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status": "success",
		"action": action,
	})
}

// GetMetrics handles GET /api/sync/metrics
// Returns the local-only diagnostics counters and timings.
func (h *SyncHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]interface{}{
		"counters": telemetry.Counters(),
		"timings":  telemetry.Timings(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
