package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/rpc"
	gosync "github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/sync/conflict"
	"github.com/fieldsync/fieldsync/internal/sync/queue"
)

type stubClient struct{}

func (stubClient) Query(ctx context.Context, collection string, criteria []rpc.Criterion, fields []string, order string, limit int) ([]rpc.Record, error) {
	return nil, nil
}

func (stubClient) Mutate(ctx context.Context, m rpc.Mutation) (*rpc.Result, error) {
	return &rpc.Result{RecordID: m.RecordID}, nil
}

func newTestHandler(t *testing.T) (*SyncHandler, *conflict.Resolver) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}

	store := db.NewStore(database.DB)
	q := queue.New(store, stubClient{}, nil)
	resolver := conflict.NewResolver(store, q)
	orchestrator := gosync.New(store, q, resolver, nil, stubClient{}, nil)

	return NewSyncHandler(orchestrator), resolver
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestGetStatus(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "stopped" {
		t.Errorf("Expected stopped status, got %v", body["status"])
	}
	if body["pending_operations"] != float64(0) {
		t.Errorf("Expected 0 pending operations, got %v", body["pending_operations"])
	}
}

func TestGetStatusMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sync/status", nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sync/now", nil)
	rec := httptest.NewRecorder()
	h.TriggerSync(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", rec.Code)
	}
}

func TestListOperationsEmpty(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/operations", nil)
	rec := httptest.NewRecorder()
	h.ListOperations(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(0) {
		t.Errorf("Expected 0 operations, got %v", body["total"])
	}
}

func TestRetryOperationValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing id", `{}`, http.StatusBadRequest},
		{"unknown id", `{"operation_id":"nope"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sync/operations/retry",
				bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.RetryOperation(rec, req)

			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

func TestClearCompleted(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sync/operations/clear", nil)
	rec := httptest.NewRecorder()
	h.ClearCompleted(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["removed"] != float64(0) {
		t.Errorf("Expected 0 removed, got %v", body["removed"])
	}
}

func TestConflictLifecycleOverHTTP(t *testing.T) {
	h, resolver := newTestHandler(t)

	c, err := resolver.Detect("tasks", "42", "status",
		json.RawMessage(`"draft"`), 100, json.RawMessage(`"done"`), 200)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// The conflict is listed.
	req := httptest.NewRequest(http.MethodGet, "/api/sync/conflicts", nil)
	rec := httptest.NewRecorder()
	h.ListConflicts(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["total"] != float64(1) {
		t.Fatalf("Expected 1 conflict, got %v", body["total"])
	}

	// Resolve it server-wins.
	payload, _ := json.Marshal(map[string]string{
		"conflict_id": c.ID.String(),
		"choice":      "server",
	})
	req = httptest.NewRequest(http.MethodPost, "/api/sync/conflicts/resolve",
		bytes.NewBuffer(payload))
	rec = httptest.NewRecorder()
	h.ResolveConflict(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The list is empty again.
	req = httptest.NewRequest(http.MethodGet, "/api/sync/conflicts", nil)
	rec = httptest.NewRecorder()
	h.ListConflicts(rec, req)
	if body := decodeBody(t, rec); body["total"] != float64(0) {
		t.Errorf("Expected 0 conflicts after resolution, got %v", body["total"])
	}
}

func TestResolveConflictBatchOverHTTP(t *testing.T) {
	h, resolver := newTestHandler(t)

	c1, err := resolver.Detect("tasks", "1", "status",
		json.RawMessage(`"a"`), 100, json.RawMessage(`"b"`), 200)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	c2, err := resolver.Detect("tasks", "2", "status",
		json.RawMessage(`"a"`), 100, json.RawMessage(`"b"`), 200)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"conflict_ids": []string{c1.ID.String(), "bogus", c2.ID.String()},
		"choice":       "server",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sync/conflicts/resolve",
		bytes.NewBuffer(payload))
	rec := httptest.NewRecorder()
	h.ResolveConflict(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	outcomes, ok := body["outcomes"].([]interface{})
	if !ok || len(outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %v", body["outcomes"])
	}

	// The bogus item fails on its own, without blocking the others.
	middle := outcomes[1].(map[string]interface{})
	if middle["error"] == nil {
		t.Error("Expected an error on the unknown conflict")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sync/conflicts", nil)
	rec = httptest.NewRecorder()
	h.ListConflicts(rec, req)
	if body := decodeBody(t, rec); body["total"] != float64(0) {
		t.Errorf("Expected all real conflicts resolved, got %v", body["total"])
	}
}

func TestResolveConflictValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing id", `{"choice":"local"}`},
		{"bad choice", `{"conflict_id":"x","choice":"merge"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sync/conflicts/resolve",
				bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.ResolveConflict(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestGetMetrics(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/metrics", nil)
	rec := httptest.NewRecorder()
	h.GetMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["counters"]; !ok {
		t.Error("Expected counters in the metrics payload")
	}
	if _, ok := body["timings"]; !ok {
		t.Error("Expected timings in the metrics payload")
	}
}

func TestRoutesRegistered(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/sync/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from the registered route, got %d", rec.Code)
	}
}
