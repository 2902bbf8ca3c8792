// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libfieldsync.so (Android) / fieldsync.framework (iOS)
// All exported functions use C calling conventions and can be called from
// Dart FFI. Returned strings are JSON and must be freed with FreeString.
package main

/*
#cgo CFLAGS: -Wall -Wextra
#cgo LDFLAGS: -shared
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	gosync "sync"
	"unsafe"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/rpc"
	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/sync/conflict"
	"github.com/fieldsync/fieldsync/internal/sync/queue"
	"github.com/fieldsync/fieldsync/internal/transport"
)

var (
	once         gosync.Once
	database     *db.DB
	dialer       *transport.WebSocketDialer
	orchestrator *sync.Orchestrator
	lastErr      string
	lastMu       gosync.RWMutex
)

//export Init
// Init initializes the FieldSync core with its database under dataDir.
// collectionsJSON is a JSON array of collection names to synchronize.
// The core starts offline: local edits queue up immediately, and Connect
// installs the authenticated server endpoints once the user's session is
// established.
// Returns 0 on success, non-zero on error.
func Init(dataDir, collectionsJSON *C.char) int32 {
	var rc int32
	once.Do(func() {
		var collections []string
		if collectionsJSON != nil {
			if err := json.Unmarshal([]byte(C.GoString(collectionsJSON)), &collections); err != nil {
				setLastError(fmt.Sprintf("Invalid collections JSON: %v", err))
				rc = 1
				return
			}
		}

		var err error
		database, err = db.Open(C.GoString(dataDir))
		if err != nil {
			setLastError(fmt.Sprintf("Failed to open database: %v", err))
			rc = 1
			return
		}

		if err := database.InitSchema(); err != nil {
			setLastError(fmt.Sprintf("Failed to initialize schema: %v", err))
			rc = 1
			return
		}

		store := db.NewStore(database.DB)
		q := queue.New(store, nil, nil)
		resolver := conflict.NewResolver(store, q)

		// The dialer starts without an endpoint; the transport sits in
		// degraded pull (with nothing to poll) until Connect supplies
		// the push URL and credentials.
		dialer = transport.NewWebSocketDialer("", nil)
		tr := transport.New(dialer, nil, store, nil)
		orchestrator = sync.New(store, q, resolver, tr, nil, nil)

		if err := orchestrator.Start(context.Background(), collections); err != nil {
			setLastError(fmt.Sprintf("Failed to start orchestrator: %v", err))
			rc = 1
		}
	})
	return rc
}

//export Connect
// Connect installs the authenticated server endpoints after the host
// establishes the user's session: apiURL is the HTTP API base, pushURL
// the websocket push endpoint, token the bearer token for both. Safe to
// call again with fresh credentials after an auth failure halted sync.
// Returns 0 on success, non-zero on error.
func Connect(apiURL, pushURL, token *C.char) int32 {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return 1
	}

	bearer := C.GoString(token)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)
	dialer.SetEndpoint(C.GoString(pushURL), header)

	orchestrator.Restart(rpc.NewHTTPClient(C.GoString(apiURL), bearer))
	return 0
}

//export Cleanup
// Cleanup stops sync and closes the database.
func Cleanup() {
	if orchestrator != nil {
		orchestrator.Stop()
	}
	if database != nil {
		database.Close()
	}
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

// =====================================================
// Change Submission
// =====================================================

//export SubmitChange
// SubmitChange records an optimistic field edit and queues the update.
// fieldsJSON is a JSON object of field name to new value.
// Returns JSON {"operation_id": ...} that must be freed by the caller.
func SubmitChange(collection, recordID, fieldsJSON *C.char) *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(C.GoString(fieldsJSON)), &fields); err != nil {
		setLastError(fmt.Sprintf("Invalid fields JSON: %v", err))
		return nil
	}

	id, err := orchestrator.SubmitChange(C.GoString(collection), C.GoString(recordID), fields)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to submit change: %v", err))
		return nil
	}
	return jsonResult(map[string]interface{}{"operation_id": id})
}

//export SubmitCreate
// SubmitCreate queues a record creation.
// Returns JSON {"operation_id": ...} that must be freed by the caller.
func SubmitCreate(collection, fieldsJSON *C.char) *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(C.GoString(fieldsJSON)), &fields); err != nil {
		setLastError(fmt.Sprintf("Invalid fields JSON: %v", err))
		return nil
	}

	id, err := orchestrator.SubmitCreate(C.GoString(collection), fields)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to submit create: %v", err))
		return nil
	}
	return jsonResult(map[string]interface{}{"operation_id": id})
}

//export SubmitDelete
// SubmitDelete queues a record deletion.
// Returns JSON {"operation_id": ...} that must be freed by the caller.
func SubmitDelete(collection, recordID *C.char) *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	id, err := orchestrator.SubmitDelete(C.GoString(collection), C.GoString(recordID))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to submit delete: %v", err))
		return nil
	}
	return jsonResult(map[string]interface{}{"operation_id": id})
}

// =====================================================
// Sync Control
// =====================================================

//export SyncNow
// SyncNow requests an immediate sync cycle.
func SyncNow() {
	if orchestrator != nil {
		orchestrator.SyncNow()
	}
}

//export SyncStatus
// SyncStatus returns the operational status snapshot.
// Returns JSON that must be freed by the caller.
func SyncStatus() *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	snap, err := orchestrator.StatusSnapshot()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to build status: %v", err))
		return nil
	}
	return jsonResult(snap)
}

// =====================================================
// Queue Inspection
// =====================================================

//export OperationList
// OperationList lists all queued operations.
// Returns JSON array that must be freed by the caller.
func OperationList() *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	ops, err := orchestrator.Operations()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list operations: %v", err))
		return nil
	}
	return jsonResult(map[string]interface{}{"operations": ops, "total": len(ops)})
}

//export OperationRetry
// OperationRetry restores a failed operation's retry budget.
// Returns 0 on success, non-zero on error.
func OperationRetry(operationID *C.char) int32 {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return 1
	}

	if err := orchestrator.RetryOperation(C.GoString(operationID)); err != nil {
		setLastError(fmt.Sprintf("Failed to retry operation: %v", err))
		return 1
	}
	return 0
}

// =====================================================
// Conflict Resolution
// =====================================================

//export ConflictList
// ConflictList lists unresolved conflicts.
// Returns JSON array that must be freed by the caller.
func ConflictList() *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	conflicts, err := orchestrator.Conflicts()
	if err != nil {
		setLastError(fmt.Sprintf("Failed to list conflicts: %v", err))
		return nil
	}
	return jsonResult(map[string]interface{}{"conflicts": conflicts, "total": len(conflicts)})
}

//export ConflictResolve
// ConflictResolve applies the user's choice ("local" or "server").
// Returns JSON describing the resolution action, freed by the caller.
func ConflictResolve(conflictID, choice *C.char) *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	action, err := orchestrator.ResolveConflict(C.GoString(conflictID), conflict.Choice(C.GoString(choice)))
	if err != nil {
		setLastError(fmt.Sprintf("Failed to resolve conflict: %v", err))
		return nil
	}
	return jsonResult(action)
}

//export ConflictResolveBatch
// ConflictResolveBatch applies one choice ("local" or "server") to a JSON
// array of conflict IDs. Items resolve independently; the returned JSON
// carries a per-item outcome and must be freed by the caller.
func ConflictResolveBatch(conflictIDsJSON, choice *C.char) *C.char {
	if orchestrator == nil {
		setLastError("Core not initialized")
		return nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(C.GoString(conflictIDsJSON)), &ids); err != nil {
		setLastError(fmt.Sprintf("Invalid conflict IDs JSON: %v", err))
		return nil
	}

	outcomes := orchestrator.ResolveConflictBatch(ids, conflict.Choice(C.GoString(choice)))
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
	return jsonResult(map[string]interface{}{"outcomes": results})
}

// =====================================================
// Memory Management Helpers
// =====================================================

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func jsonResult(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(fmt.Sprintf("Failed to serialize: %v", err))
		return nil
	}
	return C.CString(string(data))
}

func main() {
	// Main entry point for shared library
	// Not used when loaded as library
}
