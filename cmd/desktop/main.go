// Package main provides the embedded diagnostics server for desktop
// builds. Desktop clients inspect and control sync via REST on
// localhost:8090; record traffic itself goes through the core library,
// not this server.
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/fieldsync/fieldsync/cmd/desktop/handlers"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/sync/conflict"
	"github.com/fieldsync/fieldsync/internal/sync/queue"
)

func main() {
	dataDir := os.Getenv("DB_PATH")
	if dataDir == "" {
		dataDir = "./data"
	}

	database, err := db.Open(dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := database.InitSchema(); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	store := db.NewStore(database.DB)
	q := queue.New(store, nil, nil)
	resolver := conflict.NewResolver(store, q)
	orchestrator := sync.New(store, q, resolver, nil, nil, nil)

	if err := orchestrator.Start(context.Background(), nil); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	defer orchestrator.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"fieldsync-desktop"}`))
	})

	handlers.NewSyncHandler(orchestrator).Register(mux)

	port := "8090"
	log.Printf("FieldSync Desktop Server starting on port %s...", port)
	log.Fatal(http.ListenAndServe(":"+port, mux))
}
