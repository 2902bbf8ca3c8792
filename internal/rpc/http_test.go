package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientQuery(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" || r.Method != http.MethodPost {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"records": []map[string]interface{}{
				{"id": 43, "status": "open"},
				{"id": 44, "status": "done"},
			},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret-token")
	records, err := client.Query(context.Background(), "tasks",
		[]Criterion{{Field: "id", Op: ">", Value: int64(42)}},
		nil, "id asc", 200)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotBody["collection"] != "tasks" || gotBody["order"] != "id asc" {
		t.Errorf("Unexpected request body: %v", gotBody)
	}
	criteria, ok := gotBody["criteria"].([]interface{})
	if !ok || len(criteria) != 1 {
		t.Fatalf("Expected one criterion triple, got %v", gotBody["criteria"])
	}
	triple := criteria[0].([]interface{})
	if len(triple) != 3 || triple[0] != "id" || triple[1] != ">" || triple[2] != float64(42) {
		t.Errorf("Unexpected criterion wire form: %v", triple)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Sequence() != 43 || records[1].Sequence() != 44 {
		t.Errorf("Unexpected sequences: %v", records)
	}
}

func TestHTTPClientMutate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mutate" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["kind"] != MutateUpdate || body["record_id"] != "42" {
			t.Errorf("Unexpected mutation body: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"record_id": "42"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", "token")
	res, err := client.Mutate(context.Background(), Mutation{
		Collection: "tasks",
		Kind:       MutateUpdate,
		RecordID:   "42",
		Payload:    map[string]interface{}{"status": "done"},
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if res.RecordID != "42" {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Class
	}{
		{"unauthorized", http.StatusUnauthorized, ClassFatal},
		{"forbidden", http.StatusForbidden, ClassFatal},
		{"bad request", http.StatusBadRequest, ClassRejected},
		{"unprocessable", http.StatusUnprocessableEntity, ClassRejected},
		{"server error", http.StatusInternalServerError, ClassTransient},
		{"unavailable", http.StatusServiceUnavailable, ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, "token")
			_, err := client.Mutate(context.Background(), Mutation{
				Collection: "tasks", Kind: MutateUpdate, RecordID: "1",
			})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify = %v, want %v (error: %v)", got, tt.want, err)
			}
		})
	}
}

func TestHTTPClientUnreachableIsTransient(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "token")

	_, err := client.Query(context.Background(), "tasks", nil, nil, "", 0)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if Classify(err) != ClassTransient {
		t.Errorf("Network failure must classify transient, got %v", Classify(err))
	}
}
