package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
)

// HTTPClient is the concrete Client over the record server's HTTP API.
// Queries POST to /query and mutations to /mutate, both as JSON with a
// bearer token. Hosts that already own a session hand the core their own
// Client instead; HTTPClient exists for embeddings (the mobile FFI) that
// can only pass an endpoint and token across the boundary.
type HTTPClient struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewHTTPClient creates a client for the given server endpoint and bearer
// token. The endpoint is the API base URL without a trailing slash.
func NewHTTPClient(endpoint, token string) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{},
	}
}

type queryRequest struct {
	Collection string          `json:"collection"`
	Criteria   [][]interface{} `json:"criteria,omitempty"`
	Fields     []string        `json:"fields,omitempty"`
	Order      string          `json:"order,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

type queryResponse struct {
	Records []Record `json:"records"`
}

type mutateRequest struct {
	Collection string                 `json:"collection"`
	Kind       string                 `json:"kind"`
	RecordID   string                 `json:"record_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Query implements Client.
func (c *HTTPClient) Query(ctx context.Context, collection string, criteria []Criterion, fields []string, order string, limit int) ([]Record, error) {
	req := queryRequest{
		Collection: collection,
		Fields:     fields,
		Order:      order,
		Limit:      limit,
	}
	for _, cr := range criteria {
		req.Criteria = append(req.Criteria, []interface{}{cr.Field, cr.Op, cr.Value})
	}

	var res queryResponse
	if err := c.post(ctx, "/query", req, &res); err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Mutate implements Client.
func (c *HTTPClient) Mutate(ctx context.Context, m Mutation) (*Result, error) {
	req := mutateRequest{
		Collection: m.Collection,
		Kind:       m.Kind,
		RecordID:   m.RecordID,
		Payload:    m.Payload,
	}

	var res Result
	if err := c.post(ctx, "/mutate", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// post performs one JSON round trip and maps the HTTP status onto the
// sync error classes: 401/403 are fatal, other 4xx are rejections, and
// everything else (5xx, network failure) is transient.
func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "request is not serializable", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncTransient, "server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := serverMessage(resp)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return apperrors.New(apperrors.ErrSyncAuthFailed, message)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return apperrors.New(apperrors.ErrSyncRejected, message)
		default:
			return apperrors.New(apperrors.ErrSyncTransient, message)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncTransient, "malformed server response", err)
	}
	return nil
}

// serverMessage extracts the server's error message, falling back to the
// HTTP status line.
func serverMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return e.Error
		}
	}
	return fmt.Sprintf("server returned %s", resp.Status)
}
