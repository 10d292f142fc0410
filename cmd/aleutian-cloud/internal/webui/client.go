// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package webui is a client for the deployed web UI's REST API.

The persistence verification flow needs a handful of endpoints: the
model listing (used as a combined liveness and auth check), knowledge
base CRUD, file upload, and file-to-knowledge association. Every call
carries bearer-token auth and validates the response shape at the point
of use — a created resource must come back with a server-assigned id,
and a knowledge fetch must carry a files array.

Errors are classified into kinds so callers can tell a transient
transport failure from a structural one (bad token, unexpected schema):

	var apiErr *webui.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == webui.ErrKindAuth {
	    // bad credential, do not retry
	}

The deployed application documents its model listing under both
/api/models and /api/v1/models depending on version; which one is
authoritative is a deployment property, so the client takes it as an
explicit PathStyle instead of guessing.
*/
package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// ErrKind categorizes API failures for programmatic handling.
type ErrKind int

const (
	// ErrKindTransport indicates the service was not reachable or the
	// connection failed mid-request. Typically transient.
	ErrKindTransport ErrKind = iota

	// ErrKindAuth indicates the bearer token was rejected.
	ErrKindAuth

	// ErrKindNotFound indicates the resource does not exist.
	ErrKindNotFound

	// ErrKindSchema indicates the response did not match the expected
	// shape (non-JSON, missing id, missing files array).
	ErrKindSchema

	// ErrKindServer indicates a 5xx from the service. Typically
	// transient while the service restarts.
	ErrKindServer
)

// String returns the kind as a stable token for logging.
func (k ErrKind) String() string {
	switch k {
	case ErrKindTransport:
		return "TRANSPORT"
	case ErrKindAuth:
		return "AUTH"
	case ErrKindNotFound:
		return "NOT_FOUND"
	case ErrKindSchema:
		return "SCHEMA"
	case ErrKindServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether a failure of this kind may clear on retry.
func (k ErrKind) Retryable() bool {
	return k == ErrKindTransport || k == ErrKindServer
}

// APIError is a structured failure from the web UI API.
type APIError struct {
	// Kind categorizes the failure.
	Kind ErrKind

	// Op names the failing operation (e.g. "create knowledge").
	Op string

	// Status is the HTTP status code, 0 for transport failures.
	Status int

	// Body holds the raw response body that violated expectations,
	// truncated for diagnostics.
	Body string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns a message naming the operation and, where available,
// the offending response body.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s failed (%s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(", status %d", e.Status)
	}
	msg += ")"
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error {
	return e.Wrapped
}

var _ error = (*APIError)(nil)

// maxErrorBody bounds how much response body an APIError carries.
const maxErrorBody = 512

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// FileRef is a server-assigned reference to an uploaded file.
type FileRef struct {
	ID   string `json:"id"`
	Name string `json:"filename,omitempty"`
}

// Knowledge is a knowledge-base resource as the service returns it.
type Knowledge struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Files       []FileRef `json:"files"`
}

// FileCount reports how many times fileID appears in the file list.
func (k *Knowledge) FileCount(fileID string) int {
	n := 0
	for _, f := range k.Files {
		if f.ID == fileID {
			n++
		}
	}
	return n
}

// PathStyle selects which base path the model listing lives under.
type PathStyle string

const (
	// PathStylePlain uses /api/models.
	PathStylePlain PathStyle = "plain"

	// PathStyleVersioned uses /api/v1/models.
	PathStyleVersioned PathStyle = "versioned"
)

// ModelsPath returns the models endpoint path for the style.
func (s PathStyle) ModelsPath() string {
	if s == PathStyleVersioned {
		return "/api/v1/models"
	}
	return "/api/models"
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// API is the operation surface the verification runner depends on.
// Client is the production implementation; tests substitute mocks.
type API interface {
	// ListModels performs the combined liveness and auth check.
	ListModels(ctx context.Context) error

	// ListKnowledge returns all knowledge bases visible to the token.
	ListKnowledge(ctx context.Context) ([]Knowledge, error)

	// CreateKnowledge creates a named knowledge base and returns it.
	CreateKnowledge(ctx context.Context, name, description string) (*Knowledge, error)

	// GetKnowledge fetches a knowledge base by id.
	GetKnowledge(ctx context.Context, id string) (*Knowledge, error)

	// DeleteKnowledge removes a knowledge base by id.
	DeleteKnowledge(ctx context.Context, id string) error

	// UploadFile uploads content under filename, returning the ref.
	UploadFile(ctx context.Context, filename string, content io.Reader) (*FileRef, error)

	// AddFileToKnowledge associates an uploaded file with a knowledge
	// base and returns the updated resource.
	AddFileToKnowledge(ctx context.Context, knowledgeID, fileID string) (*Knowledge, error)
}

// Client talks to a deployed web UI instance.
type Client struct {
	baseURL   string
	token     string
	pathStyle PathStyle
	http      HTTPDoer
}

// NewClient creates a Client for baseURL with bearer token auth.
// A nil doer gets a default http.Client with a 30s timeout.
func NewClient(baseURL, token string, style PathStyle, doer HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		pathStyle: style,
		http:      doer,
	}
}

var _ API = (*Client)(nil)

// ListModels checks that the service answers the model listing with a
// well-formed JSON object under the configured path style. A 401/403
// or an error-shaped body is an auth failure; non-JSON is a schema
// failure.
func (c *Client) ListModels(ctx context.Context) error {
	body, err := c.doJSON(ctx, http.MethodGet, c.pathStyle.ModelsPath(), nil, "list models")
	if err != nil {
		return err
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{Kind: ErrKindSchema, Op: "list models", Body: truncate(body), Wrapped: err}
	}
	if detail, ok := parsed["detail"]; ok {
		// Error-shaped 200: the service reports auth problems as
		// {"detail": "..."} on some versions.
		return &APIError{Kind: ErrKindAuth, Op: "list models", Body: truncate(detail)}
	}
	return nil
}

// ListKnowledge returns every knowledge base the token can see.
func (c *Client) ListKnowledge(ctx context.Context) ([]Knowledge, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/api/v1/knowledge/list", nil, "list knowledge")
	if err != nil {
		return nil, err
	}
	var items []Knowledge
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &APIError{Kind: ErrKindSchema, Op: "list knowledge", Body: truncate(body), Wrapped: err}
	}
	return items, nil
}

// CreateKnowledge creates a named knowledge base. The response must
// carry a non-empty server-assigned id.
func (c *Client) CreateKnowledge(ctx context.Context, name, description string) (*Knowledge, error) {
	payload := map[string]string{"name": name, "description": description}
	body, err := c.doJSON(ctx, http.MethodPost, "/api/v1/knowledge/create", payload, "create knowledge")
	if err != nil {
		return nil, err
	}
	var kb Knowledge
	if err := json.Unmarshal(body, &kb); err != nil {
		return nil, &APIError{Kind: ErrKindSchema, Op: "create knowledge", Body: truncate(body), Wrapped: err}
	}
	if kb.ID == "" {
		return nil, &APIError{Kind: ErrKindSchema, Op: "create knowledge", Body: truncate(body),
			Wrapped: fmt.Errorf("response missing id")}
	}
	return &kb, nil
}

// GetKnowledge fetches a knowledge base by id, including its files.
func (c *Client) GetKnowledge(ctx context.Context, id string) (*Knowledge, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/api/v1/knowledge/"+id, nil, "get knowledge")
	if err != nil {
		return nil, err
	}
	var kb Knowledge
	if err := json.Unmarshal(body, &kb); err != nil {
		return nil, &APIError{Kind: ErrKindSchema, Op: "get knowledge", Body: truncate(body), Wrapped: err}
	}
	if kb.ID == "" {
		return nil, &APIError{Kind: ErrKindSchema, Op: "get knowledge", Body: truncate(body),
			Wrapped: fmt.Errorf("response missing id")}
	}
	return &kb, nil
}

// DeleteKnowledge removes a knowledge base. Used by the pre-creation
// cleanup that keeps repeated verification runs idempotent.
func (c *Client) DeleteKnowledge(ctx context.Context, id string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/api/v1/knowledge/"+id+"/delete", nil, "delete knowledge")
	return err
}

// UploadFile uploads content as a multipart form file.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (*FileRef, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, &APIError{Kind: ErrKindTransport, Op: "upload file", Wrapped: err}
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, &APIError{Kind: ErrKindTransport, Op: "upload file", Wrapped: err}
	}
	if err := writer.Close(); err != nil {
		return nil, &APIError{Kind: ErrKindTransport, Op: "upload file", Wrapped: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/files/", &buf)
	if err != nil {
		return nil, &APIError{Kind: ErrKindTransport, Op: "upload file", Wrapped: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.send(req, "upload file")
	if err != nil {
		return nil, err
	}
	var ref FileRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, &APIError{Kind: ErrKindSchema, Op: "upload file", Body: truncate(body), Wrapped: err}
	}
	if ref.ID == "" {
		return nil, &APIError{Kind: ErrKindSchema, Op: "upload file", Body: truncate(body),
			Wrapped: fmt.Errorf("response missing id")}
	}
	return &ref, nil
}

// AddFileToKnowledge links an uploaded file into a knowledge base and
// verifies the association took: the returned file list must contain
// the file id.
func (c *Client) AddFileToKnowledge(ctx context.Context, knowledgeID, fileID string) (*Knowledge, error) {
	payload := map[string]string{"file_id": fileID}
	op := "add file to knowledge"
	body, err := c.doJSON(ctx, http.MethodPost, "/api/v1/knowledge/"+knowledgeID+"/file/add", payload, op)
	if err != nil {
		return nil, err
	}
	var kb Knowledge
	if err := json.Unmarshal(body, &kb); err != nil {
		return nil, &APIError{Kind: ErrKindSchema, Op: op, Body: truncate(body), Wrapped: err}
	}
	if kb.FileCount(fileID) == 0 {
		return nil, &APIError{Kind: ErrKindSchema, Op: op, Body: truncate(body),
			Wrapped: fmt.Errorf("file %s absent from knowledge file list after linking", fileID)}
	}
	return &kb, nil
}

// -----------------------------------------------------------------------------
// Transport Helpers
// -----------------------------------------------------------------------------

// doJSON issues a request with an optional JSON payload and returns
// the response body after status classification.
func (c *Client) doJSON(ctx context.Context, method, path string, payload any, op string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &APIError{Kind: ErrKindSchema, Op: op, Wrapped: err}
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &APIError{Kind: ErrKindTransport, Op: op, Wrapped: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, op)
}

// send executes the request and classifies non-2xx statuses.
func (c *Client) send(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Kind: ErrKindTransport, Op: op, Wrapped: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &APIError{Kind: ErrKindTransport, Op: op, Status: resp.StatusCode, Wrapped: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &APIError{Kind: ErrKindAuth, Op: op, Status: resp.StatusCode, Body: truncate(body)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &APIError{Kind: ErrKindNotFound, Op: op, Status: resp.StatusCode, Body: truncate(body)}
	case resp.StatusCode >= 500:
		return nil, &APIError{Kind: ErrKindServer, Op: op, Status: resp.StatusCode, Body: truncate(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &APIError{Kind: ErrKindSchema, Op: op, Status: resp.StatusCode, Body: truncate(body)}
	}
	return body, nil
}

// truncate bounds a body for inclusion in error messages.
func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
