// Package client wraps the tree persistence HTTP API.
//
// The client tracks two pieces of state for its caller: whether the server
// last answered (Online) and whether an edit is awaiting a confirmed save
// (PendingChanges). Every failed call logs, flips the client offline and
// returns the error; the caller decides what to surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maheux/kintree/internal/server/dto"
)

// ChartTarget receives a loaded tree's person records. It is the seam to the
// charting component so LoadAndInitialize does not depend on any UI type.
type ChartTarget interface {
	SetData(data []json.RawMessage)
}

// StatusError is a non-2xx API answer decoded from the failure envelope.
type StatusError struct {
	StatusCode int
	Reason     string // the envelope's error field
	Message    string // the envelope's message field, if any
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Reason)
}

// Client calls the persistence API of one server.
type Client struct {
	baseURL string
	httpc   *http.Client

	mu      sync.Mutex
	online  bool
	pending bool
}

// New creates a client for the server at baseURL, e.g. "http://localhost:3000".
// The client starts out presumed online until a call says otherwise.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		online:  true,
	}
}

// Online reports whether the most recent call reached the server.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// PendingChanges reports whether an edit is awaiting a confirmed save.
func (c *Client) PendingChanges() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// MarkPending records that an edit is queued for saving. Cleared by the next
// save that the server confirms.
func (c *Client) MarkPending() {
	c.mu.Lock()
	c.pending = true
	c.mu.Unlock()
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

func (c *Client) clearPending() {
	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
}

// CheckConnection pings the health endpoint and updates the online state.
func (c *Client) CheckConnection(ctx context.Context) bool {
	var out dto.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return false
	}
	return true
}

// ListTrees enumerates all trees known to the server.
func (c *Client) ListTrees(ctx context.Context) ([]string, error) {
	var out dto.ListTreesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/trees", nil, &out); err != nil {
		return nil, err
	}
	return out.Trees, nil
}

// LoadTree fetches one tree. A tree that was never saved comes back as an
// empty document, not an error.
func (c *Client) LoadTree(ctx context.Context, treeID string) (*dto.TreeResponse, error) {
	var out dto.TreeResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/trees/"+url.PathEscape(treeID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveTree performs a full, backed-up save. A confirmed save clears the
// pending flag.
func (c *Client) SaveTree(ctx context.Context, treeID string, data []json.RawMessage, metadata map[string]any) (*dto.SaveTreeResponse, error) {
	body := map[string]any{"data": data}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var out dto.SaveTreeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/trees/"+url.PathEscape(treeID), body, &out); err != nil {
		return nil, err
	}
	c.clearPending()
	return &out, nil
}

// AutoSaveTree performs a frequent, un-backed-up save. A confirmed autosave
// clears the pending flag.
func (c *Client) AutoSaveTree(ctx context.Context, treeID string, data []json.RawMessage) (*dto.AutoSaveTreeResponse, error) {
	body := map[string]any{"data": data}
	var out dto.AutoSaveTreeResponse
	if err := c.doJSON(ctx, http.MethodPut, "/api/trees/"+url.PathEscape(treeID)+"/autosave", body, &out); err != nil {
		return nil, err
	}
	c.clearPending()
	return &out, nil
}

// GetBackups lists a tree's backups, most recent first.
func (c *Client) GetBackups(ctx context.Context, treeID string) ([]dto.Backup, error) {
	var out dto.ListBackupsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/trees/"+url.PathEscape(treeID)+"/backups", nil, &out); err != nil {
		return nil, err
	}
	return out.Backups, nil
}

// RestoreFromBackup replaces the tree's live state with a chosen backup.
func (c *Client) RestoreFromBackup(ctx context.Context, treeID, backupFilename string) (*dto.RestoreResponse, error) {
	path := "/api/trees/" + url.PathEscape(treeID) + "/restore/" + url.PathEscape(backupFilename)
	var out dto.RestoreResponse
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTree deletes a tree. The server keeps a final backup.
func (c *Client) DeleteTree(ctx context.Context, treeID string) error {
	var out dto.DeleteTreeResponse
	return c.doJSON(ctx, http.MethodDelete, "/api/trees/"+url.PathEscape(treeID), nil, &out)
}

// UploadImage uploads an avatar as multipart/form-data under the "avatar"
// field.
func (c *Client) UploadImage(ctx context.Context, treeID, filename string, r io.Reader) (*dto.UploadImageResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("avatar", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart form: %w", err)
	}

	reqURL := c.baseURL + "/api/images/" + url.PathEscape(treeID) + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out dto.UploadImageResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadAndInitialize loads a tree and, when it has content, pushes the person
// records into the chart. Returns the loaded document either way.
func (c *Client) LoadAndInitialize(ctx context.Context, treeID string, chart ChartTarget) (*dto.TreeResponse, error) {
	doc, err := c.LoadTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	if len(doc.Data) > 0 && chart != nil {
		chart.SetData(doc.Data)
	}
	return doc, nil
}

// doJSON issues one API call with an optional JSON body and decodes the
// response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// do runs the request, maps non-2xx answers to StatusError and keeps the
// online flag current. Every failure path logs before returning.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.setOnline(false)
		slog.Error("Persistence call failed", "method", req.Method, "url", req.URL.String(), "err", err)
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
		var envelope dto.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
			statusErr.Reason = envelope.Error
			statusErr.Message = envelope.Message
		}
		c.setOnline(false)
		slog.Error("Persistence call rejected", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode, "err", statusErr.Reason)
		return statusErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.setOnline(false)
			slog.Error("Persistence response unreadable", "method", req.Method, "url", req.URL.String(), "err", err)
			return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
		}
	}

	c.setOnline(true)
	return nil
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
