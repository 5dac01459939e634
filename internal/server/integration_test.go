// End-to-end tests exercising the router, handlers and stores together.

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maheux/kintree/internal/server/dto"
	"github.com/maheux/kintree/internal/server/handlers"
	"github.com/maheux/kintree/internal/storage"
	"github.com/maheux/kintree/internal/storage/imagestore"
	"github.com/maheux/kintree/internal/storage/treestore"
)

type testEnv struct {
	server *httptest.Server
	trees  *treestore.Store
	images *imagestore.Store
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tempDir := t.TempDir()

	trees, err := treestore.New(filepath.Join(tempDir, "trees"), filepath.Join(tempDir, "backups"), 10)
	if err != nil {
		t.Fatalf("treestore.New: %v", err)
	}
	images, err := imagestore.New(filepath.Join(tempDir, "images"), 1<<20)
	if err != nil {
		t.Fatalf("imagestore.New: %v", err)
	}

	serverCfg := storage.DefaultServerConfig()
	serverCfg.MaxUploadBytes = 1 << 20
	// Keep the limiter out of the way for functional tests.
	serverCfg.RateLimit = storage.RateLimitConfig{Requests: 100000, WindowSeconds: 60, Burst: 100000}

	svc := &handlers.Services{Trees: trees, Images: images}
	cfg := &handlers.Config{Version: "test", ServerConfig: &serverCfg}

	srv := httptest.NewServer(NewRouter(svc, cfg))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, trees: trees, images: images}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	return resp, raw
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)

	resp, raw := env.do(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health dto.HealthResponse
	if err := json.Unmarshal(raw, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
	if health.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if health.Version != "test" {
		t.Errorf("version = %q, want the configured build version", health.Version)
	}
}

func TestGetTreeNeverSaved(t *testing.T) {
	env := setupTestEnv(t)

	resp, raw := env.do(t, http.MethodGet, "/api/trees/T1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a never-saved tree", resp.StatusCode)
	}
	var tree dto.TreeResponse
	if err := json.Unmarshal(raw, &tree); err != nil {
		t.Fatal(err)
	}
	if !tree.Success || tree.TreeID != "T1" {
		t.Errorf("envelope = %+v", tree)
	}
	if len(tree.Data) != 0 || len(tree.Metadata) != 0 || tree.LastModified != nil {
		t.Errorf("empty document expected, got %+v", tree)
	}
	if !strings.Contains(string(raw), `"data":[]`) {
		t.Errorf("data must serialize as [], got %s", raw)
	}
	if !strings.Contains(string(raw), `"lastModified":null`) {
		t.Errorf("lastModified must serialize as null, got %s", raw)
	}
}

func TestSaveVersionAndImageCount(t *testing.T) {
	env := setupTestEnv(t)

	body := map[string]any{"data": []map[string]any{{"id": "1", "avatar": "x.jpg"}}}
	resp, raw := env.do(t, http.MethodPost, "/api/trees/T1", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var saved dto.SaveTreeResponse
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatal(err)
	}
	if !saved.Success || saved.BackupCreated {
		t.Errorf("first save envelope = %+v", saved)
	}
	if got := saved.Metadata["version"]; got != float64(1) {
		t.Errorf("version = %v, want 1", got)
	}
	if got := saved.Metadata["imageCount"]; got != float64(1) {
		t.Errorf("imageCount = %v, want 1", got)
	}

	// A second save carrying the returned metadata bumps the version and
	// backs up the first state.
	body = map[string]any{
		"data":     []map[string]any{{"id": "1"}},
		"metadata": saved.Metadata,
	}
	resp, raw = env.do(t, http.MethodPost, "/api/trees/T1", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatal(err)
	}
	if got := saved.Metadata["version"]; got != float64(2) {
		t.Errorf("version = %v, want 2", got)
	}
	if !saved.BackupCreated {
		t.Error("second save should create a backup")
	}
}

func TestInitialDataShape(t *testing.T) {
	env := setupTestEnv(t)

	// Missing tree: bare empty array, not an envelope.
	resp, raw := env.do(t, http.MethodGet, "/api/initial/T1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := strings.TrimSpace(string(raw)); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}

	body := map[string]any{"data": []map[string]any{{"id": "1"}, {"id": "2"}}}
	if resp, raw := env.do(t, http.MethodPost, "/api/trees/T1", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("save failed: %s", raw)
	}

	_, raw = env.do(t, http.MethodGet, "/api/initial/T1", nil)
	var people []map[string]any
	if err := json.Unmarshal(raw, &people); err != nil {
		t.Fatalf("not a bare array: %s", raw)
	}
	if len(people) != 2 {
		t.Errorf("got %d person records, want 2", len(people))
	}
}

func TestAutosaveEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	body := map[string]any{"data": []map[string]any{{"id": "1"}}}
	if resp, raw := env.do(t, http.MethodPost, "/api/trees/T1", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("save failed: %s", raw)
	}

	resp, raw := env.do(t, http.MethodPut, "/api/trees/T1/autosave", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var auto dto.AutoSaveTreeResponse
	if err := json.Unmarshal(raw, &auto); err != nil {
		t.Fatal(err)
	}
	if !auto.Success || auto.BackupCreated {
		t.Errorf("autosave envelope = %+v", auto)
	}

	// Autosaves never touch the backup history.
	_, raw = env.do(t, http.MethodGet, "/api/trees/T1/backups", nil)
	var backups dto.ListBackupsResponse
	if err := json.Unmarshal(raw, &backups); err != nil {
		t.Fatal(err)
	}
	if backups.Count != 0 {
		t.Errorf("backup count = %d after autosave, want 0", backups.Count)
	}
}

func TestListTreesEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	for _, id := range []string{"b", "a"} {
		body := map[string]any{"data": []map[string]any{{"id": "1"}}}
		if resp, raw := env.do(t, http.MethodPost, "/api/trees/"+id, body); resp.StatusCode != http.StatusOK {
			t.Fatalf("save failed: %s", raw)
		}
	}

	_, raw := env.do(t, http.MethodGet, "/api/trees", nil)
	var trees dto.ListTreesResponse
	if err := json.Unmarshal(raw, &trees); err != nil {
		t.Fatal(err)
	}
	if trees.Count != 2 || len(trees.Trees) != 2 {
		t.Fatalf("trees = %+v", trees)
	}
	if trees.Trees[0] != "a" || trees.Trees[1] != "b" {
		t.Errorf("trees not sorted: %v", trees.Trees)
	}
}

func TestDeleteTree(t *testing.T) {
	env := setupTestEnv(t)

	resp, raw := env.do(t, http.MethodDelete, "/api/trees/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete of missing tree: status = %d: %s", resp.StatusCode, raw)
	}
	var fail dto.ErrorResponse
	if err := json.Unmarshal(raw, &fail); err != nil {
		t.Fatal(err)
	}
	if fail.Success || fail.Error != "Tree not found" {
		t.Errorf("envelope = %+v", fail)
	}

	body := map[string]any{"data": []map[string]any{{"id": "1"}}}
	if resp, raw := env.do(t, http.MethodPost, "/api/trees/T1", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("save failed: %s", raw)
	}
	resp, raw = env.do(t, http.MethodDelete, "/api/trees/T1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var deleted dto.DeleteTreeResponse
	if err := json.Unmarshal(raw, &deleted); err != nil {
		t.Fatal(err)
	}
	if !deleted.Success || !deleted.BackupCreated {
		t.Errorf("envelope = %+v", deleted)
	}
}

func TestRestoreEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	// Missing backup with a well-formed name.
	resp, raw := env.do(t, http.MethodPost, "/api/trees/T1/restore/T1_2025-01-01T00-00-00.json", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}

	// A backup belonging to another tree is rejected before disk access.
	resp, raw = env.do(t, http.MethodPost, "/api/trees/T1/restore/T2_2025-01-01T00-00-00.json", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("foreign backup: status = %d: %s", resp.StatusCode, raw)
	}
	var fail dto.ErrorResponse
	if err := json.Unmarshal(raw, &fail); err != nil {
		t.Fatal(err)
	}
	if fail.Error != "Invalid backup file" {
		t.Errorf("error = %q", fail.Error)
	}

	// Round trip: save twice, restore the first state.
	first := map[string]any{"data": []map[string]any{{"id": "old"}}}
	if resp, raw := env.do(t, http.MethodPost, "/api/trees/T1", first); resp.StatusCode != http.StatusOK {
		t.Fatalf("save failed: %s", raw)
	}
	second := map[string]any{"data": []map[string]any{{"id": "new"}}, "metadata": map[string]any{"version": 1}}
	if resp, raw := env.do(t, http.MethodPost, "/api/trees/T1", second); resp.StatusCode != http.StatusOK {
		t.Fatalf("save failed: %s", raw)
	}

	_, raw = env.do(t, http.MethodGet, "/api/trees/T1/backups", nil)
	var backups dto.ListBackupsResponse
	if err := json.Unmarshal(raw, &backups); err != nil {
		t.Fatal(err)
	}
	if backups.Count != 1 {
		t.Fatalf("backups = %+v", backups)
	}

	resp, raw = env.do(t, http.MethodPost, "/api/trees/T1/restore/"+backups.Backups[0].Filename, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var restored dto.RestoreResponse
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatal(err)
	}
	if got := restored.Metadata["restoredFrom"]; got != backups.Backups[0].Filename {
		t.Errorf("restoredFrom = %v", got)
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(restored.Data[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.ID != "old" {
		t.Errorf("restored person = %q, want old", p.ID)
	}
}

func TestInvalidTreeIDRejected(t *testing.T) {
	env := setupTestEnv(t)

	resp, raw := env.do(t, http.MethodGet, "/api/trees/bad%20id", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, raw)
	}
	var fail dto.ErrorResponse
	if err := json.Unmarshal(raw, &fail); err != nil {
		t.Fatal(err)
	}
	if fail.Success {
		t.Error("success must be false")
	}
}

func TestUnmatchedRouteEnvelope(t *testing.T) {
	env := setupTestEnv(t)

	resp, raw := env.do(t, http.MethodGet, "/api/nonsense", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var fail dto.ErrorResponse
	if err := json.Unmarshal(raw, &fail); err != nil {
		t.Fatal(err)
	}
	if fail.Success || fail.Error != "Endpoint not found" || fail.Path != "/api/nonsense" {
		t.Errorf("envelope = %+v", fail)
	}
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + filename + `"`}
	hdr["Content-Type"] = []string{contentType}
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestImageUploadAndServe(t *testing.T) {
	env := setupTestEnv(t)

	// No file in the form.
	var empty bytes.Buffer
	mw := multipart.NewWriter(&empty)
	_ = mw.Close()
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/images/T1/upload", &empty)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no-file upload: status = %d", resp.StatusCode)
	}

	// Wrong MIME type.
	buf, ct := multipartBody(t, "avatar", "notes.txt", "text/plain", []byte("hello"))
	req, _ = http.NewRequest(http.MethodPost, env.server.URL+"/api/images/T1/upload", buf)
	req.Header.Set("Content-Type", ct)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("text upload: status = %d", resp.StatusCode)
	}

	// A real image round trip.
	pngBytes := []byte("\x89PNG fake image bytes")
	buf, ct = multipartBody(t, "avatar", "Grandma Photo.png", "image/png", pngBytes)
	req, _ = http.NewRequest(http.MethodPost, env.server.URL+"/api/images/T1/upload", buf)
	req.Header.Set("Content-Type", ct)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status = %d: %s", resp.StatusCode, raw)
	}
	var uploaded dto.UploadImageResponse
	if err := json.Unmarshal(raw, &uploaded); err != nil {
		t.Fatal(err)
	}
	if !uploaded.Success || uploaded.OriginalName != "Grandma Photo.png" {
		t.Errorf("envelope = %+v", uploaded)
	}
	if uploaded.Size != int64(len(pngBytes)) {
		t.Errorf("size = %d, want %d", uploaded.Size, len(pngBytes))
	}

	// Fetch the stored bytes back.
	resp, raw = env.do(t, http.MethodGet, uploaded.ImageURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("serve: status = %d", resp.StatusCode)
	}
	if !bytes.Equal(raw, pngBytes) {
		t.Error("served bytes differ from upload")
	}

	// List, then delete.
	_, raw = env.do(t, http.MethodGet, "/api/images/T1", nil)
	var list dto.ListImagesResponse
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Images[0].Filename != uploaded.Filename {
		t.Errorf("list = %+v", list)
	}

	resp, raw = env.do(t, http.MethodDelete, "/api/images/T1/"+uploaded.Filename, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d: %s", resp.StatusCode, raw)
	}
	resp, _ = env.do(t, http.MethodGet, uploaded.ImageURL, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("serve after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	env := setupTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/health", nil)
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("X-RateLimit-Limit header missing")
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining header missing")
	}
}
