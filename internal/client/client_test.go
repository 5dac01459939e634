package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maheux/kintree/internal/server/dto"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Error(err)
	}
}

func TestCheckConnection(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, dto.HealthResponse{Status: "ok"})
	})

	if !c.CheckConnection(context.Background()) {
		t.Fatal("CheckConnection = false against a live server")
	}
	if !c.Online() {
		t.Error("client should be online")
	}
}

func TestCheckConnectionServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := New(srv.URL)
	srv.Close()

	if c.CheckConnection(context.Background()) {
		t.Fatal("CheckConnection = true against a closed server")
	}
	if c.Online() {
		t.Error("client should be offline after a failed call")
	}
}

func TestSaveTreeClearsPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/trees/T1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Data     []json.RawMessage `json:"data"`
			Metadata map[string]any    `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if len(body.Data) != 1 {
			t.Errorf("data = %v", body.Data)
		}
		writeJSON(t, w, http.StatusOK, dto.SaveTreeResponse{
			Success:       true,
			TreeID:        "T1",
			Metadata:      map[string]any{"version": 1},
			BackupCreated: true,
		})
	})

	c.MarkPending()
	if !c.PendingChanges() {
		t.Fatal("MarkPending did not take")
	}

	resp, err := c.SaveTree(context.Background(), "T1", []json.RawMessage{json.RawMessage(`{"id":"1"}`)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.BackupCreated {
		t.Errorf("resp = %+v", resp)
	}
	if c.PendingChanges() {
		t.Error("pending flag should clear after a confirmed save")
	}
	if !c.Online() {
		t.Error("client should be online after a confirmed save")
	}
}

func TestSaveTreeFailureKeepsPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusInternalServerError, dto.ErrorResponse{
			Success: false,
			Error:   "Failed to save tree data",
			Message: "disk full",
		})
	})

	c.MarkPending()
	_, err := c.SaveTree(context.Background(), "T1", nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %T %v", err, err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Reason != "Failed to save tree data" {
		t.Errorf("statusErr = %+v", statusErr)
	}
	if !strings.Contains(statusErr.Error(), "disk full") {
		t.Errorf("error text = %q", statusErr.Error())
	}
	if !c.PendingChanges() {
		t.Error("pending flag must survive a failed save")
	}
	if c.Online() {
		t.Error("client should be offline after a rejected call")
	}
}

func TestAutoSaveTreeClearsPending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/trees/T1/autosave" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, dto.AutoSaveTreeResponse{Success: true, TreeID: "T1"})
	})

	c.MarkPending()
	if _, err := c.AutoSaveTree(context.Background(), "T1", nil); err != nil {
		t.Fatal(err)
	}
	if c.PendingChanges() {
		t.Error("pending flag should clear after a confirmed autosave")
	}
}

func TestIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, dto.ErrorResponse{Success: false, Error: "Tree not found"})
	})

	err := c.DeleteTree(context.Background(), "ghost")
	if !IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}
	if IsNotFound(errors.New("other")) {
		t.Error("IsNotFound must not match arbitrary errors")
	}
}

func TestUploadImage(t *testing.T) {
	payload := []byte("\x89PNG bytes")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/images/T1/upload" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatal(err)
		}
		file, header, err := r.FormFile("avatar")
		if err != nil {
			t.Fatalf("avatar field missing: %v", err)
		}
		defer func() {
			_ = file.Close()
		}()
		if header.Filename != "me.png" {
			t.Errorf("filename = %q", header.Filename)
		}
		writeJSON(t, w, http.StatusOK, dto.UploadImageResponse{
			Success:      true,
			ImageURL:     "/images/T1/me-123.png",
			Filename:     "me-123.png",
			OriginalName: header.Filename,
			Size:         int64(len(payload)),
		})
	})

	resp, err := c.UploadImage(context.Background(), "T1", "me.png", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ImageURL != "/images/T1/me-123.png" || resp.Size != int64(len(payload)) {
		t.Errorf("resp = %+v", resp)
	}
}

type fakeChart struct {
	data []json.RawMessage
}

func (f *fakeChart) SetData(data []json.RawMessage) { f.data = data }

func TestLoadAndInitialize(t *testing.T) {
	var respData []json.RawMessage
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, dto.TreeResponse{
			Success:  true,
			TreeID:   "T1",
			Data:     respData,
			Metadata: map[string]any{},
		})
	})

	// Empty document: the chart is left alone.
	chart := &fakeChart{}
	doc, err := c.LoadAndInitialize(context.Background(), "T1", chart)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Data) != 0 || chart.data != nil {
		t.Errorf("doc = %+v, chart = %+v", doc, chart)
	}

	// With content, the records reach the chart.
	respData = []json.RawMessage{json.RawMessage(`{"id":"1"}`), json.RawMessage(`{"id":"2"}`)}
	if _, err := c.LoadAndInitialize(context.Background(), "T1", chart); err != nil {
		t.Fatal(err)
	}
	if len(chart.data) != 2 {
		t.Errorf("chart received %d records, want 2", len(chart.data))
	}
}

func TestLoadTreeTrailingSlashBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/trees/T1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(dto.TreeResponse{Success: true, TreeID: "T1"})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	if _, err := c.LoadTree(context.Background(), "T1"); err != nil {
		t.Fatal(err)
	}
}
