package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"media-compressor-go/internal/apperr"
	"media-compressor-go/internal/batch"
	"media-compressor-go/internal/config"
	"media-compressor-go/internal/logger"
	"media-compressor-go/internal/progress"
	"media-compressor-go/internal/storage"
)

type stubSubmitter struct {
	mu      sync.Mutex
	files   []batch.File
	quality int
	err     error
}

func (s *stubSubmitter) Submit(files []batch.File, quality int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files, s.quality = files, quality
	if s.err != nil {
		return "", s.err
	}
	return "11111111-2222-3333-4444-555555555555", nil
}

func setupTestServer(t *testing.T) (*Server, *progress.Tracker, *storage.Store, *stubSubmitter) {
	t.Helper()
	cfg := config.DefaultConfig()
	store, err := storage.NewStore(afero.NewMemMapFs(), cfg.Storage)
	if err != nil {
		t.Fatal(err)
	}
	tracker := progress.NewTracker()
	sub := &stubSubmitter{}
	return NewServer(cfg, logger.Discard(), tracker, store, sub), tracker, store, sub
}

func multipartBody(t *testing.T, quality string, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte("content of " + name))
	}
	if quality != "" {
		writer.WriteField("quality", quality)
	}
	writer.Close()
	return &buf, writer.FormDataContentType()
}

func TestCompressMultipleDefaultsQuality(t *testing.T) {
	srv, _, _, sub := setupTestServer(t)
	body, ct := multipartBody(t, "", "a.jpg", "b.mp4")

	req := httptest.NewRequest("POST", "/compress-multiple", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if len(resp["task_id"]) != 36 {
		t.Errorf("task_id should be a UUID, got %q", resp["task_id"])
	}
	if sub.quality != 85 {
		t.Errorf("quality = %d, want default 85", sub.quality)
	}
	if len(sub.files) != 2 || sub.files[0].Name != "a.jpg" || string(sub.files[1].Content) != "content of b.mp4" {
		t.Errorf("submitted files = %+v", sub.files)
	}
}

func TestCompressMultipleParsesQuality(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"42", 42},
		{"050", 50},
		{"08", 8},
		{" 100 ", 100},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			srv, _, _, sub := setupTestServer(t)
			body, ct := multipartBody(t, tt.raw, "a.jpg")

			req := httptest.NewRequest("POST", "/compress-multiple", body)
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusOK || sub.quality != tt.want {
				t.Errorf("status %d quality %d, want 200 and %d", w.Code, sub.quality, tt.want)
			}
		})
	}
}

func TestCompressMultipleRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name    string
		quality string
		err     error
		want    string
	}{
		{"non numeric quality", "high", nil, "Invalid quality"},
		{"hex quality", "0x50", nil, "Invalid quality"},
		{"signed quality", "+50", nil, "Invalid quality"},
		{"fractional quality", "50.0", nil, "Invalid quality"},
		{"validation error", "0", &apperr.ValidationError{Field: "quality", Reason: "must be between 1 and 100, got 0"}, "quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, tracker, _, sub := setupTestServer(t)
			sub.err = tt.err
			body, ct := multipartBody(t, tt.quality, "a.jpg")

			req := httptest.NewRequest("POST", "/compress-multiple", body)
			req.Header.Set("Content-Type", ct)
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", w.Code)
			}
			var resp APIResponse
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.Success || !strings.Contains(resp.Error, tt.want) {
				t.Errorf("response = %+v", resp)
			}
			if tracker.Len() != 0 {
				t.Error("job created for rejected request")
			}
		})
	}
}

func TestCompressMultipleNotMultipart(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	req := httptest.NewRequest("POST", "/compress-multiple", strings.NewReader(`{"files":[]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestCompressMultipleSubmitFailure(t *testing.T) {
	srv, _, _, sub := setupTestServer(t)
	sub.err = errors.New("orchestrator stopped")
	body, ct := multipartBody(t, "", "a.jpg")

	req := httptest.NewRequest("POST", "/compress-multiple", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

func TestProgress(t *testing.T) {
	srv, tracker, _, _ := setupTestServer(t)
	_ = tracker.Create("job-1", 3)
	_ = tracker.RecordFailure("job-1", "x.txt: unsupported file type: .txt")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/compression-progress/job-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"task_id", "start_time", "total_files", "processed_files", "total_size",
		"processed_size", "current_file", "status", "errors", "finished"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("progress response missing %q", key)
		}
	}
	if _, ok := raw["zip_id"]; ok {
		t.Error("zip_id should be omitted while unset")
	}
	if raw["processed_files"].(float64) != 1 || len(raw["errors"].([]interface{})) != 1 {
		t.Errorf("response = %v", raw)
	}
}

func TestProgressUnknownTask(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/compression-progress/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
	var resp APIResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "Task not found" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestDownloadZip(t *testing.T) {
	srv, _, store, _ := setupTestServer(t)
	id, path := store.NewArchivePath()
	if err := afero.WriteFile(store.Fs(), path, []byte("PK-archive"), 0644); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/download-zip/"+id, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="`+id+`"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if w.Body.String() != "PK-archive" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestDownloadZipFallbackName(t *testing.T) {
	srv, _, store, _ := setupTestServer(t)
	path := filepath.Join(store.Dir(storage.RoleArchives), "legacy.zip")
	afero.WriteFile(store.Fs(), path, []byte("zip"), 0644)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/download-zip/legacy.zip", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "compressed_files.zip") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestDownloadZipNotFound(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	for _, id := range []string{"compressed_files_missing.zip", ".hidden"} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/download-zip/"+id, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", id, w.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	srv, tracker, _, _ := setupTestServer(t)
	_ = tracker.Create("a", 1)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Status string `json:"status"`
			Jobs   int    `json:"jobs"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Data.Status != "ok" || resp.Data.Jobs != 1 {
		t.Errorf("health = %+v", resp)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/compress-multiple", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestWebSocketProgress(t *testing.T) {
	srv, tracker, _, _ := setupTestServer(t)
	_ = tracker.Create("job-ws", 1)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress/job-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	go func() {
		_ = tracker.RecordSuccess("job-ws", 10)
		_ = tracker.Finish("job-ws", progress.StatusCompleted, "compressed_files_x.zip")
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last progress.JobView
	for !last.Finished {
		if err := conn.ReadJSON(&last); err != nil {
			t.Fatalf("read: %v (last %+v)", err, last)
		}
	}
	if last.Status != progress.StatusCompleted || last.ZipID != "compressed_files_x.zip" || last.ProcessedFiles != 1 {
		t.Errorf("final view = %+v", last)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestWebSocketUnknownTask(t *testing.T) {
	srv, _, _, _ := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v", resp)
	}
}
