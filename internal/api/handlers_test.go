package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/weathervane/coordinator/internal/blob"
	"github.com/weathervane/coordinator/internal/cache"
	"github.com/weathervane/coordinator/internal/config"
	"github.com/weathervane/coordinator/internal/coordinator"
	"github.com/weathervane/coordinator/internal/job"
	"github.com/weathervane/coordinator/internal/ws"
)

type stubExec struct {
	mu       sync.Mutex
	enqueued int
}

func (s *stubExec) Enqueue(id, blobRef string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued++
	return "attempt-1", nil
}

func (s *stubExec) Cancel(id string) {}

type apiEnv struct {
	router http.Handler
	coord  *coordinator.Coordinator
	exec   *stubExec
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	cfg := &config.Config{
		NodeID:         "test-node",
		MaxUploadBytes: 1 << 20,
		MaxStatusWait:  time.Second,
	}

	c, err := cache.New(100, time.Minute)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(c.Close)

	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create blob store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := &stubExec{}
	coord := coordinator.New(job.NewStore(), c, blobs, exec, logger)
	wsServer := ws.NewServer(logger)

	return &apiEnv{
		router: NewRouter(cfg, coord, wsServer),
		coord:  coord,
		exec:   exec,
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (e *apiEnv) upload(t *testing.T, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, filename, content)
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

var sampleCSV = []byte("date,mean_temp_C,wind_speed,humidity\n2024-01-01,10.0,5.0,40.0\n")

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
}

func TestUpload_Accepted(t *testing.T) {
	env := newAPIEnv(t)

	w := env.upload(t, "weather.csv", sampleCSV)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp["identity"]) != 64 {
		t.Errorf("expected 64-char identity, got %q", resp["identity"])
	}
	if resp["outcome"] != "accepted" {
		t.Errorf("expected accepted, got %s", resp["outcome"])
	}
	if resp["status"] != "pending" {
		t.Errorf("expected pending, got %s", resp["status"])
	}
}

func TestUpload_DuplicateInProgress(t *testing.T) {
	env := newAPIEnv(t)

	env.upload(t, "weather.csv", sampleCSV)
	w := env.upload(t, "weather.csv", sampleCSV)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if env.exec.enqueued != 1 {
		t.Errorf("expected a single enqueue, got %d", env.exec.enqueued)
	}
}

func TestUpload_CompletedServesResult(t *testing.T) {
	env := newAPIEnv(t)

	first := env.upload(t, "weather.csv", sampleCSV)
	var accepted map[string]string
	json.Unmarshal(first.Body.Bytes(), &accepted)

	env.coord.OnTaskCompleted(accepted["identity"], nil)

	w := env.upload(t, "weather.csv", sampleCSV)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "success" {
		t.Errorf("expected success, got %v", resp["status"])
	}
}

func TestUpload_UnsupportedType(t *testing.T) {
	env := newAPIEnv(t)

	w := env.upload(t, "report.pdf", []byte("%PDF-1.4"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if env.exec.enqueued != 0 {
		t.Error("rejected upload must not enqueue")
	}
}

func TestUpload_EmptyFile(t *testing.T) {
	env := newAPIEnv(t)

	w := env.upload(t, "weather.csv", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUpload_MissingFileField(t *testing.T) {
	env := newAPIEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("name", "weather")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := newAPIEnv(t)

	big := bytes.Repeat([]byte("a"), 2<<20)
	w := env.upload(t, "weather.csv", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	env := newAPIEnv(t)

	first := env.upload(t, "weather.csv", sampleCSV)
	var accepted map[string]string
	json.Unmarshal(first.Body.Bytes(), &accepted)
	id := accepted["identity"]

	req := httptest.NewRequest("GET", "/api/jobs/"+id, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var rec job.Record
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Identity != id || rec.Status != job.StatusPending {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestGetJob_InvalidIdentity(t *testing.T) {
	env := newAPIEnv(t)

	req := httptest.NewRequest("GET", "/api/jobs/not-a-hash", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	id := "0000000000000000000000000000000000000000000000000000000000000000"
	req := httptest.NewRequest("GET", "/api/jobs/"+id, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetJob_BadWaitParam(t *testing.T) {
	env := newAPIEnv(t)

	first := env.upload(t, "weather.csv", sampleCSV)
	var accepted map[string]string
	json.Unmarshal(first.Body.Bytes(), &accepted)

	req := httptest.NewRequest("GET", "/api/jobs/"+accepted["identity"]+"?wait=soon", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetJob_WaitReturnsTerminal(t *testing.T) {
	env := newAPIEnv(t)

	first := env.upload(t, "weather.csv", sampleCSV)
	var accepted map[string]string
	json.Unmarshal(first.Body.Bytes(), &accepted)
	id := accepted["identity"]

	go func() {
		time.Sleep(20 * time.Millisecond)
		env.coord.OnTaskCompleted(id, nil)
	}()

	req := httptest.NewRequest("GET", "/api/jobs/"+id+"?wait=2s", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rec job.Record
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Status != job.StatusSuccess {
		t.Errorf("expected success after wait, got %s", rec.Status)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newAPIEnv(t)

	first := env.upload(t, "weather.csv", sampleCSV)
	var accepted map[string]string
	json.Unmarshal(first.Body.Bytes(), &accepted)
	id := accepted["identity"]

	req := httptest.NewRequest("DELETE", "/api/jobs/"+id, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/jobs/"+id, nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}

func TestRetryJob(t *testing.T) {
	env := newAPIEnv(t)

	first := env.upload(t, "weather.csv", sampleCSV)
	var accepted map[string]string
	json.Unmarshal(first.Body.Bytes(), &accepted)
	id := accepted["identity"]

	// Retrying a pending job is a conflict.
	req := httptest.NewRequest("POST", "/api/jobs/"+id+"/retry", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for pending retry, got %d", w.Code)
	}

	env.coord.OnTaskFailed(id, "timeout")

	req = httptest.NewRequest("POST", "/api/jobs/"+id+"/retry", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var rec job.Record
	json.Unmarshal(w.Body.Bytes(), &rec)
	if rec.Status != job.StatusPending {
		t.Errorf("expected pending after retry, got %s", rec.Status)
	}
	if env.exec.enqueued != 2 {
		t.Errorf("expected re-enqueue, got %d", env.exec.enqueued)
	}
}

func TestListJobs(t *testing.T) {
	env := newAPIEnv(t)

	env.upload(t, "a.csv", sampleCSV)
	other := append(append([]byte{}, sampleCSV...), []byte("2024-01-02,12.0,6.0,44.0\n")...)
	env.upload(t, "b.csv", other)

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	jobs := resp["jobs"].([]any)
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestStats(t *testing.T) {
	env := newAPIEnv(t)

	env.upload(t, "weather.csv", sampleCSV)

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["node_id"] != "test-node" {
		t.Errorf("expected test-node, got %v", resp["node_id"])
	}
	jobs := resp["jobs"].(map[string]any)
	if jobs["pending"].(float64) != 1 {
		t.Errorf("expected 1 pending, got %v", jobs["pending"])
	}
}
