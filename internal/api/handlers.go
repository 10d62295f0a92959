package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weathervane/coordinator/internal/config"
	"github.com/weathervane/coordinator/internal/coordinator"
	"github.com/weathervane/coordinator/internal/identity"
	"github.com/weathervane/coordinator/internal/job"
	"github.com/weathervane/coordinator/internal/ws"
)

var startTime = time.Now()

// allowedExts mirrors what the analyzer can read. .xls uploads are accepted
// here and rejected by the analyzer, so the failure is recorded on the job
// instead of silently bouncing the upload.
var allowedExts = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".xls":  true,
}

type Handlers struct {
	cfg   *config.Config
	coord *coordinator.Coordinator
	ws    *ws.Server
}

func NewHandlers(cfg *config.Config, coord *coordinator.Coordinator, wsServer *ws.Server) *Handlers {
	return &Handlers{cfg: cfg, coord: coord, ws: wsServer}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	pending, running, success, failed := h.coord.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs": map[string]int{
			"pending": pending,
			"running": running,
			"success": success,
			"failed":  failed,
		},
		"event_clients": h.ws.ClientCount(),
	})
}

type submitResponse struct {
	Identity string          `json:"identity"`
	Outcome  job.Outcome     `json:"outcome"`
	Status   job.Status      `json:"status"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// Upload accepts a multipart dataset under the "file" field and admits it
// for analysis. Identical bytes map to the same job no matter how often
// they are uploaded.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExts[ext] {
		writeError(w, http.StatusBadRequest, "unsupported file type, expected .csv, .xlsx or .xls")
		return
	}

	content, err := io.ReadAll(file)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	res, err := h.coord.Submit(r.Context(), content, header.Filename)
	if err != nil {
		if errors.Is(err, identity.ErrEmptyContent) {
			writeError(w, http.StatusBadRequest, "uploaded file is empty")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := submitResponse{Identity: res.Identity, Outcome: res.Outcome}
	switch res.Outcome {
	case job.OutcomeAccepted:
		resp.Status = job.StatusPending
		writeJSON(w, http.StatusAccepted, resp)
	case job.OutcomeInProgress:
		resp.Status = res.Record.Status
		writeJSON(w, http.StatusConflict, resp)
	default: // cache or store hit
		resp.Status = res.Record.Status
		resp.Result = res.Record.Result
		writeJSON(w, http.StatusOK, resp)
	}
}

// GetJob returns the job record. An optional wait parameter (a duration,
// e.g. wait=10s) long-polls until the job is terminal or the wait elapses.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !identity.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid job identity")
		return
	}

	var rec *job.Record
	var err error
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		if wait > h.cfg.MaxStatusWait {
			wait = h.cfg.MaxStatusWait
		}
		rec, err = h.coord.WaitStatus(r.Context(), id, wait)
	} else {
		rec, err = h.coord.GetStatus(r.Context(), id)
	}

	if err != nil {
		h.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !identity.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid job identity")
		return
	}

	if err := h.coord.Delete(r.Context(), id); err != nil {
		h.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"identity": id, "status": "deleted"})
}

// RetryJob re-runs a failed job from its stored upload.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !identity.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid job identity")
		return
	}

	rec, err := h.coord.Retry(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrWrongStatus) {
			writeError(w, http.StatusConflict, "job is not in a failed state")
			return
		}
		h.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	jobs, err := h.coord.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": len(jobs),
		"limit": limit,
	})
}

func (h *Handlers) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away mid long-poll; nothing useful to write.
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
