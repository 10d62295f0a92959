package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/weathervane/coordinator/internal/analysis"
	"github.com/weathervane/coordinator/internal/blob"
	"github.com/weathervane/coordinator/internal/cache"
	"github.com/weathervane/coordinator/internal/executor"
	"github.com/weathervane/coordinator/internal/identity"
	"github.com/weathervane/coordinator/internal/job"
)

// TaskExecutor is what the coordinator needs from the async runner.
type TaskExecutor interface {
	Enqueue(identity, blobRef string) (attemptID string, err error)
	Cancel(identity string)
}

// EventFunc receives every observable status transition. Used by the
// websocket event stream; may be nil.
type EventFunc func(rec *job.Record)

// Coordinator owns admission, dedup and lifecycle tracking for analysis
// jobs. It holds no per-job state of its own: correctness under concurrent
// submissions comes from conditional writes on the record store, so several
// coordinator instances can share one store.
type Coordinator struct {
	records job.RecordStore
	cache   *cache.Cache
	blobs   *blob.Store
	exec    TaskExecutor
	logger  *slog.Logger
	waiters *waiters
	onEvent EventFunc
}

func New(records job.RecordStore, c *cache.Cache, blobs *blob.Store, exec TaskExecutor, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		records: records,
		cache:   c,
		blobs:   blobs,
		exec:    exec,
		logger:  logger,
		waiters: newWaiters(),
	}
}

// SetEventHook installs a transition observer. Must be called before the
// notification loop starts.
func (c *Coordinator) SetEventHook(fn EventFunc) {
	c.onEvent = fn
}

// SubmitResult reports what Submit did with an upload. Record carries the
// full result payload on cache and store hits.
type SubmitResult struct {
	Identity string
	Outcome  job.Outcome
	Record   *job.Record
}

// Submit admits uploaded bytes: it computes the content identity, reuses
// prior work when possible and schedules a new analysis otherwise.
//
// A fast-cache hit is served without consulting the record store; Delete
// invalidates the cache synchronously, which bounds the staleness window to
// requests already in flight.
func (c *Coordinator) Submit(ctx context.Context, content []byte, filename string) (*SubmitResult, error) {
	id, err := identity.FromBytes(content)
	if err != nil {
		return nil, err
	}

	if data, ok := c.cache.Get(id); ok {
		if rec := decodeRecord(data); rec != nil {
			c.logger.Info("submit cache hit", "identity", id)
			return &SubmitResult{Identity: id, Outcome: job.OutcomeCacheHit, Record: rec}, nil
		}
		c.cache.Invalidate(id)
	}

	rec, err := c.records.Get(id)
	if err == nil {
		return c.resolveExisting(id, rec)
	}
	if !errors.Is(err, job.ErrNotFound) {
		return nil, fmt.Errorf("result store: %w", err)
	}

	// Miss: persist the blob first (write-once, so losing the record race
	// below leaves nothing inconsistent behind), then try to claim the
	// identity with a conditional create.
	ref := blob.Ref(id, filepath.Ext(filename))
	if _, err := c.blobs.Put(ref, content); err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}

	created, existing, err := c.records.CreateIfAbsent(id, job.New(id, ref, filename, int64(len(content))))
	if err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}
	if !created {
		// Lost the race to a concurrent identical upload.
		return c.resolveExisting(id, existing)
	}

	if err := c.enqueue(id, ref); err != nil {
		// Unwind the record so the submission stays all-or-nothing.
		if delErr := c.records.Delete(id); delErr != nil {
			c.logger.Error("rollback after enqueue failure", "identity", id, "error", delErr)
		}
		return nil, err
	}

	c.logger.Info("job accepted", "identity", id, "filename", filename, "size", len(content))
	return &SubmitResult{Identity: id, Outcome: job.OutcomeAccepted}, nil
}

// resolveExisting maps an already-present record onto a submission outcome.
func (c *Coordinator) resolveExisting(id string, rec *job.Record) (*SubmitResult, error) {
	switch rec.Status {
	case job.StatusPending, job.StatusRunning:
		return &SubmitResult{Identity: id, Outcome: job.OutcomeInProgress, Record: rec}, nil

	case job.StatusSuccess:
		if data, err := json.Marshal(rec); err == nil {
			c.cache.Set(id, data)
		}
		return &SubmitResult{Identity: id, Outcome: job.OutcomeStoreHit, Record: rec}, nil

	case job.StatusFailed:
		updated, err := c.retryFailed(id, rec.BlobRef)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			// Someone else already moved the record; report theirs.
			cur, err := c.records.Get(id)
			if err != nil {
				return nil, fmt.Errorf("result store: %w", err)
			}
			return c.resolveExisting(id, cur)
		}
		return &SubmitResult{Identity: id, Outcome: job.OutcomeAccepted, Record: updated}, nil
	}

	return nil, fmt.Errorf("record %s has unknown status %q", id, rec.Status)
}

// retryFailed flips FAILED back to PENDING and re-enqueues. Returns nil
// (no error) when another caller won the flip.
func (c *Coordinator) retryFailed(id, blobRef string) (*job.Record, error) {
	updated, err := c.records.ConditionalUpdate(id, []job.Status{job.StatusFailed}, func(r *job.Record) {
		r.Status = job.StatusPending
		r.Error = ""
		r.Result = nil
		r.AttemptID = ""
	})
	if errors.Is(err, job.ErrWrongStatus) || errors.Is(err, job.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}

	if err := c.enqueue(id, blobRef); err != nil {
		if _, uerr := c.records.ConditionalUpdate(id, []job.Status{job.StatusPending}, func(r *job.Record) {
			r.Status = job.StatusFailed
			r.Error = err.Error()
		}); uerr != nil {
			c.logger.Error("restore failed status after enqueue failure", "identity", id, "error", uerr)
		}
		return nil, err
	}

	c.logger.Info("job retry accepted", "identity", id)
	return updated, nil
}

func (c *Coordinator) enqueue(id, blobRef string) error {
	if _, err := c.exec.Enqueue(id, blobRef); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Retry re-runs a FAILED job without re-uploading its bytes.
func (c *Coordinator) Retry(ctx context.Context, id string) (*job.Record, error) {
	rec, err := c.records.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != job.StatusFailed {
		return rec, job.ErrWrongStatus
	}

	updated, err := c.retryFailed(id, rec.BlobRef)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return c.records.Get(id)
	}
	return updated, nil
}

// GetStatus returns the current record snapshot. The cache is consulted
// first; it only ever holds SUCCESS snapshots, which are complete answers.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (*job.Record, error) {
	if data, ok := c.cache.Get(id); ok {
		if rec := decodeRecord(data); rec != nil {
			return rec, nil
		}
		c.cache.Invalidate(id)
	}
	return c.records.Get(id)
}

// WaitStatus blocks until the job reaches a terminal status, the wait
// elapses, or ctx is canceled. On timeout the current (non-terminal)
// snapshot is returned; caller disconnect never affects the job itself.
func (c *Coordinator) WaitStatus(ctx context.Context, id string, wait time.Duration) (*job.Record, error) {
	rec, err := c.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	ch := c.waiters.add(id)
	defer c.waiters.remove(id, ch)

	// Re-check after registering: the terminal transition may have slipped
	// in between the first read and the waiter registration.
	if cur, err := c.records.Get(id); err == nil && cur.Status.Terminal() {
		return cur, nil
	} else if errors.Is(err, job.ErrNotFound) {
		return nil, job.ErrNotFound
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case got := <-ch:
		if got == nil {
			return nil, job.ErrNotFound
		}
		return got, nil
	case <-timer.C:
		return c.GetStatus(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Delete removes a job: cache entry, record, blob, and a best-effort cancel
// of in-flight work. Late notifications for the identity become no-ops.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	rec, err := c.records.Get(id)
	if err != nil {
		return err
	}

	c.cache.Invalidate(id)
	c.exec.Cancel(id)

	if err := c.records.Delete(id); err != nil {
		return err
	}
	if rec.BlobRef != "" {
		if err := c.blobs.Delete(rec.BlobRef); err != nil && !errors.Is(err, blob.ErrNotFound) {
			c.logger.Error("delete blob", "identity", id, "blob_ref", rec.BlobRef, "error", err)
		}
	}

	c.waiters.notify(id, nil)
	c.logger.Info("job deleted", "identity", id)
	return nil
}

func (c *Coordinator) ListRecent(ctx context.Context, limit int) ([]job.Summary, error) {
	recs, err := c.records.ListRecent(limit)
	if err != nil {
		return nil, err
	}
	out := make([]job.Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summarize())
	}
	return out, nil
}

func (c *Coordinator) Stats() (pending, running, success, failed int) {
	return c.records.Stats()
}

// Run consumes executor notifications until ctx is done. Notifications can
// arrive duplicated or reordered; every handler tolerates that.
func (c *Coordinator) Run(ctx context.Context, notes <-chan executor.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes:
			c.dispatch(n)
		}
	}
}

func (c *Coordinator) dispatch(n executor.Notification) {
	switch n.Type {
	case executor.TaskStarted:
		c.OnTaskStarted(n.Identity, n.AttemptID)
	case executor.TaskCompleted:
		c.OnTaskCompleted(n.Identity, n.Result)
	case executor.TaskFailed:
		c.OnTaskFailed(n.Identity, n.Error)
	default:
		c.logger.Error("unknown notification type", "type", n.Type, "identity", n.Identity)
	}
}

// OnTaskStarted moves PENDING to RUNNING. A stale or duplicate start for a
// record that already moved on is logged and ignored.
func (c *Coordinator) OnTaskStarted(id, attemptID string) {
	rec, err := c.records.ConditionalUpdate(id, []job.Status{job.StatusPending}, func(r *job.Record) {
		r.Status = job.StatusRunning
		r.AttemptID = attemptID
	})
	if err != nil {
		c.logger.Debug("ignoring start notification", "identity", id, "error", err)
		return
	}
	c.emit(rec)
}

// OnTaskCompleted records a result and moves the job to SUCCESS. Idempotent:
// a redelivered completion overwrites a SUCCESS record with the same content.
// A completion for a FAILED or deleted record is discarded.
func (c *Coordinator) OnTaskCompleted(id string, res *analysis.Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		c.logger.Error("marshal result", "identity", id, "error", err)
		return
	}

	expect := []job.Status{job.StatusPending, job.StatusRunning, job.StatusSuccess}
	rec, err := c.records.ConditionalUpdate(id, expect, func(r *job.Record) {
		r.Status = job.StatusSuccess
		r.Result = raw
		r.Error = ""
	})
	if err != nil {
		c.logger.Debug("ignoring completion notification", "identity", id, "error", err)
		return
	}

	if data, err := json.Marshal(rec); err == nil {
		c.cache.Set(id, data)
	}

	c.logger.Info("job completed", "identity", id)
	c.waiters.notify(id, rec)
	c.emit(rec)
}

// OnTaskFailed records the error and moves the job to FAILED. SUCCESS is
// never left: a late failure for a completed record is discarded.
func (c *Coordinator) OnTaskFailed(id, errMsg string) {
	expect := []job.Status{job.StatusPending, job.StatusRunning, job.StatusFailed}
	rec, err := c.records.ConditionalUpdate(id, expect, func(r *job.Record) {
		r.Status = job.StatusFailed
		r.Error = errMsg
		r.Result = nil
	})
	if err != nil {
		c.logger.Debug("ignoring failure notification", "identity", id, "error", err)
		return
	}

	c.logger.Info("job failed", "identity", id, "error", errMsg)
	c.waiters.notify(id, rec)
	c.emit(rec)
}

func (c *Coordinator) emit(rec *job.Record) {
	if c.onEvent != nil {
		c.onEvent(rec)
	}
}

func decodeRecord(data []byte) *job.Record {
	var rec job.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}
