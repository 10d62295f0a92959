package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/weathervane/coordinator/internal/analysis"
	"github.com/weathervane/coordinator/internal/blob"
)

// ErrQueueFull is returned by Enqueue when the task buffer is saturated.
// Submit surfaces it to the caller as a retryable failure.
var ErrQueueFull = errors.New("executor queue full")

type NotificationType string

const (
	TaskStarted   NotificationType = "started"
	TaskCompleted NotificationType = "completed"
	TaskFailed    NotificationType = "failed"
)

// Notification is the typed message a worker sends back to the coordinator.
// Delivery is at-least-once from the coordinator's point of view; consumers
// must tolerate duplicates and reordering.
type Notification struct {
	Type      NotificationType
	Identity  string
	AttemptID string
	Result    *analysis.Result
	Error     string
}

// AnalyzeFunc is the opaque unit of work executed per job.
type AnalyzeFunc func(ctx context.Context, content []byte) (*analysis.Result, error)

type task struct {
	identity  string
	blobRef   string
	attemptID string
}

// Executor runs analysis tasks on a fixed worker pool. Work arrives through
// Enqueue, outcomes leave through the Notifications channel.
type Executor struct {
	blobs   *blob.Store
	analyze AnalyzeFunc
	logger  *slog.Logger

	tasks chan task
	notes chan Notification

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func New(blobs *blob.Store, analyze AnalyzeFunc, queueSize int, logger *slog.Logger) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Executor{
		blobs:    blobs,
		analyze:  analyze,
		logger:   logger,
		tasks:    make(chan task, queueSize),
		notes:    make(chan Notification, queueSize),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool. Workers exit when ctx is done.
func (e *Executor) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go e.workerLoop(ctx, i)
	}
}

// Enqueue schedules one analysis attempt and returns its attempt ID. It
// never blocks: a full queue is an error the caller sees immediately.
func (e *Executor) Enqueue(identity, blobRef string) (string, error) {
	t := task{identity: identity, blobRef: blobRef, attemptID: uuid.NewString()}
	select {
	case e.tasks <- t:
		return t.attemptID, nil
	default:
		return "", ErrQueueFull
	}
}

// Cancel aborts the in-flight attempt for an identity, if any. Best-effort:
// a task still sitting in the queue will run and fail against the (by then
// deleted) record, which the coordinator discards.
func (e *Executor) Cancel(identity string) {
	e.mu.Lock()
	cancel, ok := e.inflight[identity]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Notifications is the channel the coordinator consumes.
func (e *Executor) Notifications() <-chan Notification {
	return e.notes
}

func (e *Executor) workerLoop(ctx context.Context, id int) {
	e.logger.Debug("executor worker started", "worker", id)
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("executor worker stopping", "worker", id)
			return
		case t := <-e.tasks:
			e.run(ctx, t)
		}
	}
}

func (e *Executor) run(ctx context.Context, t task) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.inflight[t.identity] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, t.identity)
		e.mu.Unlock()
	}()

	e.emit(ctx, Notification{Type: TaskStarted, Identity: t.identity, AttemptID: t.attemptID})

	content, err := e.blobs.Get(t.blobRef)
	if err != nil {
		e.logger.Error("blob read failed", "identity", t.identity, "blob_ref", t.blobRef, "error", err)
		e.emit(ctx, Notification{Type: TaskFailed, Identity: t.identity, AttemptID: t.attemptID, Error: err.Error()})
		return
	}

	res, err := e.analyze(taskCtx, content)
	if err != nil {
		e.logger.Info("analysis failed", "identity", t.identity, "attempt_id", t.attemptID, "error", err)
		e.emit(ctx, Notification{Type: TaskFailed, Identity: t.identity, AttemptID: t.attemptID, Error: err.Error()})
		return
	}

	e.emit(ctx, Notification{Type: TaskCompleted, Identity: t.identity, AttemptID: t.attemptID, Result: res})
}

func (e *Executor) emit(ctx context.Context, n Notification) {
	select {
	case e.notes <- n:
	case <-ctx.Done():
	}
}
