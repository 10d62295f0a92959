package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition can happen without an
// explicit retry.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Outcome classifies what Submit did with an upload.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeCacheHit   Outcome = "cache_hit"
	OutcomeStoreHit   Outcome = "store_hit"
	OutcomeInProgress Outcome = "in_progress"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrWrongStatus is returned by ConditionalUpdate when the record is not
	// in any of the expected states. The transition is rejected, nothing is
	// written.
	ErrWrongStatus = errors.New("job not in expected status")
)

// Record is the durable description of one submission's lifecycle. The
// identity (content hash) is the primary key; at most one record exists per
// identity at any time.
type Record struct {
	Identity  string          `json:"identity"`
	Status    Status          `json:"status"`
	BlobRef   string          `json:"blob_ref,omitempty"`
	Filename  string          `json:"filename,omitempty"`
	SizeBytes int64           `json:"size_bytes,omitempty"`
	AttemptID string          `json:"attempt_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// New creates a pending record for an upload. blobRef points at the stored
// raw bytes and never changes afterwards.
func New(identity, blobRef, filename string, size int64) *Record {
	now := time.Now().UTC()
	return &Record{
		Identity:  identity,
		Status:    StatusPending,
		BlobRef:   blobRef,
		Filename:  filename,
		SizeBytes: size,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy safe to hand out while the original keeps mutating
// under store locks.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Result != nil {
		cp.Result = append(json.RawMessage{}, r.Result...)
	}
	return &cp
}

// Summary is the shape returned by list endpoints: everything except the
// (potentially large) result payload.
type Summary struct {
	Identity  string    `json:"identity"`
	Status    Status    `json:"status"`
	Filename  string    `json:"filename,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) Summarize() Summary {
	return Summary{
		Identity:  r.Identity,
		Status:    r.Status,
		Filename:  r.Filename,
		SizeBytes: r.SizeBytes,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
