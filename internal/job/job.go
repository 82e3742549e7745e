package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeImport   Type = "IMPORT"
	TypeDownload Type = "DOWNLOAD"
	TypeExport   Type = "EXPORT"
)

type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusPausing    Status = "PAUSING"
	StatusResuming   Status = "RESUMING"
	StatusCanceling  Status = "CANCELING"
	StatusCanceled   Status = "CANCELED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusReconcile  Status = "RECONCILE"
)

// Terminal reports whether no further work will happen without an explicit
// retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// Active lists statuses that still hold a claim on their source.
var Active = []Status{
	StatusInQueue, StatusInProgress, StatusPaused, StatusPausing,
	StatusResuming, StatusCanceling, StatusReconcile,
}

type Transition struct {
	From Status
	To   Status
}

var ValidTransitions = []Transition{
	{From: StatusInQueue, To: StatusInProgress},
	{From: StatusInQueue, To: StatusPaused},
	{From: StatusInQueue, To: StatusCanceled},
	{From: StatusInProgress, To: StatusPausing},
	{From: StatusInProgress, To: StatusPaused},
	{From: StatusInProgress, To: StatusCanceling},
	{From: StatusInProgress, To: StatusCanceled},
	{From: StatusInProgress, To: StatusCompleted},
	{From: StatusInProgress, To: StatusFailed},
	{From: StatusPausing, To: StatusPaused},
	{From: StatusPausing, To: StatusFailed},
	{From: StatusPaused, To: StatusResuming},
	{From: StatusPaused, To: StatusCanceled},
	{From: StatusResuming, To: StatusInProgress},
	{From: StatusResuming, To: StatusPaused},
	{From: StatusResuming, To: StatusCanceled},
	{From: StatusReconcile, To: StatusInProgress},
	{From: StatusReconcile, To: StatusPaused},
	{From: StatusReconcile, To: StatusCanceled},
	{From: StatusCanceling, To: StatusCanceled},
	{From: StatusCanceling, To: StatusFailed},
	{From: StatusFailed, To: StatusInQueue},
}

func IsValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Record is the persisted representation of one task.
type Record struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
	Name string `json:"name"`
	// Group identifies the work source (ecar path, content id) so duplicate
	// registrations can be detected.
	Group        string          `json:"group,omitempty"`
	Status       Status          `json:"status"`
	Progress     float64         `json:"progress"`
	CreatedOn    time.Time       `json:"createdOn"`
	UpdatedOn    time.Time       `json:"updatedOn"`
	FailedCode   string          `json:"failedCode,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	MetaData     json.RawMessage `json:"metaData,omitempty"`
}

func NewRecord(t Type, name, group string, meta any) (*Record, error) {
	r := &Record{
		ID:     uuid.NewString(),
		Type:   t,
		Name:   name,
		Group:  group,
		Status: StatusInQueue,
	}
	if err := r.SetMeta(meta); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Record) SetMeta(meta any) error {
	if meta == nil {
		r.MetaData = nil
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode job metadata: %w", err)
	}
	r.MetaData = b
	return nil
}

func (r *Record) DecodeMeta(v any) error {
	if len(r.MetaData) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.MetaData, v); err != nil {
		return fmt.Errorf("decode job metadata: %w", err)
	}
	return nil
}

// Transition moves the record to status to, refusing moves the state
// machine does not allow.
func (r *Record) Transition(to Status) error {
	if !IsValidTransition(r.Status, to) {
		return fmt.Errorf("job %s: invalid status transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	if to != StatusFailed {
		r.FailedCode = ""
		r.FailedReason = ""
	}
	return nil
}

// Fail marks the record failed with a code and reason.
func (r *Record) Fail(code, reason string) {
	r.Status = StatusFailed
	r.FailedCode = code
	r.FailedReason = reason
}

func (r *Record) Clone() *Record {
	cp := *r
	if r.MetaData != nil {
		cp.MetaData = append(json.RawMessage(nil), r.MetaData...)
	}
	return &cp
}
