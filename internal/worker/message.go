// Package worker runs heavy job steps in an isolated process and carries the
// newline-delimited JSON protocol between that process and its parent.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

// Kind is the value of a message's "message" field: either a step name or
// one of the control kinds below.
type Kind string

const (
	KindKill                 Kind = "KILL"
	KindLog                  Kind = "LOG"
	KindDataSync             Kind = "DATA_SYNC"
	KindDataSyncKill         Kind = "DATA_SYNC_KILL"
	KindImportError          Kind = "IMPORT_ERROR"
	KindTelemetryImportError Kind = "TELEMETRY_IMPORT_ERROR"
)

// IsStep reports whether k names a pipeline step rather than a control kind.
func (k Kind) IsStep() bool {
	switch k {
	case "", KindKill, KindLog, KindDataSync, KindDataSyncKill, KindImportError, KindTelemetryImportError:
		return false
	}
	return true
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) AppError() *apperror.AppError {
	return apperror.New(apperror.Code(e.Code), e.Message)
}

// Message is one protocol frame. Every step transition carries a complete
// copy of the job snapshot; the receiver owns it until it replies.
type Message struct {
	Kind     Kind            `json:"message"`
	Snapshot json.RawMessage `json:"contentImportData,omitempty"`
	Err      *Error          `json:"err,omitempty"`
	Log      string          `json:"log,omitempty"`
}

// NewMessage encodes snapshot into a message of the given kind.
func NewMessage(kind Kind, snapshot any) (Message, error) {
	m := Message{Kind: kind}
	if snapshot == nil {
		return m, nil
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return m, fmt.Errorf("encode %s snapshot: %w", kind, err)
	}
	m.Snapshot = b
	return m, nil
}

// Decode unmarshals the snapshot into v. An empty snapshot leaves v as is.
func (m Message) Decode(v any) error {
	if len(m.Snapshot) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Snapshot, v); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", m.Kind, err)
	}
	return nil
}

func errorFrom(err error) *Error {
	return &Error{Code: string(apperror.CodeOf(err)), Message: err.Error()}
}
