package job

import "context"

// Executor drives one job through its type's state machine. Start and Resume
// return once the job is running; the outcome is reported through the
// DoneFunc given to the Factory. Pause and Cancel return false when the
// current step cannot be interrupted.
type Executor interface {
	Start(ctx context.Context) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context) (bool, error)
	Cancel(ctx context.Context) (bool, error)
}

// DoneFunc is called exactly once per executor run with the final record.
type DoneFunc func(err error, rec *Record)

type Factory func(rec *Record, done DoneFunc) (Executor, error)

// Handler describes how the manager runs one job type.
type Handler struct {
	Factory     Factory
	Concurrency int
}
