package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

// Reporter lets a running step talk to the parent without ending the step.
type Reporter interface {
	// Sync sends the current snapshot as DATA_SYNC.
	Sync(snapshot any) error
	Log(msg string)
	// Telemetry reports a non-fatal error as TELEMETRY_IMPORT_ERROR.
	Telemetry(err error)
}

// Handler runs one step. It returns the message that continues the pipeline,
// normally the next step with the updated snapshot. When ctx is cancelled by
// a KILL it must return promptly with its last consistent snapshot.
type Handler func(ctx context.Context, in Message, rep Reporter) (Message, error)

// Registry maps step names to handlers.
type Registry map[Kind]Handler

type reporter struct {
	enc  *Encoder
	last chan Message
}

func (r *reporter) Sync(snapshot any) error {
	m, err := NewMessage(KindDataSync, snapshot)
	if err != nil {
		return err
	}
	select {
	case <-r.last:
	default:
	}
	r.last <- m
	return r.enc.Encode(m)
}

func (r *reporter) Log(msg string) {
	slog.Info(msg)
	_ = r.enc.Encode(Message{Kind: KindLog, Log: msg})
}

func (r *reporter) Telemetry(err error) {
	slog.Warn("worker: step error", "error", err)
	_ = r.enc.Encode(Message{Kind: KindTelemetryImportError, Err: errorFrom(err)})
}

type result struct {
	in  Message
	out Message
	err error
}

// Serve reads step messages from r and writes replies to w until input ends
// or a KILL has been acknowledged. Steps run one at a time.
func Serve(ctx context.Context, r io.Reader, w io.Writer, reg Registry) error {
	enc := NewEncoder(w)
	dec := NewDecoder(r)

	incoming := make(chan Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(incoming)
		for {
			m, err := dec.Decode()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case incoming <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		cancelStep context.CancelFunc
		results    = make(chan result, 1)
		rep        *reporter
		current    Message
		killed     bool
	)
	busy := func() bool { return cancelStep != nil }

	for {
		select {
		case <-ctx.Done():
			if busy() {
				cancelStep()
				<-results
			}
			return ctx.Err()

		case res := <-results:
			cancelStep()
			cancelStep = nil
			if killed {
				snap := res.out.Snapshot
				if len(snap) == 0 {
					snap = lastSync(rep, res.in)
				}
				return enc.Encode(Message{Kind: KindDataSyncKill, Snapshot: snap})
			}
			if res.err != nil {
				if err := enc.Encode(Message{Kind: KindImportError, Snapshot: res.out.Snapshot, Err: errorFrom(res.err)}); err != nil {
					return err
				}
				continue
			}
			if err := enc.Encode(res.out); err != nil {
				return err
			}

		case m, ok := <-incoming:
			if !ok {
				if busy() {
					cancelStep()
					<-results
				}
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			switch {
			case m.Kind == KindKill:
				if !busy() {
					return enc.Encode(Message{Kind: KindDataSyncKill})
				}
				killed = true
				cancelStep()
			case !m.Kind.IsStep():
				slog.Warn("worker: ignoring control message", "kind", m.Kind)
			case busy():
				slog.Warn("worker: step already running", "running", current.Kind, "requested", m.Kind)
			default:
				h, found := reg[m.Kind]
				if !found {
					if err := enc.Encode(Message{
						Kind:     KindImportError,
						Snapshot: m.Snapshot,
						Err:      &Error{Code: string(apperror.WorkerUnhandled), Message: "unknown step " + string(m.Kind)},
					}); err != nil {
						return err
					}
					continue
				}
				var stepCtx context.Context
				stepCtx, cancelStep = context.WithCancel(ctx)
				current = m
				rep = &reporter{enc: enc, last: make(chan Message, 1)}
				go runStep(stepCtx, h, m, rep, results)
			}
		}
	}
}

func runStep(ctx context.Context, h Handler, in Message, rep Reporter, out chan<- result) {
	res := result{in: in}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("worker: step panicked", "step", in.Kind, "panic", p, "stack", string(debug.Stack()))
			res.out = Message{}
			res.err = apperror.New(apperror.WorkerUnhandled, fmt.Sprintf("step %s panicked: %v", in.Kind, p))
		}
		out <- res
	}()
	res.out, res.err = h(ctx, in, rep)
}

func lastSync(rep *reporter, in Message) []byte {
	if rep != nil {
		select {
		case m := <-rep.last:
			return m.Snapshot
		default:
		}
	}
	return in.Snapshot
}
