package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

var (
	// ErrKilled is returned by Call when the worker acknowledged a KILL.
	ErrKilled = errors.New("worker: killed")
	// ErrExited is returned by Call when the worker went away unasked.
	ErrExited = errors.New("worker: exited unexpectedly")
)

// Conn is the parent side of one worker.
type Conn struct {
	enc   *Encoder
	stdin io.Closer
	msgs  chan Message
	done  chan struct{}
	kill  func() error
	log   *slog.Logger

	callMu sync.Mutex

	mu      sync.Mutex
	waitErr error
	killed  bool
}

func newConn(stdin io.WriteCloser, stdout io.Reader, wait, kill func() error, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		enc:   NewEncoder(stdin),
		stdin: stdin,
		msgs:  make(chan Message, 16),
		done:  make(chan struct{}),
		kill:  kill,
		log:   log,
	}
	go c.read(stdout, wait)
	return c
}

func (c *Conn) read(stdout io.Reader, wait func() error) {
	dec := NewDecoder(stdout)
	for {
		m, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn("worker: read", "error", err)
			}
			break
		}
		c.msgs <- m
	}
	werr := wait()
	c.mu.Lock()
	c.waitErr = werr
	c.mu.Unlock()
	close(c.msgs)
	close(c.done)
}

func (c *Conn) Send(m Message) error {
	return c.enc.Encode(m)
}

// Messages yields every frame from the worker and is closed after it exits.
func (c *Conn) Messages() <-chan Message {
	return c.msgs
}

// Wait blocks until the worker has exited and returns its exit error.
func (c *Conn) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

// Interrupt asks the running step to stop at its next consistent point. The
// pending Call returns ErrKilled once the worker acknowledges.
func (c *Conn) Interrupt() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	return c.Send(Message{Kind: KindKill})
}

// Kill terminates the worker without waiting for an acknowledgment.
// Frames still in flight are discarded.
func (c *Conn) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	err := c.kill()
	go func() {
		for range c.msgs {
		}
	}()
	return err
}

// Close ends the session; an idle worker exits on end of input. Frames not
// consumed by a Call are discarded.
func (c *Conn) Close() error {
	err := c.stdin.Close()
	for range c.msgs {
	}
	<-c.done
	return err
}

// Call sends a step and returns the worker's reply: the next step message on
// success, the last consistent snapshot with ErrKilled after an interrupt,
// or an *Error converted to an AppError when the step failed. DATA_SYNC
// frames are passed to onSync; LOG and telemetry frames are logged.
func (c *Conn) Call(ctx context.Context, m Message, onSync func(Message)) (Message, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Send(m); err != nil {
		return m, err
	}
	last := m
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case reply, ok := <-c.msgs:
			if !ok {
				c.mu.Lock()
				killed, werr := c.killed, c.waitErr
				c.mu.Unlock()
				if killed {
					return last, ErrKilled
				}
				if werr != nil {
					return last, fmt.Errorf("%w: %v", ErrExited, werr)
				}
				return last, ErrExited
			}
			switch reply.Kind {
			case KindDataSync:
				if len(reply.Snapshot) > 0 {
					last.Snapshot = reply.Snapshot
				}
				if onSync != nil {
					onSync(reply)
				}
			case KindLog:
				c.log.Info("worker: "+reply.Log, "step", m.Kind)
			case KindTelemetryImportError:
				if reply.Err != nil {
					c.log.Warn("worker: step reported error", "step", m.Kind, "code", reply.Err.Code, "error", reply.Err.Message)
				}
			case KindDataSyncKill:
				if len(reply.Snapshot) > 0 {
					last.Snapshot = reply.Snapshot
				}
				return last, ErrKilled
			case KindImportError:
				if len(reply.Snapshot) > 0 {
					last.Snapshot = reply.Snapshot
				}
				if reply.Err == nil {
					reply.Err = &Error{Code: string(apperror.Internal), Message: "worker step failed"}
				}
				return last, reply.Err.AppError()
			default:
				return reply, nil
			}
		}
	}
}
