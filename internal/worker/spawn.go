package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Spawner starts a fresh worker for one job.
type Spawner interface {
	Spawn(ctx context.Context) (*Conn, error)
}

// ProcessSpawner re-executes a binary (by default the running one) with the
// hidden worker subcommand. stdout carries the protocol; stderr is inherited
// for logs.
type ProcessSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
}

func NewProcessSpawner(args ...string) (*ProcessSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if len(args) == 0 {
		args = []string{"worker"}
	}
	return &ProcessSpawner{Path: exe, Args: args, Stderr: os.Stderr}, nil
}

func (s *ProcessSpawner) Spawn(_ context.Context) (*Conn, error) {
	// Not CommandContext: the job, not the request, decides when the worker dies.
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	slog.Debug("worker: spawned", "pid", cmd.Process.Pid)

	kill := func() error {
		if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return err
		}
		return nil
	}
	return newConn(stdin, stdout, cmd.Wait, kill, nil), nil
}

// InProcessSpawner serves the registry on a goroutine connected by pipes.
type InProcessSpawner struct {
	Registry Registry
}

func (s *InProcessSpawner) Spawn(ctx context.Context) (*Conn, error) {
	parentR, childW := io.Pipe()
	childR, parentW := io.Pipe()

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	errc := make(chan error, 1)
	go func() {
		err := Serve(serveCtx, childR, childW, s.Registry)
		_ = childW.Close()
		_ = childR.Close()
		errc <- err
	}()

	var once sync.Once
	var werr error
	wait := func() error {
		once.Do(func() {
			werr = <-errc
			cancel()
		})
		return werr
	}
	kill := func() error {
		cancel()
		_ = parentW.Close()
		_ = parentR.Close()
		return nil
	}
	return newConn(parentW, parentR, wait, kill, nil), nil
}
