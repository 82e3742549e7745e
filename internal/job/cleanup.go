package job

import (
	"context"
	"sync"
)

type AbortReason string

const (
	AbortCanceled AbortReason = "canceled"
	AbortPaused   AbortReason = "paused"
	AbortFailed   AbortReason = "failed"
	AbortCrashed  AbortReason = "crashed"
	AbortShutdown AbortReason = "shutdown"
)

// Discards reports whether partial output should be removed. Paused and
// shut-down jobs keep their state so they can resume.
func (r AbortReason) Discards() bool {
	return r == AbortCanceled || r == AbortFailed || r == AbortCrashed
}

// Cleanup collects the abort handlers of one executor run and runs them at
// most once, most recently registered first.
type Cleanup struct {
	mu   sync.Mutex
	fns  []func(ctx context.Context, reason AbortReason)
	done bool
}

func (c *Cleanup) OnAbort(fn func(ctx context.Context, reason AbortReason)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

// Run executes the handlers. Later calls are no-ops.
func (c *Cleanup) Run(ctx context.Context, reason AbortReason) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](ctx, reason)
	}
}
