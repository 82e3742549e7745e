package job

import (
	"sync"
	"time"
)

const DefaultProgressInterval = 2500 * time.Millisecond

// ProgressThrottle coalesces bursts of progress updates into at most one
// persisted update per interval. Reported values never decrease.
type ProgressThrottle struct {
	mu        sync.Mutex
	interval  time.Duration
	now       func() time.Time
	persist   func(progress float64) error
	current   float64
	persisted float64
	last      time.Time
}

func NewProgressThrottle(interval time.Duration, start float64, persist func(float64) error) *ProgressThrottle {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &ProgressThrottle{
		interval:  interval,
		now:       time.Now,
		persist:   persist,
		current:   start,
		persisted: start,
	}
}

// Update records p and persists it if the interval has elapsed. Values below
// the current progress are ignored and values above 100 are clamped.
func (t *ProgressThrottle) Update(p float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p > 100 {
		p = 100
	}
	if p <= t.current {
		return nil
	}
	t.current = p
	if t.now().Sub(t.last) < t.interval {
		return nil
	}
	return t.flushLocked()
}

// Flush persists the latest value if it has not been persisted yet.
func (t *ProgressThrottle) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == t.persisted {
		return nil
	}
	return t.flushLocked()
}

func (t *ProgressThrottle) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *ProgressThrottle) flushLocked() error {
	t.last = t.now()
	if err := t.persist(t.current); err != nil {
		return err
	}
	t.persisted = t.current
	return nil
}
