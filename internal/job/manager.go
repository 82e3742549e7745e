package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
)

// Source states accepted by each queue-control verb.
var (
	pauseFrom  = []Status{StatusInQueue, StatusInProgress, StatusResuming, StatusReconcile}
	resumeFrom = []Status{StatusPaused}
	cancelFrom = []Status{StatusInQueue, StatusInProgress, StatusPaused, StatusResuming, StatusReconcile}
	retryFrom  = []Status{StatusFailed}
)

// candidateRank orders runnable jobs: interrupted work first, then new work.
var candidateRank = map[Status]int{
	StatusReconcile: 0,
	StatusResuming:  1,
	StatusInQueue:   2,
}

type running struct {
	typ  Type
	exec Executor
}

type lane struct {
	handler Handler
	slots   *semaphore.Weighted
}

// Manager owns the durable queue of jobs, runs at most Concurrency jobs of
// each type at once and exposes the queue-control verbs.
type Manager struct {
	repo   Repository
	lanes  map[Type]*lane
	order  []Type
	notify chan struct{}

	pollInterval time.Duration

	mu      sync.Mutex
	running map[string]running
	wg      sync.WaitGroup
}

func NewManager(repo Repository, handlers map[Type]Handler) *Manager {
	m := &Manager{
		repo:         repo,
		lanes:        make(map[Type]*lane, len(handlers)),
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
		running:      make(map[string]running),
	}
	for t, h := range handlers {
		if h.Concurrency <= 0 {
			h.Concurrency = 1
		}
		m.lanes[t] = &lane{handler: h, slots: semaphore.NewWeighted(int64(h.Concurrency))}
		m.order = append(m.order, t)
	}
	slices.Sort(m.order)
	return m
}

// Notify asks the run loop to re-evaluate the queue. Non-blocking.
func (m *Manager) Notify() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run evaluates the queue whenever notified (or on the poll interval) until
// ctx is cancelled, then waits for running executors to report back.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		m.Evaluate(ctx)

		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-m.notify:
		case <-ticker.C:
		}
	}
}

// Register persists a new record in the queue and triggers an evaluation.
// It never waits for the job to run.
func (m *Manager) Register(ctx context.Context, rec *Record) (string, error) {
	if _, ok := m.lanes[rec.Type]; !ok {
		return "", apperror.New(apperror.BadRequest, "unsupported job type "+string(rec.Type))
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.Status = StatusInQueue
	rec.Progress = 0
	rec.CreatedOn = now
	rec.UpdatedOn = now
	if err := m.repo.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("register job: %w", err)
	}
	slog.Info("job registered", "job", rec.ID, "type", rec.Type, "name", rec.Name)
	m.Notify()
	return rec.ID, nil
}

func (m *Manager) Get(ctx context.Context, req GetJobRequest) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return m.repo.Get(ctx, req.ID)
}

func (m *Manager) List(ctx context.Context, req ListJobsRequest) ([]Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return m.repo.List(ctx, Filter{Types: req.Types, Statuses: req.Statuses, Limit: req.Limit})
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	defer m.Notify()
	rec, err := m.control(ctx, id, "pause", pauseFrom)
	if err != nil {
		return err
	}
	if exec := m.live(id); exec != nil {
		ok, err := exec.Pause(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.New(apperror.InvalidOperation, "job cannot be paused during its current step")
		}
		return nil
	}
	return m.setStatus(ctx, rec, StatusPaused)
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	defer m.Notify()
	rec, err := m.control(ctx, id, "resume", resumeFrom)
	if err != nil {
		return err
	}
	// A paused executor may still be winding down. The record is queued for
	// resumption and a fresh executor picks it up once the old one reports.
	return m.setStatus(ctx, rec, StatusResuming)
}

func (m *Manager) Cancel(ctx context.Context, id string) error {
	defer m.Notify()
	rec, err := m.control(ctx, id, "cancel", cancelFrom)
	if err != nil {
		return err
	}
	if exec := m.live(id); exec != nil {
		ok, err := exec.Cancel(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.New(apperror.InvalidOperation, "job cannot be canceled during its current step")
		}
		return nil
	}
	if rec.Status == StatusInQueue {
		return m.setStatus(ctx, rec, StatusCanceled)
	}
	return m.discard(ctx, rec)
}

// discard cancels a job that has no live executor. Paused or interrupted
// jobs may hold partial output, so the executor cleans it up without
// starting a run.
func (m *Manager) discard(ctx context.Context, rec *Record) error {
	l, ok := m.lanes[rec.Type]
	if !ok {
		return apperror.New(apperror.BadRequest, "unsupported job type "+string(rec.Type))
	}
	exec, err := l.handler.Factory(rec, func(err error, r *Record) {
		if err != nil {
			slog.Warn("job: offline cancel", "job", r.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", rec.ID, err)
	}
	if _, err := exec.Cancel(ctx); err != nil {
		return fmt.Errorf("cancel job %s: %w", rec.ID, err)
	}
	return nil
}

func (m *Manager) Retry(ctx context.Context, id string) error {
	defer m.Notify()
	rec, err := m.control(ctx, id, "retry", retryFrom)
	if err != nil {
		return err
	}
	if err := rec.Transition(StatusInQueue); err != nil {
		return err
	}
	rec.Progress = 0
	return m.repo.Update(ctx, rec)
}

// Reconcile marks jobs interrupted by an unclean shutdown for restart from
// their last persisted step, finishes cancellations that were cut short and
// re-evaluates the queue.
func (m *Manager) Reconcile(ctx context.Context) error {
	n, err := m.repo.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("reconcile jobs: %w", err)
	}
	if n > 0 {
		slog.Info("reconciled interrupted jobs", "count", n)
	}

	canceling, err := m.repo.List(ctx, Filter{Statuses: []Status{StatusCanceling}})
	if err != nil {
		return fmt.Errorf("reconcile canceling jobs: %w", err)
	}
	for i := range canceling {
		rec := &canceling[i]
		if m.live(rec.ID) != nil {
			continue
		}
		if err := m.discard(ctx, rec); err != nil {
			slog.Error("job: finish cancel", "job", rec.ID, "error", err)
			continue
		}
		slog.Info("job: interrupted cancel finished", "job", rec.ID)
	}

	m.Notify()
	return nil
}

// Running returns the ids of jobs with a live executor.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Await polls until the job stops running with a terminal or paused status.
func (m *Manager) Await(ctx context.Context, id string, interval time.Duration) (*Record, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if (rec.Status.Terminal() || rec.Status == StatusPaused) && m.live(id) == nil {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Evaluate starts queued and resumable jobs while each type has free slots.
func (m *Manager) Evaluate(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, t := range m.order {
		l := m.lanes[t]
		for l.slots.TryAcquire(1) {
			rec, err := m.nextCandidate(ctx, t)
			if err != nil {
				l.slots.Release(1)
				slog.Error("job: select candidate", "type", t, "error", err)
				break
			}
			if rec == nil {
				l.slots.Release(1)
				break
			}
			m.launch(ctx, l, rec)
		}
	}
}

func (m *Manager) nextCandidate(ctx context.Context, t Type) (*Record, error) {
	recs, err := m.repo.List(ctx, Filter{
		Types:    []Type{t},
		Statuses: []Status{StatusReconcile, StatusResuming, StatusInQueue},
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := candidateRank[recs[i].Status], candidateRank[recs[j].Status]
		if ri != rj {
			return ri < rj
		}
		return recs[i].CreatedOn.Before(recs[j].CreatedOn)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range recs {
		if _, busy := m.running[recs[i].ID]; !busy {
			return &recs[i], nil
		}
	}
	return nil, nil
}

func (m *Manager) launch(ctx context.Context, l *lane, rec *Record) {
	var once sync.Once
	done := func(err error, final *Record) {
		once.Do(func() {
			m.mu.Lock()
			delete(m.running, rec.ID)
			m.mu.Unlock()
			l.slots.Release(1)
			m.wg.Done()

			status := Status("")
			if final != nil {
				status = final.Status
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("job finished with error", "job", rec.ID, "type", rec.Type, "status", status, "error", err)
			} else {
				slog.Info("job finished", "job", rec.ID, "type", rec.Type, "status", status)
			}
			m.Notify()
		})
	}

	exec, err := l.handler.Factory(rec.Clone(), done)
	if err != nil {
		l.slots.Release(1)
		m.failToStart(ctx, rec, err)
		return
	}

	m.mu.Lock()
	m.running[rec.ID] = running{typ: rec.Type, exec: exec}
	m.mu.Unlock()
	m.wg.Add(1)

	slog.Info("job: starting", "job", rec.ID, "type", rec.Type, "status", rec.Status)
	if rec.Status == StatusInQueue {
		err = exec.Start(ctx)
	} else {
		err = exec.Resume(ctx)
	}
	if err != nil {
		done(err, rec)
		m.failToStart(ctx, rec, err)
	}
}

func (m *Manager) failToStart(ctx context.Context, rec *Record, err error) {
	cur, gerr := m.repo.Get(ctx, rec.ID)
	if gerr != nil {
		slog.Error("job: reload after start failure", "job", rec.ID, "error", gerr)
		return
	}
	if cur.Status.Terminal() {
		return
	}
	cur.Fail(string(apperror.CodeOf(err)), err.Error())
	if uerr := m.repo.Update(ctx, cur); uerr != nil {
		slog.Error("job: mark failed", "job", rec.ID, "error", uerr)
	}
}

func (m *Manager) control(ctx context.Context, id, verb string, allowed []Status) (*Record, error) {
	rec, err := m.Get(ctx, GetJobRequest{ID: id})
	if err != nil {
		return nil, err
	}
	if !slices.Contains(allowed, rec.Status) {
		return nil, apperror.New(apperror.InvalidOperation,
			fmt.Sprintf("cannot %s job in status %s", verb, rec.Status))
	}
	return rec, nil
}

func (m *Manager) live(id string) Executor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.running[id]; ok {
		return r.exec
	}
	return nil
}

func (m *Manager) setStatus(ctx context.Context, rec *Record, to Status) error {
	if err := rec.Transition(to); err != nil {
		return apperror.New(apperror.InvalidOperation, err.Error())
	}
	return m.repo.Update(ctx, rec)
}
