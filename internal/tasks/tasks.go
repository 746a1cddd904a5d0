// Package tasks runs the librarian's background work: uploads to peers,
// offload batches, and staging jobs.
//
// The model is a bounded worker pool plus a single coordinator goroutine.
// Each task has two phases: Work runs on a worker, may take arbitrarily long
// and must not touch the catalog; Wrapup runs on the coordinator afterwards,
// may touch the catalog and must be quick. Completed tasks linger on the
// status list for a while so operators can see what happened.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hera-team/librarian/internal/logging"
)

// Task is one unit of background work.
type Task interface {
	// Describe returns a short human-readable description for status output.
	Describe() string
	// Work does the heavy lifting. It must not access the catalog.
	Work(ctx context.Context) error
	// Wrapup records the outcome. It runs on the coordinator with workErr
	// from Work (nil on success) and may access the catalog.
	Wrapup(workErr error)
}

// ErrShuttingDown is returned by Submit once a drain has begun.
var ErrShuttingDown = errors.New("task manager is shutting down")

// Purge tuning: completed tasks are dropped only when the list has grown
// past purgeThreshold, at most once per purgeInterval, and only entries
// finished more than purgeAge ago.
const (
	purgeInterval  = 60 * time.Second
	purgeThreshold = 20
	purgeAge       = 600 * time.Second

	statusInterval = 3 * time.Minute
	submitBacklog  = 1024
)

// Handle tracks one submitted task's lifecycle. Fields are guarded by the
// manager's mutex; callers read them through Status snapshots.
type Handle struct {
	id         int64
	task       Task
	submitTime time.Time
	startTime  time.Time
	finishTime time.Time
	err        error
}

// Status is a point-in-time snapshot of a task's lifecycle.
type Status struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	Outcome     string     `json:"outcome"`
	SubmitTime  time.Time  `json:"submit_time"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	FinishTime  *time.Time `json:"finish_time,omitempty"`
	// Seconds; negative means not yet meaningful.
	WaitTime           float64 `json:"wait_time"`
	Runtime            float64 `json:"runtime"`
	TimeSinceCompleted float64 `json:"time_since_completed"`
	Exception          string  `json:"exception,omitempty"`
}

type wrapupMsg struct {
	h   *Handle
	err error
}

// Manager owns the worker pool and the coordinator.
type Manager struct {
	logger  *slog.Logger
	workers int
	now     func() time.Time

	submitCh chan *Handle
	wrapupCh chan wrapupMsg

	workerWG    sync.WaitGroup
	coordinator sync.WaitGroup

	mu        sync.Mutex
	tasks     []*Handle
	nextID    int64
	lastPurge time.Time
	draining  bool
	started   bool
}

// Option tweaks manager construction; used by tests.
type Option func(*Manager)

// WithClock substitutes the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a manager with the given pool size.
func New(workers int, logger *slog.Logger, opts ...Option) *Manager {
	if workers < 1 {
		workers = 1
	}
	m := &Manager{
		logger:   logging.Default(logger).With("component", "tasks"),
		workers:  workers,
		now:      time.Now,
		submitCh: make(chan *Handle, submitBacklog),
		wrapupCh: make(chan wrapupMsg, submitBacklog),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start launches the workers and the coordinator. The context only bounds
// Work executions; shutdown is driven by Drain.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		m.workerWG.Add(1)
		go m.worker(ctx)
	}

	m.coordinator.Add(1)
	go m.coordinate()

	// The wrapup channel closes once every worker has exited, which lets
	// the coordinator's final drain terminate.
	go func() {
		m.workerWG.Wait()
		close(m.wrapupCh)
	}()
}

// Submit queues a task for execution. It fails only during shutdown or when
// the backlog is full.
func (m *Manager) Submit(t Task) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return 0, ErrShuttingDown
	}
	m.nextID++
	h := &Handle{id: m.nextID, task: t, submitTime: m.now()}

	// The send happens under the lock so Drain can't close the channel
	// between the draining check and here.
	select {
	case m.submitCh <- h:
		m.tasks = append(m.tasks, h)
		m.logger.Debug("task submitted", "id", h.id, "description", t.Describe())
		return h.id, nil
	default:
		m.nextID--
		return 0, fmt.Errorf("task backlog full (%d entries)", submitBacklog)
	}
}

// Drain stops accepting submissions, waits for in-flight work to finish and
// for all wrapups to run. The context bounds the wait.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	m.mu.Unlock()

	close(m.submitCh)

	done := make(chan struct{})
	go func() {
		m.coordinator.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnfinishedCount reports tasks that have not completed their wrapup yet.
func (m *Manager) UnfinishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.tasks {
		if h.finishTime.IsZero() {
			n++
		}
	}
	return n
}

// Snapshot lists all tracked tasks, oldest first.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Status, 0, len(m.tasks))
	for _, h := range m.tasks {
		out = append(out, h.status(now))
	}
	return out
}

func (h *Handle) status(now time.Time) Status {
	s := Status{
		ID:                 h.id,
		Description:        h.task.Describe(),
		SubmitTime:         h.submitTime,
		WaitTime:           -1,
		Runtime:            -1,
		TimeSinceCompleted: -1,
	}
	switch {
	case h.startTime.IsZero():
		s.Outcome = "queued"
	case h.finishTime.IsZero():
		s.Outcome = "running"
		s.WaitTime = h.startTime.Sub(h.submitTime).Seconds()
		s.Runtime = now.Sub(h.startTime).Seconds()
		t := h.startTime
		s.StartTime = &t
	default:
		if h.err != nil {
			s.Outcome = "failed"
			s.Exception = h.err.Error()
		} else {
			s.Outcome = "finished"
		}
		s.WaitTime = h.startTime.Sub(h.submitTime).Seconds()
		s.Runtime = h.finishTime.Sub(h.startTime).Seconds()
		s.TimeSinceCompleted = now.Sub(h.finishTime).Seconds()
		st, ft := h.startTime, h.finishTime
		s.StartTime = &st
		s.FinishTime = &ft
	}
	return s
}

func (m *Manager) worker(ctx context.Context) {
	defer m.workerWG.Done()
	for h := range m.submitCh {
		m.mu.Lock()
		h.startTime = m.now()
		m.mu.Unlock()

		err := runWork(ctx, h.task)
		m.wrapupCh <- wrapupMsg{h: h, err: err}
	}
}

// runWork executes the work phase, converting a panic into an error so one
// bad task can't take down a worker.
func runWork(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Work(ctx)
}

func (m *Manager) coordinate() {
	defer m.coordinator.Done()

	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()

	for {
		select {
		case msg, ok := <-m.wrapupCh:
			if !ok {
				return
			}
			m.runWrapup(msg.h, msg.err)
		case <-purge.C:
			m.maybePurge()
		case <-status.C:
			m.logStatus()
		}
	}
}

func (m *Manager) runWrapup(h *Handle, workErr error) {
	// A wrapup failure is logged and the task is still marked finished;
	// only the work-phase error is recorded against the handle.
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("task wrapup panicked",
					"id", h.id, "description", h.task.Describe(), "panic", r)
			}
		}()
		h.task.Wrapup(workErr)
	}()

	m.mu.Lock()
	h.finishTime = m.now()
	h.err = workErr
	m.mu.Unlock()

	if workErr != nil {
		m.logger.Warn("task failed",
			"id", h.id, "description", h.task.Describe(), "error", workErr)
	} else {
		m.logger.Info("task finished",
			"id", h.id, "description", h.task.Describe())
	}
}

func (m *Manager) maybePurge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastPurge) < purgeInterval || len(m.tasks) <= purgeThreshold {
		return
	}
	m.lastPurge = now

	kept := m.tasks[:0]
	for _, h := range m.tasks {
		if !h.finishTime.IsZero() && now.Sub(h.finishTime) > purgeAge {
			continue
		}
		kept = append(kept, h)
	}
	if n := len(m.tasks) - len(kept); n > 0 {
		m.logger.Debug("purged finished tasks", "count", n)
	}
	m.tasks = kept
}

func (m *Manager) logStatus() {
	m.mu.Lock()
	queued, running, finished, failed := 0, 0, 0, 0
	for _, h := range m.tasks {
		switch {
		case h.startTime.IsZero():
			queued++
		case h.finishTime.IsZero():
			running++
		case h.err != nil:
			failed++
		default:
			finished++
		}
	}
	m.mu.Unlock()

	m.logger.Info("background task status",
		"queued", queued, "running", running, "finished", finished, "failed", failed)
}
