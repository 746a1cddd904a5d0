// Package replication evaluates standing orders and ships matching files to
// peer librarians.
//
// Mutations that may produce new matches call QueueCheck. Checks are
// coalesced behind a single-shot delay so a burst of registrations causes
// one evaluation, and a full evaluation runs at most once per rate window.
// A periodic safety tick catches anything the triggers miss.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/search"
	"github.com/hera-team/librarian/internal/store"
	"github.com/hera-team/librarian/internal/tasks"
)

const (
	// coalesceDelay batches bursts of QueueCheck calls into one evaluation.
	coalesceDelay = 90 * time.Second

	// minCheckInterval is the shortest wall-time gap between two full
	// evaluations.
	minCheckInterval = 20 * time.Minute

	// safetyTickInterval re-queues a check even when no trigger fired.
	safetyTickInterval = 10 * time.Minute

	// Nighttime mode evaluates only between these local hours.
	nightStartHour = 18
	nightEndHour   = 6
)

// Mode controls whether evaluations run.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeDisabled  Mode = "disabled"
	ModeNighttime Mode = "nighttime"
)

// inflightKey identifies one upload attempt for duplicate suppression.
type inflightKey struct {
	order string
	file  string
}

// Engine owns standing-order evaluation and upload launching.
type Engine struct {
	logger    *slog.Logger
	cat       *catalog.Catalog
	reg       *store.Registry
	mgr       *tasks.Manager
	transport Transport
	mode      func() Mode
	isPrimary func() bool
	now       func() time.Time
	limiter   *rate.Limiter

	sched gocron.Scheduler

	mu        sync.Mutex
	pending   bool
	lastCheck time.Time
	timer     *time.Timer
	inflight  map[inflightKey]bool
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithTransport substitutes how bytes reach the peer; tests install fakes.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithClock substitutes the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPrimaryCheck gates evaluation on holding the primary lock.
func WithPrimaryCheck(f func() bool) Option {
	return func(e *Engine) { e.isPrimary = f }
}

// WithUploadLimiter throttles upload launches.
func WithUploadLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// New builds an engine. mode is read at each evaluation so a config reload
// takes effect without restart.
func New(cat *catalog.Catalog, reg *store.Registry, mgr *tasks.Manager,
	transport Transport, mode func() Mode, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:    logging.Default(logger).With("component", "replication"),
		cat:       cat,
		reg:       reg,
		mgr:       mgr,
		transport: transport,
		mode:      mode,
		isPrimary: func() bool { return true },
		now:       time.Now,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		inflight:  make(map[inflightKey]bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the periodic safety tick.
func (e *Engine) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create replication scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(safetyTickInterval),
		gocron.NewTask(e.QueueCheck),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule replication tick: %w", err)
	}
	sched.Start()
	e.sched = sched
	return nil
}

// Stop cancels timers and the scheduler. In-flight uploads keep running
// under the task manager.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = false
	e.mu.Unlock()

	if e.sched != nil {
		sched := e.sched
		e.sched = nil
		return sched.Shutdown()
	}
	return nil
}

// QueueCheck schedules an evaluation after the coalescing delay. While one
// is pending, further calls are no-ops.
func (e *Engine) QueueCheck() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending {
		return
	}
	e.pending = true
	e.timer = time.AfterFunc(coalesceDelay, e.timerFired)
	e.logger.Debug("standing-order check queued", "delay", coalesceDelay)
}

func (e *Engine) timerFired() {
	e.mu.Lock()
	if !e.isPrimary() {
		// Secondary processes never evaluate; the primary's own triggers
		// and safety tick cover the work.
		e.pending = false
		e.mu.Unlock()
		return
	}
	if wait := minCheckInterval - e.now().Sub(e.lastCheck); wait > 0 {
		// Rate window still closed; try again after another delay.
		e.timer = time.AfterFunc(coalesceDelay, e.timerFired)
		e.mu.Unlock()
		return
	}
	e.pending = false
	e.lastCheck = e.now()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := e.CheckNow(ctx); err != nil {
		e.logger.Error("standing-order evaluation failed", "error", err)
	}
}

// modeAllows reports whether the operating mode permits evaluation now.
func modeAllows(m Mode, now time.Time) bool {
	switch m {
	case ModeDisabled:
		return false
	case ModeNighttime:
		h := now.Hour()
		return h >= nightStartHour || h < nightEndHour
	default:
		return true
	}
}

// CheckNow evaluates every standing order immediately, bypassing the
// coalescing and rate machinery. The timer path and tests both land here.
func (e *Engine) CheckNow(ctx context.Context) error {
	m := e.mode()
	if !modeAllows(m, e.now()) {
		e.logger.Debug("standing-order evaluation skipped", "mode", m)
		return nil
	}

	orders, err := e.cat.ListStandingOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list standing orders: %w", err)
	}

	for _, order := range orders {
		if err := e.evaluateOrder(ctx, order); err != nil {
			e.logger.Error("standing order evaluation failed",
				"order", order.Name, "error", err)
		}
	}
	return nil
}

// evaluateOrder finds the order's unreplicated files and launches uploads.
func (e *Engine) evaluateOrder(ctx context.Context, order catalog.StandingOrder) error {
	q, err := search.Compile(order.Search, search.ModeFiles)
	if err != nil {
		return fmt.Errorf("bad search in standing order %q: %w", order.Name, err)
	}

	files, err := e.cat.FilesMatching(ctx, q.SQL, q.Args...)
	if err != nil {
		return err
	}

	launched := 0
	for _, f := range files {
		done, err := e.cat.HasEvent(ctx, f.Name, order.EventType())
		if err != nil {
			return err
		}
		if done || !e.markInflight(order.Name, f.Name) {
			continue
		}

		if err := e.launch(ctx, &order, f); err != nil {
			e.clearInflight(order.Name, f.Name)
			e.logger.Warn("skipping standing-order file",
				"order", order.Name, "file", f.Name, "error", err)
			continue
		}
		launched++
	}

	if launched > 0 {
		e.logger.Info("standing order launched uploads",
			"order", order.Name, "count", launched)
	}
	return nil
}

// launch submits an UploadTask for one file under a standing order.
func (e *Engine) launch(ctx context.Context, order *catalog.StandingOrder, f catalog.File) error {
	task, err := e.newUploadTask(ctx, f.Name, order.ConnName, "", order.Name)
	if err != nil {
		return err
	}
	if _, err := e.mgr.Submit(task); err != nil {
		return err
	}
	return nil
}

// LaunchCopy ships one file to a peer on demand, outside any standing
// order. The remote store path defaults to the local one.
func (e *Engine) LaunchCopy(ctx context.Context, fileName, connName, remoteStorePath string) error {
	task, err := e.newUploadTask(ctx, fileName, connName, remoteStorePath, "")
	if err != nil {
		return err
	}
	_, err = e.mgr.Submit(task)
	return err
}

// newUploadTask resolves a local instance, gathers the records the peer
// needs, and emits the copy_launched event.
func (e *Engine) newUploadTask(ctx context.Context, fileName, connName, remoteStorePath, orderName string) (*UploadTask, error) {
	inst, err := e.cat.AnyInstance(ctx, fileName)
	if err != nil {
		return nil, fmt.Errorf("cannot upload %s: no local instances: %w", fileName, err)
	}

	entry, ok := e.reg.ByID(inst.Instance.StoreID)
	if !ok {
		return nil, fmt.Errorf("cannot upload %s: store %d not registered", fileName, inst.Instance.StoreID)
	}

	f, err := e.cat.GetFile(ctx, fileName)
	if err != nil {
		return nil, err
	}
	recInfo, err := e.cat.GatherRecords(ctx, fileName)
	if err != nil {
		return nil, err
	}

	storePath := inst.Instance.StorePath()
	if remoteStorePath == "" {
		remoteStorePath = storePath
	}

	if err := e.cat.AddEvent(ctx, fileName, catalog.EventCopyLaunched, map[string]any{
		"connection_name":   connName,
		"remote_store_path": remoteStorePath,
	}); err != nil {
		return nil, err
	}

	return &UploadTask{
		engine: e,
		req: ShipRequest{
			ConnName:        connName,
			FileName:        fileName,
			StorePath:       storePath,
			RemoteStorePath: remoteStorePath,
			Size:            f.Size,
			RecInfo:         recInfo,
			Driver:          entry.Driver,
		},
		orderName: orderName,
	}, nil
}

func (e *Engine) markInflight(order, file string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := inflightKey{order: order, file: file}
	if e.inflight[k] {
		return false
	}
	e.inflight[k] = true
	return true
}

func (e *Engine) clearInflight(order, file string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, inflightKey{order: order, file: file})
}

// InflightCount is exported for the monitor.
func (e *Engine) InflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}
