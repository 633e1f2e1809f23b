// Package scheduler owns the live task table and the worker pool. It admits
// due Targets onto the task queue, collects finished tasks from the result
// queue, and keeps the configured number of workers alive.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/queue/memory"
	"github.com/JakeFAU/pagewatch/internal/worker"
)

var (
	// ErrNotRunning is returned by CheckNow while the Manager is stopped.
	ErrNotRunning = errors.New("scheduler is not running")
	// ErrTargetNotActive is returned when a check is requested for a paused
	// or inactive Target.
	ErrTargetNotActive = errors.New("target is not active")
	// ErrTaskInFlight is returned when the Target already has a pending or
	// running task.
	ErrTaskInFlight = errors.New("target already has a task in flight")
)

const (
	defaultWorkers          = 4
	defaultQueueDepth       = 256
	defaultScheduleInterval = 10 * time.Second
	defaultHealthInterval   = 5 * time.Minute
	defaultJoinTimeout      = 10 * time.Second
)

// Runner is a worker loop. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context, tasks worker.Source, results worker.Sink, started func(monitor.Task))
}

// WorkerFactory builds the worker for slot index. It is called again for a
// slot whose worker exited.
type WorkerFactory func(index int) (Runner, error)

// Config sizes the pool and its loops.
type Config struct {
	Workers          int
	QueueDepth       int
	ScheduleInterval time.Duration
	HealthInterval   time.Duration
	JoinTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = defaultScheduleInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	return c
}

type handle struct {
	index  int
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Manager schedules checks and supervises workers.
type Manager struct {
	cfg     Config
	store   monitor.Store
	factory WorkerFactory
	clock   monitor.Clock
	ids     monitor.IDGenerator
	logger  *zap.Logger

	tasks   *memory.Queue[monitor.Task]
	results *memory.Queue[monitor.Task]

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu      sync.Mutex
	active  bool
	table   map[string]monitor.Task
	workers []*handle
	runCtx  context.Context

	loopCancel context.CancelFunc
	loops      sync.WaitGroup
}

// New constructs a stopped Manager.
func New(
	cfg Config,
	store monitor.Store,
	factory WorkerFactory,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	logger *zap.Logger,
) (*Manager, error) {
	if store == nil || factory == nil || clock == nil || ids == nil {
		return nil, errors.New("scheduler requires a store, worker factory, clock and id generator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		store:   store,
		factory: factory,
		clock:   clock,
		ids:     ids,
		logger:  logger.Named("scheduler"),
		tasks:   memory.NewQueue[monitor.Task](cfg.QueueDepth),
		results: memory.NewQueue[monitor.Task](cfg.QueueDepth),
		table:   make(map[string]monitor.Task),
	}, nil
}

// Start spawns the workers and background loops and runs one scheduling
// pass. It is a no-op when already running. If any worker cannot be built,
// everything started so far is torn down and a *monitor.WorkerStartupError
// is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	running := m.active
	m.mu.Unlock()
	if running {
		return nil
	}

	if n := m.tasks.Drain() + m.results.Drain(); n > 0 {
		m.logger.Warn("discarded stale queue entries", zap.Int("count", n))
	}
	// Entries whose tasks were just drained would otherwise stay pending.
	m.mu.Lock()
	m.table = make(map[string]monitor.Task)
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handles := make([]*handle, 0, m.cfg.Workers)
	for i := range m.cfg.Workers {
		h, err := m.spawn(runCtx, i)
		if err != nil {
			cancel()
			m.join(handles)
			return &monitor.WorkerStartupError{Index: i, Err: err}
		}
		handles = append(handles, h)
	}

	m.mu.Lock()
	m.active = true
	m.workers = handles
	m.runCtx = runCtx
	m.loopCancel = cancel
	m.mu.Unlock()

	m.loops.Add(3)
	go m.resultLoop(runCtx)
	go m.scheduleLoop(runCtx)
	go m.healthLoop(runCtx)

	metrics.SetLiveWorkers(len(handles))
	m.logger.Info("scheduler started", zap.Int("workers", len(handles)))

	if _, err := m.ScheduleDue(runCtx); err != nil {
		m.logger.Error("initial scheduling pass failed", zap.Error(err))
	}
	return nil
}

// Stop stops admitting work, cancels every worker, waits for them up to the
// join timeout, stops the loops and clears all queued and live state. It is
// safe to call on a stopped Manager.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	handles := m.workers
	m.workers = nil
	cancel := m.loopCancel
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	m.join(handles)

	cancel()
	m.loops.Wait()

	dropped := m.tasks.Drain() + m.results.Drain()
	m.mu.Lock()
	m.table = make(map[string]monitor.Task)
	m.runCtx = nil
	m.loopCancel = nil
	m.mu.Unlock()

	metrics.SetLiveWorkers(0)
	metrics.SetActiveTasks(0)
	m.reportQueues()
	m.logger.Info("scheduler stopped", zap.Int("dropped", dropped))
}

// join waits for every handle under a single shared deadline.
func (m *Manager) join(handles []*handle) {
	timer := time.NewTimer(m.cfg.JoinTimeout)
	defer timer.Stop()
	expired := false
	for _, h := range handles {
		if expired {
			if h.alive() {
				m.logger.Warn("worker did not stop before join timeout", zap.Int("worker", h.index))
			}
			continue
		}
		select {
		case <-h.done:
		case <-timer.C:
			expired = true
			m.logger.Warn("worker did not stop before join timeout", zap.Int("worker", h.index))
		}
	}
}

func (m *Manager) spawn(parent context.Context, index int) (*handle, error) {
	runner, err := m.factory(index)
	if err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, fmt.Errorf("worker factory returned nil for slot %d", index)
	}
	ctx, cancel := context.WithCancel(parent)
	h := &handle{index: index, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("worker crashed", zap.Int("worker", index), zap.Any("panic", r))
			}
		}()
		runner.Run(ctx, m.tasks, m.results, m.markRunning)
	}()
	return h, nil
}

// Running reports whether the Manager has been started.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ScheduleDue runs one scheduling pass: every active Target without a live
// task, or whose last task finished and is due again, gets a new task. Table
// entries for Targets that are no longer active are dropped unless in
// flight. It returns the number of tasks admitted.
func (m *Manager) ScheduleDue(ctx context.Context) (int, error) {
	if !m.Running() {
		return 0, ErrNotRunning
	}
	targets, err := m.store.ListActiveTargets(ctx)
	if err != nil {
		return 0, &monitor.PersistenceError{Op: "list active targets", Err: err}
	}

	now := m.clock.Now()
	activeIDs := make(map[string]struct{}, len(targets))
	var admitted []monitor.Task

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return 0, ErrNotRunning
	}
	for _, t := range targets {
		activeIDs[t.ID] = struct{}{}
		if live, ok := m.table[t.ID]; ok && !live.Due(now) {
			continue
		}
		task, err := m.newTask(t, now)
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		m.table[t.ID] = task
		admitted = append(admitted, task)
	}
	for id, live := range m.table {
		if _, ok := activeIDs[id]; !ok && !live.InFlight() {
			delete(m.table, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, task := range admitted {
		if err := m.enqueue(ctx, task); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.logger.Debug("scheduled tasks", zap.Int("count", n))
	}
	m.reportQueues()
	return n, nil
}

// CheckNow enqueues an immediate check for targetID regardless of its due
// time.
func (m *Manager) CheckNow(ctx context.Context, targetID string) (monitor.Task, error) {
	if !m.Running() {
		return monitor.Task{}, ErrNotRunning
	}
	target, err := m.store.GetTarget(ctx, targetID)
	if err != nil {
		return monitor.Task{}, fmt.Errorf("check %s: %w", targetID, err)
	}
	if target.Status != monitor.TargetActive {
		return monitor.Task{}, fmt.Errorf("check %s: %w", targetID, ErrTargetNotActive)
	}

	now := m.clock.Now()
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return monitor.Task{}, ErrNotRunning
	}
	if live, ok := m.table[targetID]; ok && live.InFlight() {
		m.mu.Unlock()
		return monitor.Task{}, fmt.Errorf("check %s: %w", targetID, ErrTaskInFlight)
	}
	task, err := m.newTask(target, now)
	if err != nil {
		m.mu.Unlock()
		return monitor.Task{}, err
	}
	m.table[targetID] = task
	m.mu.Unlock()

	if err := m.enqueue(ctx, task); err != nil {
		return monitor.Task{}, err
	}
	m.logger.Info("check requested", zap.String("target_id", targetID), zap.String("task_id", task.ID))
	return task, nil
}

// CheckAll enqueues an immediate check for every active Target that has no
// task in flight and returns how many were enqueued.
func (m *Manager) CheckAll(ctx context.Context) (int, error) {
	if !m.Running() {
		return 0, ErrNotRunning
	}
	targets, err := m.store.ListActiveTargets(ctx)
	if err != nil {
		return 0, &monitor.PersistenceError{Op: "list active targets", Err: err}
	}
	n := 0
	for _, t := range targets {
		_, err := m.CheckNow(ctx, t.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrTaskInFlight), errors.Is(err, ErrTargetNotActive), errors.Is(err, monitor.ErrNotFound):
		default:
			return n, err
		}
	}
	return n, nil
}

// enqueue pushes task and forgets its table entry if the push fails so the
// next pass can admit it again.
func (m *Manager) enqueue(ctx context.Context, task monitor.Task) error {
	if err := m.tasks.Enqueue(ctx, task); err != nil {
		m.mu.Lock()
		if cur, ok := m.table[task.Target.ID]; ok && cur.ID == task.ID {
			delete(m.table, task.Target.ID)
		}
		m.mu.Unlock()
		return fmt.Errorf("enqueue task for %s: %w", task.Target.ID, err)
	}
	return nil
}

func (m *Manager) newTask(target monitor.Target, now time.Time) (monitor.Task, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return monitor.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	return monitor.Task{
		ID:         id,
		Target:     target,
		State:      monitor.TaskPending,
		EnqueuedAt: now,
	}, nil
}

// markRunning is handed to workers and records the running transition.
func (m *Manager) markRunning(task monitor.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.table[task.Target.ID]; ok && cur.ID == task.ID {
		m.table[task.Target.ID] = task
	}
}

// GetTaskStatuses returns a copy of the live task table ordered by target id.
func (m *Manager) GetTaskStatuses() []monitor.Task {
	m.mu.Lock()
	out := make([]monitor.Task, 0, len(m.table))
	for _, t := range m.table {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target.ID < out[j].Target.ID })
	return out
}

// ActiveTaskCount returns the number of pending or running tasks.
func (m *Manager) ActiveTaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, t := range m.table {
		if t.InFlight() {
			n++
		}
	}
	return n
}

// QueueDepths returns the number of buffered tasks and results.
func (m *Manager) QueueDepths() (tasks, results int) {
	return m.tasks.Len(), m.results.Len()
}

// LiveWorkers counts worker goroutines that have not exited.
func (m *Manager) LiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.workers {
		if h.alive() {
			n++
		}
	}
	return n
}

func (m *Manager) reportQueues() {
	tasks, results := m.QueueDepths()
	metrics.SetQueueDepth("tasks", tasks)
	metrics.SetQueueDepth("results", results)
}
