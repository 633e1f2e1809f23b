package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func (m *Manager) scheduleLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.ScheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ScheduleDue(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrNotRunning) {
				m.logger.Error("scheduling pass failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HealthCheck()
		}
	}
}

func (m *Manager) resultLoop(ctx context.Context) {
	defer m.loops.Done()
	for {
		task, err := m.results.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("result dequeue failed", zap.Error(err))
			continue
		}
		m.handleResult(ctx, task)
	}
}

// handleResult replaces the live entry with the finished task and records
// check times. Results for tasks no longer in the table are dropped. Storage
// failures are logged only.
func (m *Manager) handleResult(ctx context.Context, task monitor.Task) {
	m.mu.Lock()
	cur, ok := m.table[task.Target.ID]
	current := ok && cur.ID == task.ID
	if current {
		m.table[task.Target.ID] = task
	}
	active := m.activeLocked()
	m.mu.Unlock()
	metrics.SetActiveTasks(active)

	logger := m.logger.With(zap.String("task_id", task.ID), zap.String("target_id", task.Target.ID))
	if !current {
		logger.Debug("discarded stale result", zap.String("state", string(task.State)))
		return
	}
	var lastChange *time.Time
	if task.ChangeID != "" {
		end := task.EndedAt
		lastChange = &end
	}
	if err := m.store.UpdateTargetCheckTimes(ctx, task.Target.ID, task.EndedAt, lastChange); err != nil {
		logger.Error("record check times failed",
			zap.Error(&monitor.PersistenceError{Op: "update target check times", Err: err}))
	}
	logger.Debug("task finished",
		zap.String("state", string(task.State)),
		zap.Time("next_due_at", task.NextDueAt),
		zap.String("error", task.Error),
	)
}

// HealthCheck counts live workers, restarts any that exited and reports
// queue depths. It returns the live count before restarts and the number of
// workers restarted.
func (m *Manager) HealthCheck() (live, restarted int) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return 0, 0
	}
	runCtx := m.runCtx
	var dead []int
	for i, h := range m.workers {
		if h.alive() {
			live++
		} else {
			dead = append(dead, i)
		}
	}
	m.mu.Unlock()

	for _, i := range dead {
		h, err := m.spawn(runCtx, i)
		if err != nil {
			m.logger.Error("restart worker failed", zap.Int("worker", i), zap.Error(err))
			continue
		}
		m.mu.Lock()
		if !m.active || i >= len(m.workers) {
			m.mu.Unlock()
			h.cancel()
			continue
		}
		m.workers[i] = h
		m.mu.Unlock()
		restarted++
		m.logger.Warn("restarted dead worker", zap.Int("worker", i))
	}

	tasks, results := m.QueueDepths()
	m.logger.Info("health check",
		zap.Int("live_workers", live),
		zap.Int("restarted", restarted),
		zap.Int("task_queue", tasks),
		zap.Int("result_queue", results),
	)
	metrics.SetLiveWorkers(live + restarted)
	m.reportQueues()
	return live, restarted
}
