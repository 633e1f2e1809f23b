// Package dashboard assembles the operational summary served by the API.
package dashboard

import (
	"context"
	"fmt"

	"github.com/JakeFAU/pagewatch/internal/driverpool"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const defaultRecentLimit = 20

// Tasks is the read side of the scheduler.
type Tasks interface {
	GetTaskStatuses() []monitor.Task
	ActiveTaskCount() int
	QueueDepths() (tasks, results int)
	LiveWorkers() int
	Running() bool
}

// PoolStats reports browser pool occupancy.
type PoolStats interface {
	Stats() driverpool.Stats
}

// Queues reports buffered work.
type Queues struct {
	Tasks   int `json:"tasks"`
	Results int `json:"results"`
}

// Data is the dashboard payload.
type Data struct {
	Running         bool                         `json:"running"`
	TargetsByStatus map[monitor.TargetStatus]int `json:"targets_by_status"`
	ActiveTasks     int                          `json:"active_tasks"`
	LiveWorkers     int                          `json:"live_workers"`
	Queues          Queues                       `json:"queues"`
	Tasks           []monitor.Task               `json:"tasks"`
	RecentChanges   []monitor.Change             `json:"recent_changes"`
	RecentErrors    []monitor.Snapshot           `json:"recent_errors"`
	Pool            *driverpool.Stats            `json:"driver_pool,omitempty"`
}

// Service builds Data from the store and the scheduler.
type Service struct {
	store monitor.Store
	tasks Tasks
	pool  PoolStats
	limit int
}

// NewService constructs a Service. pool may be nil when the browser strategy
// is disabled.
func NewService(store monitor.Store, tasks Tasks, pool PoolStats, recentLimit int) *Service {
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	return &Service{store: store, tasks: tasks, pool: pool, limit: recentLimit}
}

// Build gathers the current dashboard data.
func (s *Service) Build(ctx context.Context) (Data, error) {
	counts, err := s.store.CountTargetsByStatus(ctx)
	if err != nil {
		return Data{}, fmt.Errorf("count targets: %w", err)
	}
	changes, err := s.store.ListRecentChanges(ctx, s.limit)
	if err != nil {
		return Data{}, fmt.Errorf("recent changes: %w", err)
	}
	errs, err := s.store.ListRecentErrors(ctx, s.limit)
	if err != nil {
		return Data{}, fmt.Errorf("recent errors: %w", err)
	}

	data := Data{
		TargetsByStatus: counts,
		RecentChanges:   nonNil(changes),
		RecentErrors:    nonNil(errs),
		Tasks:           []monitor.Task{},
	}
	if s.tasks != nil {
		data.Running = s.tasks.Running()
		data.Tasks = nonNil(s.tasks.GetTaskStatuses())
		data.ActiveTasks = s.tasks.ActiveTaskCount()
		data.LiveWorkers = s.tasks.LiveWorkers()
		data.Queues.Tasks, data.Queues.Results = s.tasks.QueueDepths()
	}
	if s.pool != nil {
		stats := s.pool.Stats()
		data.Pool = &stats
	}
	return data, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
