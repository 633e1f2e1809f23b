package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/driverpool"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	storemem "github.com/JakeFAU/pagewatch/internal/storage/memory"
)

type fakeTasks struct {
	tasks []monitor.Task
}

func (f fakeTasks) GetTaskStatuses() []monitor.Task { return f.tasks }
func (f fakeTasks) ActiveTaskCount() int            { return len(f.tasks) }
func (f fakeTasks) QueueDepths() (int, int)         { return 3, 1 }
func (f fakeTasks) LiveWorkers() int                { return 4 }
func (f fakeTasks) Running() bool                   { return true }

type fakePool struct{}

func (fakePool) Stats() driverpool.Stats { return driverpool.Stats{Capacity: 5, Busy: 2, Idle: 1} }

type brokenStore struct{ monitor.Store }

func (brokenStore) CountTargetsByStatus(context.Context) (map[monitor.TargetStatus]int, error) {
	return nil, errors.New("db down")
}

func TestBuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storemem.NewStore()
	require.NoError(t, store.UpsertTarget(ctx, monitor.Target{ID: "a", URL: "https://a.example", Status: monitor.TargetActive}))
	require.NoError(t, store.UpsertTarget(ctx, monitor.Target{ID: "b", URL: "https://b.example", Status: monitor.TargetPaused}))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.InsertSnapshot(ctx, monitor.Snapshot{TargetID: "a", TakenAt: now, Status: monitor.SnapshotError, Error: "timeout"})
	require.NoError(t, err)
	_, err = store.InsertChange(ctx, monitor.Change{TargetID: "a", DiffPercent: 12, DetectedAt: now})
	require.NoError(t, err)

	svc := NewService(store, fakeTasks{tasks: []monitor.Task{{ID: "t1", State: monitor.TaskRunning}}}, fakePool{}, 0)
	data, err := svc.Build(ctx)
	require.NoError(t, err)

	assert.True(t, data.Running)
	assert.Equal(t, 1, data.TargetsByStatus[monitor.TargetActive])
	assert.Equal(t, 1, data.TargetsByStatus[monitor.TargetPaused])
	assert.Equal(t, 1, data.ActiveTasks)
	assert.Equal(t, 4, data.LiveWorkers)
	assert.Equal(t, Queues{Tasks: 3, Results: 1}, data.Queues)
	require.Len(t, data.RecentChanges, 1)
	require.Len(t, data.RecentErrors, 1)
	assert.Equal(t, "timeout", data.RecentErrors[0].Error)
	require.NotNil(t, data.Pool)
	assert.Equal(t, 2, data.Pool.Busy)
}

func TestBuildWithoutSchedulerOrPool(t *testing.T) {
	t.Parallel()
	data, err := NewService(storemem.NewStore(), nil, nil, 5).Build(context.Background())
	require.NoError(t, err)
	assert.False(t, data.Running)
	assert.NotNil(t, data.Tasks)
	assert.NotNil(t, data.RecentChanges)
	assert.Nil(t, data.Pool)
}

func TestBuildStoreError(t *testing.T) {
	t.Parallel()
	_, err := NewService(brokenStore{}, nil, nil, 5).Build(context.Background())
	require.ErrorContains(t, err, "db down")
}
