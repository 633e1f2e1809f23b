package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func seedTargets(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, tgt := range []monitor.Target{
		{ID: "b", URL: "https://b.example", Status: monitor.TargetActive},
		{ID: "a", URL: "https://a.example", Status: monitor.TargetActive},
		{ID: "p", URL: "https://p.example", Status: monitor.TargetPaused},
		{ID: "i", URL: "https://i.example", Status: monitor.TargetInactive},
	} {
		require.NoError(t, s.UpsertTarget(ctx, tgt))
	}
}

func TestTargets(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedTargets(t, s)

	active, err := s.ListActiveTargets(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)

	_, err = s.GetTarget(ctx, "zzz")
	require.ErrorIs(t, err, monitor.ErrNotFound)

	counts, err := s.CountTargetsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[monitor.TargetStatus]int{
		monitor.TargetActive: 2, monitor.TargetPaused: 1, monitor.TargetInactive: 1,
	}, counts)

	require.NoError(t, s.UpsertTarget(ctx, monitor.Target{URL: "https://new.example", Status: monitor.TargetActive}))
	active, err = s.ListActiveTargets(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestUpdateTargetCheckTimes(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedTargets(t, s)
	check := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpdateTargetCheckTimes(ctx, "a", check, nil))
	got, err := s.GetTarget(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckAt)
	assert.Equal(t, check, *got.LastCheckAt)
	assert.Nil(t, got.LastChangeAt)

	change := check.Add(time.Minute)
	require.NoError(t, s.UpdateTargetCheckTimes(ctx, "a", change, &change))
	got, err = s.GetTarget(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got.LastChangeAt)
	assert.Equal(t, change, *got.LastChangeAt)

	// A later check without a change keeps the last change time.
	require.NoError(t, s.UpdateTargetCheckTimes(ctx, "a", change.Add(time.Minute), nil))
	got, err = s.GetTarget(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, change, *got.LastChangeAt)

	require.ErrorIs(t, s.UpdateTargetCheckTimes(ctx, "nope", check, nil), monitor.ErrNotFound)
}

func TestSnapshotsAndChanges(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	_, found, err := s.GetLatestSuccessfulSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	first, err := s.InsertSnapshot(ctx, monitor.Snapshot{TargetID: "a", TakenAt: base, Status: monitor.SnapshotSuccess})
	require.NoError(t, err)
	_, err = s.InsertSnapshot(ctx, monitor.Snapshot{TargetID: "a", TakenAt: base.Add(time.Minute), Status: monitor.SnapshotError, Error: "boom"})
	require.NoError(t, err)
	second, err := s.InsertSnapshot(ctx, monitor.Snapshot{TargetID: "a", TakenAt: base.Add(2 * time.Minute), Status: monitor.SnapshotSuccess})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	latest, found, err := s.GetLatestSuccessfulSnapshot(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second, latest.ID)

	errs, err := s.ListRecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Error)

	for i := 0; i < 3; i++ {
		_, err := s.InsertChange(ctx, monitor.Change{TargetID: "a", DetectedAt: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}
	recent, err := s.ListRecentChanges(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base.Add(2*time.Hour), recent[0].DetectedAt)
	assert.Equal(t, base.Add(time.Hour), recent[1].DetectedAt)
	assert.Len(t, s.Changes("a"), 3)
	assert.Len(t, s.Snapshots("a"), 3)
}
