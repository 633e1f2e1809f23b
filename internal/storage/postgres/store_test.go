package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/diff"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

var targetCols = []string{
	"id", "name", "url", "check_method", "check_interval", "css_selector", "xpath",
	"include_regex", "exclude_regex", "priority", "status", "browser", "last_check_at", "last_change_at",
}

var snapshotCols = []string{
	"id", "target_id", "taken_at", "content_hash", "content_location", "screenshot_location",
	"size", "diff_percent", "status", "error", "method",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithDB(mock, &seqIDs{})
	require.NoError(t, err)
	return store, mock
}

func TestMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS targets").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTargetAssignsID(t *testing.T) {
	store, mock := newMockStore(t)
	target := monitor.Target{
		Name: "shop", URL: "https://shop.example", Method: monitor.MethodDynamic, CheckInterval: 300,
		Priority: 5, Status: monitor.TargetActive, Browser: monitor.BrowserOptions{Screenshot: true},
	}
	browser, err := json.Marshal(target.Browser)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO targets").
		WithArgs("id-1", "shop", "https://shop.example", "dynamic", 300, "", "", "", "", 5, "active", browser).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertTarget(context.Background(), target))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveTargets(t *testing.T) {
	store, mock := newMockStore(t)
	checked := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(targetCols).
		AddRow("a", "A", "https://a.example", "static", 60, "#main", "", "", "", 3, "active",
			[]byte(`{"wait_selector":"#app"}`), &checked, nil).
		AddRow("b", "B", "https://b.example", "dynamic", 120, "", "//div", "", "", 7, "active",
			[]byte(`{}`), nil, nil)
	mock.ExpectQuery("FROM targets WHERE status").WithArgs("active").WillReturnRows(rows)

	targets, err := store.ListActiveTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, monitor.MethodStatic, targets[0].Method)
	assert.Equal(t, "#main", targets[0].CSSSelector)
	assert.Equal(t, "#app", targets[0].Browser.WaitSelector)
	require.NotNil(t, targets[0].LastCheckAt)
	assert.Equal(t, checked, *targets[0].LastCheckAt)
	assert.Equal(t, monitor.MethodDynamic, targets[1].Method)
	assert.Nil(t, targets[1].LastCheckAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTargetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM targets WHERE id").WithArgs("missing").WillReturnRows(pgxmock.NewRows(targetCols))

	_, err := store.GetTarget(context.Background(), "missing")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSnapshot(t *testing.T) {
	store, mock := newMockStore(t)
	taken := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	snap := monitor.Snapshot{
		TargetID: "a", TakenAt: taken, ContentHash: "h", ContentLocation: "file:///x",
		Size: 10, DiffPercent: 12.5, Status: monitor.SnapshotSuccess, Method: monitor.MethodStatic,
	}
	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs("id-1", "a", taken, "h", "file:///x", "", 10, 12.5, "success", "", "static").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.InsertSnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestSuccessfulSnapshot(t *testing.T) {
	store, mock := newMockStore(t)
	taken := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM snapshots").WithArgs("a", "success").
		WillReturnRows(pgxmock.NewRows(snapshotCols).
			AddRow("s1", "a", taken, "h", "file:///x", "", 10, 0.0, "success", "", "static"))
	snap, found, err := store.GetLatestSuccessfulSnapshot(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s1", snap.ID)
	assert.Equal(t, monitor.SnapshotSuccess, snap.Status)

	mock.ExpectQuery("FROM snapshots").WithArgs("b", "success").
		WillReturnRows(pgxmock.NewRows(snapshotCols))
	_, found, err = store.GetLatestSuccessfulSnapshot(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery("FROM snapshots").WithArgs("c", "success").WillReturnError(errors.New("conn lost"))
	_, _, err = store.GetLatestSuccessfulSnapshot(context.Background(), "c")
	require.ErrorContains(t, err, "conn lost")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChange(t *testing.T) {
	store, mock := newMockStore(t)
	detected := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	change := monitor.Change{
		TargetID: "a", OldSnapshotID: "s1", NewSnapshotID: "s2", DiffPercent: 50,
		Details: diff.Details{Added: 1, Removed: 1}, DetectedAt: detected,
	}
	details, err := json.Marshal(change.Details)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO changes").
		WithArgs("id-1", "a", "s1", "s2", 50.0, details, false, detected).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.InsertChange(context.Background(), change)
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTargetCheckTimes(t *testing.T) {
	store, mock := newMockStore(t)
	check := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE targets SET last_check_at").
		WithArgs("a", check, &check).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateTargetCheckTimes(context.Background(), "a", check, &check))

	mock.ExpectExec("UPDATE targets SET last_check_at").
		WithArgs("gone", check, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := store.UpdateTargetCheckTimes(context.Background(), "gone", check, nil)
	require.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDashboardQueries(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT status, count").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("active", int64(3)).AddRow("paused", int64(1)))
	counts, err := store.CountTargetsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[monitor.TargetStatus]int{monitor.TargetActive: 3, monitor.TargetPaused: 1}, counts)

	mock.ExpectQuery("FROM changes ORDER BY detected_at").WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "target_id", "old_snapshot_id", "new_snapshot_id", "diff_percent", "details", "read", "detected_at",
		}).AddRow("c1", "a", "s1", "s2", 20.0, []byte(`{"added":2}`), false, at))
	changes, err := store.ListRecentChanges(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, 2, changes[0].Details.Added)

	mock.ExpectQuery("FROM snapshots WHERE status").WithArgs("error", 5).
		WillReturnRows(pgxmock.NewRows(snapshotCols).
			AddRow("s9", "a", at, "", "", "", 0, 0.0, "error", "timeout", "static"))
	errs, err := store.ListRecentErrors(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "timeout", errs[0].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithDBRequiresPool(t *testing.T) {
	_, err := NewWithDB(nil, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, pgx.ErrNoRows))
}
