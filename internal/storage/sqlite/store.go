// Package sqlite implements monitor.Store on an embedded SQLite database
// using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS targets (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL,
	check_method   TEXT NOT NULL DEFAULT 'static',
	check_interval INTEGER NOT NULL DEFAULT 3600,
	css_selector   TEXT NOT NULL DEFAULT '',
	xpath          TEXT NOT NULL DEFAULT '',
	include_regex  TEXT NOT NULL DEFAULT '',
	exclude_regex  TEXT NOT NULL DEFAULT '',
	priority       INTEGER NOT NULL DEFAULT 5,
	status         TEXT NOT NULL DEFAULT 'active',
	browser        TEXT NOT NULL DEFAULT '{}',
	last_check_at  TEXT,
	last_change_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_targets_status ON targets (status);

CREATE TABLE IF NOT EXISTS snapshots (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	id                  TEXT NOT NULL UNIQUE,
	target_id           TEXT NOT NULL,
	taken_at            TEXT NOT NULL,
	content_hash        TEXT NOT NULL DEFAULT '',
	content_location    TEXT NOT NULL DEFAULT '',
	screenshot_location TEXT NOT NULL DEFAULT '',
	size                INTEGER NOT NULL DEFAULT 0,
	diff_percent        REAL NOT NULL DEFAULT 0,
	status              TEXT NOT NULL,
	error               TEXT NOT NULL DEFAULT '',
	method              TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(target_id) REFERENCES targets(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_snapshots_target_status_taken ON snapshots (target_id, status, taken_at DESC);

CREATE TABLE IF NOT EXISTS changes (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	target_id       TEXT NOT NULL,
	old_snapshot_id TEXT NOT NULL,
	new_snapshot_id TEXT NOT NULL,
	diff_percent    REAL NOT NULL,
	details         TEXT NOT NULL DEFAULT '{}',
	read            INTEGER NOT NULL DEFAULT 0,
	detected_at     TEXT NOT NULL,
	FOREIGN KEY(target_id) REFERENCES targets(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_changes_detected ON changes (detected_at DESC);
`

const targetColumns = `id, name, url, check_method, check_interval, css_selector, xpath,
	include_regex, exclude_regex, priority, status, browser, last_check_at, last_change_at`

const snapshotColumns = `id, target_id, taken_at, content_hash, content_location, screenshot_location,
	size, diff_percent, status, error, method`

// Store implements monitor.Store and monitor.TargetWriter.
type Store struct {
	db  *sql.DB
	ids monitor.IDGenerator
}

var (
	_ monitor.Store        = (*Store)(nil)
	_ monitor.TargetWriter = (*Store)(nil)
)

// Open opens (creating if needed) the database file at path and migrates the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between worker goroutines.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &Store{db: db, ids: uuid.New()}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// UpsertTarget inserts a target or replaces its definition.
func (s *Store) UpsertTarget(ctx context.Context, t monitor.Target) error {
	if t.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return err
		}
		t.ID = id
	}
	browser, err := json.Marshal(t.Browser)
	if err != nil {
		return fmt.Errorf("marshal browser options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO targets (id, name, url, check_method, check_interval, css_selector, xpath,
	include_regex, exclude_regex, priority, status, browser)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	url = excluded.url,
	check_method = excluded.check_method,
	check_interval = excluded.check_interval,
	css_selector = excluded.css_selector,
	xpath = excluded.xpath,
	include_regex = excluded.include_regex,
	exclude_regex = excluded.exclude_regex,
	priority = excluded.priority,
	status = excluded.status,
	browser = excluded.browser`,
		t.ID, t.Name, t.URL, string(t.Method), t.CheckInterval, t.CSSSelector, t.XPath,
		t.IncludeRegex, t.ExcludeRegex, t.Priority, string(t.Status), string(browser),
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// ListActiveTargets returns active targets ordered by id.
func (s *Store) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE status = ? ORDER BY id`, string(monitor.TargetActive))
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []monitor.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	return out, nil
}

// GetTarget fetches one target.
func (s *Store) GetTarget(ctx context.Context, id string) (monitor.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	return t, err
}

// InsertSnapshot writes a snapshot and returns its id.
func (s *Store) InsertSnapshot(ctx context.Context, snap monitor.Snapshot) (string, error) {
	if snap.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", err
		}
		snap.ID = id
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		snap.ID, snap.TargetID, formatTime(snap.TakenAt), snap.ContentHash, snap.ContentLocation,
		snap.ScreenshotLocation, snap.Size, snap.DiffPercent, string(snap.Status), snap.Error, string(snap.Method),
	)
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return snap.ID, nil
}

// GetLatestSuccessfulSnapshot returns the newest successful snapshot.
func (s *Store) GetLatestSuccessfulSnapshot(ctx context.Context, targetID string) (monitor.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots
WHERE target_id = ? AND status = ? ORDER BY taken_at DESC, seq DESC LIMIT 1`,
		targetID, string(monitor.SnapshotSuccess))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Snapshot{}, false, nil
	}
	if err != nil {
		return monitor.Snapshot{}, false, err
	}
	return snap, true, nil
}

// InsertChange writes a change and returns its id.
func (s *Store) InsertChange(ctx context.Context, c monitor.Change) (string, error) {
	if c.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", err
		}
		c.ID = id
	}
	details, err := json.Marshal(c.Details)
	if err != nil {
		return "", fmt.Errorf("marshal change details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO changes (id, target_id, old_snapshot_id, new_snapshot_id, diff_percent, details, read, detected_at)
VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.TargetID, c.OldSnapshotID, c.NewSnapshotID, c.DiffPercent, string(details), c.Read,
		formatTime(c.DetectedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert change: %w", err)
	}
	return c.ID, nil
}

// UpdateTargetCheckTimes records check and change times for a target.
func (s *Store) UpdateTargetCheckTimes(ctx context.Context, id string, lastCheck time.Time, lastChange *time.Time) error {
	var change sql.NullString
	if lastChange != nil {
		change = sql.NullString{String: formatTime(*lastChange), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET last_check_at = ?, last_change_at = COALESCE(?, last_change_at) WHERE id = ?`,
		formatTime(lastCheck), change, id)
	if err != nil {
		return fmt.Errorf("update target check times: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update target check times: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// CountTargetsByStatus tallies targets per status.
func (s *Store) CountTargetsByStatus(ctx context.Context) (map[monitor.TargetStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM targets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[monitor.TargetStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan target count: %w", err)
		}
		counts[monitor.TargetStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count targets: %w", err)
	}
	return counts, nil
}

// ListRecentChanges returns up to limit changes, newest first.
func (s *Store) ListRecentChanges(ctx context.Context, limit int) ([]monitor.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, target_id, old_snapshot_id, new_snapshot_id, diff_percent, details, read, detected_at
FROM changes ORDER BY detected_at DESC, seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []monitor.Change
	for rows.Next() {
		var (
			c                 monitor.Change
			details, detected string
		)
		if err := rows.Scan(&c.ID, &c.TargetID, &c.OldSnapshotID, &c.NewSnapshotID,
			&c.DiffPercent, &details, &c.Read, &detected); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &c.Details); err != nil {
			return nil, fmt.Errorf("decode change details: %w", err)
		}
		if c.DetectedAt, err = parseTime(detected); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent changes: %w", err)
	}
	return out, nil
}

// ListRecentErrors returns up to limit error snapshots, newest first.
func (s *Store) ListRecentErrors(ctx context.Context, limit int) ([]monitor.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots
WHERE status = ? ORDER BY taken_at DESC, seq DESC LIMIT ?`, string(monitor.SnapshotError), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []monitor.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent errors: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (monitor.Target, error) {
	var (
		t                       monitor.Target
		method, status, browser string
		lastCheck, lastChange   sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.URL, &method, &t.CheckInterval, &t.CSSSelector, &t.XPath,
		&t.IncludeRegex, &t.ExcludeRegex, &t.Priority, &status, &browser, &lastCheck, &lastChange)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Target{}, err
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("scan target: %w", err)
	}
	t.Method = monitor.Method(method)
	t.Status = monitor.TargetStatus(status)
	if strings.TrimSpace(browser) != "" {
		if err := json.Unmarshal([]byte(browser), &t.Browser); err != nil {
			return monitor.Target{}, fmt.Errorf("decode browser options: %w", err)
		}
	}
	if t.LastCheckAt, err = parseNullTime(lastCheck); err != nil {
		return monitor.Target{}, err
	}
	if t.LastChangeAt, err = parseNullTime(lastChange); err != nil {
		return monitor.Target{}, err
	}
	return t, nil
}

func scanSnapshot(row scanner) (monitor.Snapshot, error) {
	var (
		s                     monitor.Snapshot
		taken, status, method string
	)
	err := row.Scan(&s.ID, &s.TargetID, &taken, &s.ContentHash, &s.ContentLocation,
		&s.ScreenshotLocation, &s.Size, &s.DiffPercent, &status, &s.Error, &method)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Snapshot{}, err
	}
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	if s.TakenAt, err = parseTime(taken); err != nil {
		return monitor.Snapshot{}, err
	}
	s.Status = monitor.SnapshotStatus(status)
	s.Method = monitor.Method(method)
	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
