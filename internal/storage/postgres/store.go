// Package postgres implements monitor.Store on Postgres through pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagewatch/internal/diff"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Schema creates the tables the store reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL,
	check_method    TEXT NOT NULL DEFAULT 'static',
	check_interval  INTEGER NOT NULL DEFAULT 3600,
	css_selector    TEXT NOT NULL DEFAULT '',
	xpath           TEXT NOT NULL DEFAULT '',
	include_regex   TEXT NOT NULL DEFAULT '',
	exclude_regex   TEXT NOT NULL DEFAULT '',
	priority        INTEGER NOT NULL DEFAULT 5,
	status          TEXT NOT NULL DEFAULT 'active',
	browser         JSONB NOT NULL DEFAULT '{}',
	last_check_at   TIMESTAMPTZ,
	last_change_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS snapshots (
	id                  TEXT PRIMARY KEY,
	target_id           TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	taken_at            TIMESTAMPTZ NOT NULL,
	content_hash        TEXT NOT NULL DEFAULT '',
	content_location    TEXT NOT NULL DEFAULT '',
	screenshot_location TEXT NOT NULL DEFAULT '',
	size                INTEGER NOT NULL DEFAULT 0,
	diff_percent        DOUBLE PRECISION NOT NULL DEFAULT 0,
	status              TEXT NOT NULL,
	error               TEXT NOT NULL DEFAULT '',
	method              TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS snapshots_target_taken_idx ON snapshots (target_id, status, taken_at DESC);
CREATE TABLE IF NOT EXISTS changes (
	id              TEXT PRIMARY KEY,
	target_id       TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	old_snapshot_id TEXT NOT NULL,
	new_snapshot_id TEXT NOT NULL,
	diff_percent    DOUBLE PRECISION NOT NULL,
	details         JSONB NOT NULL DEFAULT '{}',
	read            BOOLEAN NOT NULL DEFAULT FALSE,
	detected_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS changes_detected_idx ON changes (detected_at DESC);
`

const targetColumns = `id, name, url, check_method, check_interval, css_selector, xpath,
	include_regex, exclude_regex, priority, status, browser, last_check_at, last_change_at`

const snapshotColumns = `id, target_id, taken_at, content_hash, content_location, screenshot_location,
	size, diff_percent, status, error, method`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements monitor.Store and monitor.TargetWriter.
type Store struct {
	db  DB
	ids monitor.IDGenerator
}

var (
	_ monitor.Store        = (*Store)(nil)
	_ monitor.TargetWriter = (*Store)(nil)
)

// Open connects a pool using cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithDB(pool, uuid.New())
}

// NewWithDB constructs a store from an existing pool (primarily for testing).
func NewWithDB(db DB, ids monitor.IDGenerator) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{db: db, ids: ids}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// UpsertTarget inserts a target or replaces its definition. Check times are
// left untouched on update.
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
	const query = `
INSERT INTO targets (id, name, url, check_method, check_interval, css_selector, xpath,
	include_regex, exclude_regex, priority, status, browser)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	url = EXCLUDED.url,
	check_method = EXCLUDED.check_method,
	check_interval = EXCLUDED.check_interval,
	css_selector = EXCLUDED.css_selector,
	xpath = EXCLUDED.xpath,
	include_regex = EXCLUDED.include_regex,
	exclude_regex = EXCLUDED.exclude_regex,
	priority = EXCLUDED.priority,
	status = EXCLUDED.status,
	browser = EXCLUDED.browser`
	_, err = s.db.Exec(ctx, query,
		t.ID, t.Name, t.URL, string(t.Method), t.CheckInterval, t.CSSSelector, t.XPath,
		t.IncludeRegex, t.ExcludeRegex, t.Priority, string(t.Status), browser,
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// ListActiveTargets returns active targets ordered by id.
func (s *Store) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE status = $1 ORDER BY id`,
		string(monitor.TargetActive))
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	defer rows.Close()

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
	row := s.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.db.Exec(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		snap.ID, snap.TargetID, snap.TakenAt, snap.ContentHash, snap.ContentLocation,
		snap.ScreenshotLocation, snap.Size, snap.DiffPercent, string(snap.Status), snap.Error, string(snap.Method),
	)
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return snap.ID, nil
}

// GetLatestSuccessfulSnapshot returns the newest successful snapshot.
func (s *Store) GetLatestSuccessfulSnapshot(ctx context.Context, targetID string) (monitor.Snapshot, bool, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
WHERE target_id = $1 AND status = $2 ORDER BY taken_at DESC, id DESC LIMIT 1`,
		targetID, string(monitor.SnapshotSuccess))
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err = s.db.Exec(ctx, `
INSERT INTO changes (id, target_id, old_snapshot_id, new_snapshot_id, diff_percent, details, read, detected_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.TargetID, c.OldSnapshotID, c.NewSnapshotID, c.DiffPercent, details, c.Read, c.DetectedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert change: %w", err)
	}
	return c.ID, nil
}

// UpdateTargetCheckTimes records check and change times for a target.
func (s *Store) UpdateTargetCheckTimes(ctx context.Context, id string, lastCheck time.Time, lastChange *time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE targets SET last_check_at = $2, last_change_at = COALESCE($3::timestamptz, last_change_at)
WHERE id = $1`, id, lastCheck, lastChange)
	if err != nil {
		return fmt.Errorf("update target check times: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// CountTargetsByStatus tallies targets per status.
func (s *Store) CountTargetsByStatus(ctx context.Context) (map[monitor.TargetStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM targets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count targets: %w", err)
	}
	defer rows.Close()

	counts := make(map[monitor.TargetStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan target count: %w", err)
		}
		counts[monitor.TargetStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count targets: %w", err)
	}
	return counts, nil
}

// ListRecentChanges returns up to limit changes, newest first.
func (s *Store) ListRecentChanges(ctx context.Context, limit int) ([]monitor.Change, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, target_id, old_snapshot_id, new_snapshot_id, diff_percent, details, read, detected_at
FROM changes ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent changes: %w", err)
	}
	defer rows.Close()

	var out []monitor.Change
	for rows.Next() {
		var (
			c       monitor.Change
			details []byte
		)
		if err := rows.Scan(&c.ID, &c.TargetID, &c.OldSnapshotID, &c.NewSnapshotID,
			&c.DiffPercent, &details, &c.Read, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if len(details) > 0 {
			var d diff.Details
			if err := json.Unmarshal(details, &d); err != nil {
				return nil, fmt.Errorf("decode change details: %w", err)
			}
			c.Details = d
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
	rows, err := s.db.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE status = $1 ORDER BY taken_at DESC LIMIT $2`,
		string(monitor.SnapshotError), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent errors: %w", err)
	}
	defer rows.Close()

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

func scanTarget(row pgx.Row) (monitor.Target, error) {
	var (
		t              monitor.Target
		method, status string
		browser        []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.URL, &method, &t.CheckInterval, &t.CSSSelector, &t.XPath,
		&t.IncludeRegex, &t.ExcludeRegex, &t.Priority, &status, &browser, &t.LastCheckAt, &t.LastChangeAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Target{}, err
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("scan target: %w", err)
	}
	t.Method = monitor.Method(method)
	t.Status = monitor.TargetStatus(status)
	if len(browser) > 0 {
		if err := json.Unmarshal(browser, &t.Browser); err != nil {
			return monitor.Target{}, fmt.Errorf("decode browser options: %w", err)
		}
	}
	return t, nil
}

func scanSnapshot(row pgx.Row) (monitor.Snapshot, error) {
	var (
		s              monitor.Snapshot
		status, method string
	)
	err := row.Scan(&s.ID, &s.TargetID, &s.TakenAt, &s.ContentHash, &s.ContentLocation,
		&s.ScreenshotLocation, &s.Size, &s.DiffPercent, &status, &s.Error, &method)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Snapshot{}, err
	}
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	s.Status = monitor.SnapshotStatus(status)
	s.Method = monitor.Method(method)
	return s, nil
}
