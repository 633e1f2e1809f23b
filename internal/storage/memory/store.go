package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Store implements monitor.Store and monitor.TargetWriter in memory.
type Store struct {
	mu        sync.RWMutex
	ids       monitor.IDGenerator
	targets   map[string]monitor.Target
	snapshots []monitor.Snapshot
	changes   []monitor.Change
}

var (
	_ monitor.Store        = (*Store)(nil)
	_ monitor.TargetWriter = (*Store)(nil)
)

// NewStore constructs an empty Store that assigns UUIDv7 ids.
func NewStore() *Store {
	return &Store{
		ids:     uuid.New(),
		targets: make(map[string]monitor.Target),
	}
}

// UpsertTarget inserts or replaces a target. An empty ID is assigned.
func (s *Store) UpsertTarget(_ context.Context, target monitor.Target) error {
	if target.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return err
		}
		target.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[target.ID] = target
	return nil
}

// ListActiveTargets returns active targets ordered by id.
func (s *Store) ListActiveTargets(_ context.Context) ([]monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Status == monitor.TargetActive {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b monitor.Target) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GetTarget fetches a target by id.
func (s *Store) GetTarget(_ context.Context, id string) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	return t, nil
}

// InsertSnapshot appends a snapshot and returns its id.
func (s *Store) InsertSnapshot(_ context.Context, snap monitor.Snapshot) (string, error) {
	if snap.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", err
		}
		snap.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return snap.ID, nil
}

// GetLatestSuccessfulSnapshot returns the most recent successful snapshot;
// ties on TakenAt go to the later insert.
func (s *Store) GetLatestSuccessfulSnapshot(_ context.Context, targetID string) (monitor.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest monitor.Snapshot
		found  bool
	)
	for _, snap := range s.snapshots {
		if snap.TargetID != targetID || snap.Status != monitor.SnapshotSuccess {
			continue
		}
		if !found || !snap.TakenAt.Before(latest.TakenAt) {
			latest, found = snap, true
		}
	}
	return latest, found, nil
}

// InsertChange appends a change and returns its id.
func (s *Store) InsertChange(_ context.Context, change monitor.Change) (string, error) {
	if change.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", err
		}
		change.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
	return change.ID, nil
}

// UpdateTargetCheckTimes sets LastCheckAt and, when non-nil, LastChangeAt.
func (s *Store) UpdateTargetCheckTimes(_ context.Context, id string, lastCheck time.Time, lastChange *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	t.LastCheckAt = &lastCheck
	if lastChange != nil {
		changed := *lastChange
		t.LastChangeAt = &changed
	}
	s.targets[id] = t
	return nil
}

// CountTargetsByStatus tallies targets per status.
func (s *Store) CountTargetsByStatus(_ context.Context) (map[monitor.TargetStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[monitor.TargetStatus]int)
	for _, t := range s.targets {
		counts[t.Status]++
	}
	return counts, nil
}

// ListRecentChanges returns up to limit changes, newest first.
func (s *Store) ListRecentChanges(_ context.Context, limit int) ([]monitor.Change, error) {
	s.mu.RLock()
	out := slices.Clone(s.changes)
	s.mu.RUnlock()
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b monitor.Change) int { return b.DetectedAt.Compare(a.DetectedAt) })
	return truncate(out, limit), nil
}

// ListRecentErrors returns up to limit error snapshots, newest first.
func (s *Store) ListRecentErrors(_ context.Context, limit int) ([]monitor.Snapshot, error) {
	s.mu.RLock()
	var out []monitor.Snapshot
	for _, snap := range s.snapshots {
		if snap.Status == monitor.SnapshotError {
			out = append(out, snap)
		}
	}
	s.mu.RUnlock()
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b monitor.Snapshot) int { return b.TakenAt.Compare(a.TakenAt) })
	return truncate(out, limit), nil
}

// Snapshots returns every snapshot recorded for a target in insert order.
func (s *Store) Snapshots(targetID string) []monitor.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Snapshot
	for _, snap := range s.snapshots {
		if snap.TargetID == targetID {
			out = append(out, snap)
		}
	}
	return out
}

// Changes returns every change recorded for a target in insert order.
func (s *Store) Changes(targetID string) []monitor.Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Change
	for _, c := range s.changes {
		if c.TargetID == targetID {
			out = append(out, c)
		}
	}
	return out
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
