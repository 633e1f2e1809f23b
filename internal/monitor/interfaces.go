package monitor

import (
	"context"
	"io"
	"time"
)

// Store is the persistence contract the core consumes.
type Store interface {
	ListActiveTargets(ctx context.Context) ([]Target, error)
	// GetTarget returns ErrNotFound when no Target has the id.
	GetTarget(ctx context.Context, id string) (Target, error)
	InsertSnapshot(ctx context.Context, snap Snapshot) (string, error)
	// GetLatestSuccessfulSnapshot reports found=false when the Target has no
	// successful Snapshot yet.
	GetLatestSuccessfulSnapshot(ctx context.Context, targetID string) (Snapshot, bool, error)
	InsertChange(ctx context.Context, change Change) (string, error)
	UpdateTargetCheckTimes(ctx context.Context, id string, lastCheck time.Time, lastChange *time.Time) error

	CountTargetsByStatus(ctx context.Context) (map[TargetStatus]int, error)
	ListRecentChanges(ctx context.Context, limit int) ([]Change, error)
	ListRecentErrors(ctx context.Context, limit int) ([]Snapshot, error)
}

// TargetWriter registers or replaces Targets.
type TargetWriter interface {
	UpsertTarget(ctx context.Context, target Target) error
}

// BlobStore writes raw artifacts and returns a URI that GetObject accepts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
