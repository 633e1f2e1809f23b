package monitor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPoolExhausted is returned when the driver pool is at capacity.
	ErrPoolExhausted = errors.New("driver pool exhausted")
)

// FetchErrorKind classifies acquisition failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchConnection FetchErrorKind = "connection"
	FetchAutomation FetchErrorKind = "automation"
	FetchUnknown    FetchErrorKind = "unknown"
)

// FetchError is the structured failure returned by the content fetcher.
type FetchError struct {
	Kind     FetchErrorKind
	Strategy Method
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch %s error: %v", e.Strategy, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DiffError reports that stored content could not be read for comparison.
type DiffError struct {
	SnapshotID string
	Err        error
}

func (e *DiffError) Error() string {
	return fmt.Sprintf("diff against snapshot %s: %v", e.SnapshotID, e.Err)
}

func (e *DiffError) Unwrap() error { return e.Err }

// PersistenceError reports a failed storage call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// WorkerStartupError reports that a worker could not be built during Start.
type WorkerStartupError struct {
	Index int
	Err   error
}

func (e *WorkerStartupError) Error() string {
	return fmt.Sprintf("start worker %d: %v", e.Index, e.Err)
}

func (e *WorkerStartupError) Unwrap() error { return e.Err }
