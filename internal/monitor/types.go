// Package monitor defines the core types and contracts shared across the
// scheduling, fetching, diffing and persistence subsystems.
package monitor

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/pagewatch/internal/diff"
)

// MinCheckInterval is the smallest interval a Target may be checked at.
const MinCheckInterval = 60 * time.Second

// Method selects the content acquisition strategy for a Target.
type Method string

// Acquisition methods. Static is the fast HTTP strategy, dynamic the
// browser-driven one.
const (
	MethodStatic  Method = "static"
	MethodDynamic Method = "dynamic"
)

// Other returns the fallback strategy for m.
func (m Method) Other() Method {
	if m == MethodDynamic {
		return MethodStatic
	}
	return MethodDynamic
}

// TargetStatus is the lifecycle state of a Target.
type TargetStatus string

// Target status values.
const (
	TargetActive   TargetStatus = "active"
	TargetPaused   TargetStatus = "paused"
	TargetInactive TargetStatus = "inactive"
)

// BrowserOptions tunes the dynamic strategy for one Target.
type BrowserOptions struct {
	WaitSelector   string   `json:"wait_selector,omitempty" yaml:"wait_selector"`
	ScrollToBottom bool     `json:"scroll_to_bottom,omitempty" yaml:"scroll_to_bottom"`
	ClickSelectors []string `json:"click_selectors,omitempty" yaml:"click_selectors"`
	Screenshot     bool     `json:"screenshot,omitempty" yaml:"screenshot"`
}

// Target is a monitored endpoint.
type Target struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	URL           string         `json:"url" yaml:"url"`
	Method        Method         `json:"check_method" yaml:"check_method"`
	CheckInterval int            `json:"check_interval" yaml:"check_interval"`
	CSSSelector   string         `json:"css_selector,omitempty" yaml:"css_selector"`
	XPath         string         `json:"xpath,omitempty" yaml:"xpath"`
	IncludeRegex  string         `json:"include_regex,omitempty" yaml:"include_regex"`
	ExcludeRegex  string         `json:"exclude_regex,omitempty" yaml:"exclude_regex"`
	Priority      int            `json:"priority" yaml:"priority"`
	Status        TargetStatus   `json:"status" yaml:"status"`
	LastCheckAt   *time.Time     `json:"last_check_at,omitempty" yaml:"-"`
	LastChangeAt  *time.Time     `json:"last_change_at,omitempty" yaml:"-"`
	Browser       BrowserOptions `json:"browser,omitempty" yaml:"browser"`
}

// Interval returns the check interval, never shorter than MinCheckInterval.
func (t Target) Interval() time.Duration {
	d := time.Duration(t.CheckInterval) * time.Second
	if d < MinCheckInterval {
		return MinCheckInterval
	}
	return d
}

// Validate checks the Target for values the core cannot work with.
func (t Target) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("target id is required")
	}
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target %s: url must be an absolute http(s) address", t.ID)
	}
	switch t.Method {
	case MethodStatic, MethodDynamic:
	default:
		return fmt.Errorf("target %s: unknown check method %q", t.ID, t.Method)
	}
	switch t.Status {
	case TargetActive, TargetPaused, TargetInactive:
	default:
		return fmt.Errorf("target %s: unknown status %q", t.ID, t.Status)
	}
	if time.Duration(t.CheckInterval)*time.Second < MinCheckInterval {
		return fmt.Errorf("target %s: check_interval must be >= %d", t.ID, int(MinCheckInterval.Seconds()))
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("target %s: priority must be between 1 and 10", t.ID)
	}
	for _, expr := range []string{t.IncludeRegex, t.ExcludeRegex} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("target %s: invalid regex %q: %w", t.ID, expr, err)
		}
	}
	return nil
}

// TaskState is the lifecycle state of a Task.
type TaskState string

// Task states.
const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Task is one scheduled execution attempt for a Target. Target is the
// snapshot taken when the Task was enqueued.
type Task struct {
	ID          string    `json:"id"`
	Target      Target    `json:"target"`
	State       TaskState `json:"state"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	NextDueAt   time.Time `json:"next_due_at,omitzero"`
	Error       string    `json:"error,omitempty"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	ChangeID    string    `json:"change_id,omitempty"`
	DiffPercent float64   `json:"diff_percent"`
	Method      Method    `json:"method,omitempty"`
}

// InFlight reports whether the Task is queued or executing.
func (t Task) InFlight() bool {
	return t.State == TaskPending || t.State == TaskRunning
}

// Finished reports whether the Task reached a terminal state.
func (t Task) Finished() bool {
	return t.State == TaskCompleted || t.State == TaskFailed
}

// Due reports whether a finished Task's Target should be checked again.
func (t Task) Due(now time.Time) bool {
	return t.Finished() && !now.Before(t.NextDueAt)
}

// Finish stamps the end time and next-due time and moves the Task to state.
func (t *Task) Finish(state TaskState, end time.Time, errText string) {
	t.State = state
	t.EndedAt = end
	t.NextDueAt = end.Add(t.Target.Interval())
	t.Error = errText
}

// SnapshotStatus records whether a fetch produced content.
type SnapshotStatus string

// Snapshot status values.
const (
	SnapshotSuccess SnapshotStatus = "success"
	SnapshotError   SnapshotStatus = "error"
)

// Snapshot is the immutable record of one fetch.
type Snapshot struct {
	ID                 string         `json:"id"`
	TargetID           string         `json:"target_id"`
	TakenAt            time.Time      `json:"taken_at"`
	ContentHash        string         `json:"content_hash,omitempty"`
	ContentLocation    string         `json:"content_location,omitempty"`
	ScreenshotLocation string         `json:"screenshot_location,omitempty"`
	Size               int            `json:"size"`
	DiffPercent        float64        `json:"diff_percent"`
	Status             SnapshotStatus `json:"status"`
	Error              string         `json:"error,omitempty"`
	Method             Method         `json:"method,omitempty"`
}

// Change records that two consecutive Snapshots differ beyond the threshold.
type Change struct {
	ID            string       `json:"id"`
	TargetID      string       `json:"target_id"`
	OldSnapshotID string       `json:"old_snapshot_id"`
	NewSnapshotID string       `json:"new_snapshot_id"`
	DiffPercent   float64      `json:"diff_percent"`
	Details       diff.Details `json:"details"`
	Read          bool         `json:"read"`
	DetectedAt    time.Time    `json:"detected_at"`
}
