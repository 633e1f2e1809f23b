// Package worker runs scheduled checks: fetch, diff against the previous
// successful snapshot, persist, and report.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/diff"
	"github.com/JakeFAU/pagewatch/internal/fetcher"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

const (
	defaultTaskTimeout = 2 * time.Minute
	resultTimeout      = 5 * time.Second
)

var tracer = otel.Tracer("github.com/JakeFAU/pagewatch/internal/worker")

// Checker acquires content for a Target. *fetcher.ContentFetcher satisfies it.
type Checker interface {
	Check(ctx context.Context, target monitor.Target) fetcher.Result
	Close() error
}

// Differ compares two versions of content.
type Differ interface {
	Compare(oldContent, newContent string) (float64, diff.Details)
}

// Source hands tasks to a worker.
type Source interface {
	Dequeue(ctx context.Context) (monitor.Task, error)
}

// Sink receives finished tasks.
type Sink interface {
	Enqueue(ctx context.Context, task monitor.Task) error
}

// Config controls Worker behavior.
type Config struct {
	// DiffThreshold is the percentage a diff must exceed to record a Change.
	DiffThreshold float64
	TaskTimeout   time.Duration
	// Topic receives change events. Empty disables publishing.
	Topic string
}

// Deps are the collaborators a Worker shares with its siblings.
type Deps struct {
	Store     monitor.Store
	Blobs     monitor.BlobStore
	Differ    Differ
	Publisher monitor.Publisher
	Clock     monitor.Clock
}

// ChangeEvent is the payload published when a Change is recorded.
type ChangeEvent struct {
	ChangeID      string       `json:"change_id"`
	TargetID      string       `json:"target_id"`
	TargetName    string       `json:"target_name,omitempty"`
	URL           string       `json:"url"`
	OldSnapshotID string       `json:"old_snapshot_id"`
	NewSnapshotID string       `json:"new_snapshot_id"`
	DiffPercent   float64      `json:"diff_percent"`
	DetectedAt    time.Time    `json:"detected_at"`
	Details       diff.Details `json:"details"`
}

// Worker executes one task at a time with its own Checker.
type Worker struct {
	id      string
	checker Checker
	deps    Deps
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. The Worker owns checker and closes it when Run
// returns.
func New(id string, checker Checker, deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if checker == nil {
		return nil, errors.New("worker requires a checker")
	}
	if deps.Store == nil || deps.Blobs == nil || deps.Differ == nil || deps.Clock == nil {
		return nil, errors.New("worker requires a store, blob store, differ and clock")
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		checker: checker,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("worker").With(zap.String("worker_id", id)),
	}, nil
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Close releases the worker's checker. Run calls it on exit.
func (w *Worker) Close() error { return w.checker.Close() }

// Run consumes tasks until ctx is canceled or tasks is closed. A task that
// has started always runs to completion and is pushed to results; ctx only
// stops the worker from taking more work. started, if non-nil, is called
// when a task moves to running.
func (w *Worker) Run(ctx context.Context, tasks Source, results Sink, started func(monitor.Task)) {
	defer func() {
		if err := w.Close(); err != nil {
			w.logger.Warn("close checker failed", zap.Error(err))
		}
		w.logger.Debug("worker stopped")
	}()
	w.logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			return
		}
		task, err := tasks.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", task.ID), zap.String("target_id", task.Target.ID))

		task.State = monitor.TaskRunning
		task.StartedAt = w.deps.Clock.Now()
		if started != nil {
			started(task)
		}

		done := w.Process(context.WithoutCancel(ctx), task)

		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultTimeout)
		if err := results.Enqueue(pushCtx, done); err != nil {
			w.logger.Error("report result failed", zap.String("task_id", done.ID), zap.Error(err))
		}
		cancel()
	}
}

// Process runs one task to a terminal state. It never panics.
func (w *Worker) Process(ctx context.Context, task monitor.Task) (out monitor.Task) {
	if task.StartedAt.IsZero() {
		task.StartedAt = w.deps.Clock.Now()
	}
	task.State = monitor.TaskRunning
	target := task.Target
	logger := w.logger.With(zap.String("task_id", task.ID), zap.String("target_id", target.ID))

	ctx, span := tracer.Start(ctx, "worker.check", trace.WithAttributes(
		attribute.String("pagewatch.task_id", task.ID),
		attribute.String("pagewatch.target_id", target.ID),
		attribute.String("url.full", target.URL),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("pagewatch.state", string(out.State)),
			attribute.String("pagewatch.method", string(out.Method)),
			attribute.Float64("pagewatch.diff_percent", out.DiffPercent),
		)
		if out.State == monitor.TaskFailed {
			span.SetStatus(codes.Error, out.Error)
		}
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			errText := fmt.Sprintf("panic: %v", r)
			out = task
			func() {
				// The store may be what panicked.
				defer func() {
					if r := recover(); r != nil {
						logger.Error("persist error snapshot panicked", zap.Any("panic", r))
					}
				}()
				w.recordError(ctx, logger, &out, errText)
			}()
			out.Finish(monitor.TaskFailed, w.deps.Clock.Now(), errText)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	res := w.checker.Check(fetchCtx, target)
	cancel()
	task.Method = res.Method
	now := w.deps.Clock.Now()

	if !res.Success {
		errText := "fetch failed"
		if res.Err != nil {
			errText = res.Err.Error()
		}
		logger.Warn("check failed", zap.String("method", string(res.Method)), zap.String("error", errText))
		w.recordError(ctx, logger, &task, errText)
		task.Finish(monitor.TaskFailed, w.deps.Clock.Now(), errText)
		return task
	}

	prev, found, err := w.deps.Store.GetLatestSuccessfulSnapshot(ctx, target.ID)
	if err != nil {
		return w.fail(ctx, logger, task, &monitor.PersistenceError{Op: "load previous snapshot", Err: err})
	}

	var (
		percent float64
		details diff.Details
	)
	if found {
		percent, details, err = w.compare(ctx, prev, res)
		if err != nil {
			// Unreadable history is not a change.
			logger.Warn("diff skipped", zap.Error(err))
			percent, details = 0, diff.Details{}
		}
	}

	snapID, err := w.deps.Store.InsertSnapshot(ctx, monitor.Snapshot{
		TargetID:           target.ID,
		TakenAt:            now,
		ContentHash:        res.ContentHash,
		ContentLocation:    res.ContentLocation,
		ScreenshotLocation: res.ScreenshotLocation,
		Size:               res.Size,
		DiffPercent:        percent,
		Status:             monitor.SnapshotSuccess,
		Method:             res.Method,
	})
	if err != nil {
		return w.fail(ctx, logger, task, &monitor.PersistenceError{Op: "insert snapshot", Err: err})
	}
	task.SnapshotID = snapID
	task.DiffPercent = percent

	changed := found && percent > w.cfg.DiffThreshold
	metrics.ObserveDiff(target.URL, percent, changed)
	if changed {
		change := monitor.Change{
			TargetID:      target.ID,
			OldSnapshotID: prev.ID,
			NewSnapshotID: snapID,
			DiffPercent:   percent,
			Details:       details,
			DetectedAt:    now,
		}
		changeID, err := w.deps.Store.InsertChange(ctx, change)
		if err != nil {
			return w.fail(ctx, logger, task, &monitor.PersistenceError{Op: "insert change", Err: err})
		}
		change.ID = changeID
		task.ChangeID = changeID
		logger.Info("change detected",
			zap.String("change_id", changeID),
			zap.Float64("diff_percent", percent),
			zap.Bool("approximate", details.Approximate),
		)
		w.publish(ctx, logger, target, change)
	}

	task.Finish(monitor.TaskCompleted, w.deps.Clock.Now(), "")
	logger.Debug("check completed",
		zap.String("method", string(res.Method)),
		zap.Bool("fallback", res.Fallback),
		zap.Float64("diff_percent", percent),
	)
	return task
}

func (w *Worker) compare(ctx context.Context, prev monitor.Snapshot, res fetcher.Result) (float64, diff.Details, error) {
	if prev.ContentHash != "" && prev.ContentHash == res.ContentHash {
		percent, details := w.deps.Differ.Compare(res.Content, res.Content)
		return percent, details, nil
	}
	if prev.ContentLocation == "" {
		return 0, diff.Details{}, &monitor.DiffError{SnapshotID: prev.ID, Err: errors.New("snapshot has no content location")}
	}
	data, err := w.deps.Blobs.GetObject(ctx, prev.ContentLocation)
	if err != nil {
		return 0, diff.Details{}, &monitor.DiffError{SnapshotID: prev.ID, Err: err}
	}
	percent, details := w.deps.Differ.Compare(string(data), res.Content)
	return percent, details, nil
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, target monitor.Target, change monitor.Change) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	event := ChangeEvent{
		ChangeID:      change.ID,
		TargetID:      target.ID,
		TargetName:    target.Name,
		URL:           target.URL,
		OldSnapshotID: change.OldSnapshotID,
		NewSnapshotID: change.NewSnapshotID,
		DiffPercent:   change.DiffPercent,
		DetectedAt:    change.DetectedAt,
		Details:       change.Details,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish change event failed", zap.String("change_id", change.ID), zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, task monitor.Task, err error) monitor.Task {
	logger.Error("task failed", zap.Error(err))
	w.recordError(ctx, logger, &task, err.Error())
	task.Finish(monitor.TaskFailed, w.deps.Clock.Now(), err.Error())
	return task
}

// recordError persists an error Snapshot for task unless one was already
// written for it.
func (w *Worker) recordError(ctx context.Context, logger *zap.Logger, task *monitor.Task, errText string) {
	if task.SnapshotID != "" {
		return
	}
	id, err := w.deps.Store.InsertSnapshot(ctx, monitor.Snapshot{
		TargetID: task.Target.ID,
		TakenAt:  w.deps.Clock.Now(),
		Status:   monitor.SnapshotError,
		Error:    errText,
		Method:   task.Method,
	})
	if err != nil {
		logger.Error("persist error snapshot failed", zap.Error(&monitor.PersistenceError{Op: "insert snapshot", Err: err}))
		return
	}
	task.SnapshotID = id
}
