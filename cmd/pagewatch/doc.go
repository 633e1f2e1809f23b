// Package main hosts the pagewatch entrypoint.
//
// Architecture overview:
//   - Scheduler: internal/scheduler.Manager scans active targets on a ticker, admits those whose last task has
//     finished and whose check interval has elapsed, and pushes them onto a bounded task queue. A result loop folds
//     worker outcomes back into the live task table and stamps last_check_at/last_change_at on the target.
//   - Workers: a fixed pool of internal/worker.Worker goroutines, each owning its own ContentFetcher. A check fetches
//     the page with the target's preferred strategy (static HTTP or a pooled headless Chrome lease), falls back to
//     the other strategy once, extracts the monitored region, stores the content blob, diffs it against the previous
//     successful snapshot, and records a Change plus a change event when the difference crosses the threshold.
//   - Persistence: targets, snapshots, and changes live in SQLite (default), Postgres, or memory; content blobs in a
//     local directory, GCS, or memory. Change events go to Pub/Sub when a topic is configured.
//   - HTTP API: internal/api.Server exposes health probes, Prometheus metrics, task status, the dashboard summary,
//     and manual check triggers.
//
// Operational notes:
//   - Shutdown stops admission, cancels workers, joins them under one deadline, and drains both queues before the
//     process exits on SIGINT/SIGTERM.
//   - The health loop respawns worker slots whose goroutine exited.
//
// Quick checklist:
//   - Configure env vars with the PAGEWATCH_ prefix (PAGEWATCH_STORAGE_DRIVER, PAGEWATCH_MONITOR_MAX_WORKERS,
//     PAGEWATCH_FETCH_USE_HEADLESS_BROWSER, ...) or a YAML file passed with --config. A .env file is loaded when
//     present.
//   - Register targets: pagewatch targets import targets.yaml.
//   - Run the service: pagewatch serve. Check once from a shell: pagewatch check <target-id>.
package main
