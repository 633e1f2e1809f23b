package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportCheckAndList(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>hello</p></body></html>"))
	}))
	defer page.Close()

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "pagewatch.yaml", fmt.Sprintf(`
storage:
  driver: sqlite
  dsn: %s
blobs:
  driver: local
  base_dir: %s
fetch:
  use_headless_browser: false
  retries: 0
  timeout_seconds: 5
logging:
  development: false
  level: error
`, filepath.Join(dir, "pagewatch.db"), filepath.Join(dir, "blobs")))
	targetsPath := writeFile(t, dir, "targets.yaml", fmt.Sprintf(`
targets:
  - id: home
    url: %s
    check_interval: 60
`, page.URL))

	out, err := execute(t, "--config", cfgPath, "targets", "import", targetsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 targets")

	out, err = execute(t, "--config", cfgPath, "check", "home")
	require.NoError(t, err)
	var task monitor.Task
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &task))
	assert.Equal(t, "home", task.Target.ID)
	assert.Equal(t, monitor.TaskCompleted, task.State, task.Error)
	assert.NotEmpty(t, task.SnapshotID)

	out, err = execute(t, "--config", cfgPath, "targets", "list")
	require.NoError(t, err)
	var targets []monitor.Target
	require.NoError(t, json.Unmarshal([]byte(out), &targets))
	require.Len(t, targets, 1)
	require.NotNil(t, targets[0].LastCheckAt)
}

func TestCheckUnknownTarget(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "pagewatch.yaml", `
storage:
  driver: memory
blobs:
  driver: memory
fetch:
  use_headless_browser: false
logging:
  development: false
  level: error
`)
	_, err := execute(t, "--config", cfgPath, "check", "nope")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "pagewatch.yaml", "storage:\n  driver: cassandra\n")
	_, err := execute(t, "--config", cfgPath, "targets", "list")
	require.ErrorContains(t, err, "storage.driver")
}
