// Package targetfile reads Target definitions from YAML and registers them.
//
// A file looks like:
//
//	targets:
//	  - id: pricing
//	    url: https://example.com/pricing
//	    check_method: dynamic
//	    check_interval: 900
//	    css_selector: "#plans"
//	    browser:
//	      wait_selector: "#plans"
//	      screenshot: true
package targetfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Defaults applied to fields a file leaves empty.
const (
	DefaultCheckInterval = 3600
	DefaultPriority      = 5
)

type document struct {
	Targets []monitor.Target `yaml:"targets"`
}

// Load reads and validates the targets in path.
func Load(path string) ([]monitor.Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open target file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse decodes and validates targets. Unknown keys are rejected, as are
// duplicate ids.
func Parse(r io.Reader) ([]monitor.Target, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode target file: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Targets))
	out := make([]monitor.Target, 0, len(doc.Targets))
	for i, t := range doc.Targets {
		t = withDefaults(t)
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("target #%d: %w", i+1, err)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("target #%d: duplicate id %q", i+1, t.ID)
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func withDefaults(t monitor.Target) monitor.Target {
	if t.Method == "" {
		t.Method = monitor.MethodStatic
	}
	if t.CheckInterval == 0 {
		t.CheckInterval = DefaultCheckInterval
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Status == "" {
		t.Status = monitor.TargetActive
	}
	return t
}

// Import upserts every target and returns how many were written. It stops at
// the first failure.
func Import(ctx context.Context, w monitor.TargetWriter, targets []monitor.Target) (int, error) {
	for i, t := range targets {
		if err := w.UpsertTarget(ctx, t); err != nil {
			return i, &monitor.PersistenceError{Op: "upsert target " + t.ID, Err: err}
		}
	}
	return len(targets), nil
}
