// Package driverpool keeps a bounded set of reusable browser handles, each
// running against its own isolated profile directory.
package driverpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultCapacity     = 5
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = 2 * time.Minute
)

// ErrClosed is returned by Acquire after Close or Cleanup.
var ErrClosed = errors.New("driver pool closed")

// Options identify the kind of browser a caller needs. Idle handles are only
// reused for identical options.
type Options struct {
	Headless     bool
	UserAgent    string
	WindowWidth  int
	WindowHeight int
}

// Driver is a live browser handle.
type Driver interface {
	// Context returns the browser context tabs are derived from.
	Context() context.Context
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context, profileDir string, opts Options) (Driver, error)
}

// Config controls pool sizing and idle reclamation.
type Config struct {
	Capacity     int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	// ProfileRoot is the parent of the pool's temporary directory; empty means
	// os.TempDir().
	ProfileRoot string
}

// Lease is exclusive use of one browser handle.
type Lease struct {
	id         string
	driver     Driver
	opts       Options
	profileDir string
	created    time.Time
	lastUsed   time.Time
	busy       bool
}

// ID returns the lease identifier.
func (l *Lease) ID() string { return l.id }

// Context returns the browser context of the leased handle.
func (l *Lease) Context() context.Context { return l.driver.Context() }

// Options returns the options the handle was launched with.
func (l *Lease) Options() Options { return l.opts }

// ProfileDir returns the handle's private profile directory.
func (l *Lease) ProfileDir() string { return l.profileDir }

// Stats summarizes pool occupancy.
type Stats struct {
	Capacity int `json:"capacity"`
	Busy     int `json:"busy"`
	Idle     int `json:"idle"`
}

// Pool hands out browser leases up to a fixed capacity.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	now      func() time.Time
	root     string

	mu      sync.Mutex
	leases  map[string]*Lease
	pending int
	seq     int
	closed  bool

	stopOnce sync.Once
	stop     chan struct{}
	reapDone chan struct{}
}

// New creates the pool's temporary profile root and starts the idle reaper.
func New(cfg Config, launcher Launcher, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, fmt.Errorf("driver pool requires a launcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	root, err := os.MkdirTemp(cfg.ProfileRoot, "pagewatch-profiles-")
	if err != nil {
		return nil, fmt.Errorf("create profile root: %w", err)
	}
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.Named("driverpool"),
		now:      time.Now,
		root:     root,
		leases:   make(map[string]*Lease),
		stop:     make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	go p.reapLoop()
	return p, nil
}

// Root returns the temporary directory holding every profile.
func (p *Pool) Root() string { return p.root }

// Acquire returns an idle handle launched with the same options, launches a
// new one when below capacity, or closes idle handles to make room: expired
// ones first, else the least recently used. It fails with
// monitor.ErrPoolExhausted only when every slot is busy.
func (p *Pool) Acquire(ctx context.Context, opts Options) (*Lease, error) {
	for attempt := 0; attempt < 2; attempt++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if lease := p.reuseLocked(opts); lease != nil {
			p.mu.Unlock()
			p.report()
			return lease, nil
		}
		if len(p.leases)+p.pending < p.cfg.Capacity {
			p.pending++
			p.seq++
			id := fmt.Sprintf("driver-%d", p.seq)
			p.mu.Unlock()
			return p.launch(ctx, id, opts)
		}
		expired := p.takeExpiredLocked()
		if len(expired) == 0 {
			// Every idle lease has other options; trade the stalest one.
			if lease := p.takeStalestIdleLocked(); lease != nil {
				expired = append(expired, lease)
			}
		}
		p.mu.Unlock()
		if len(expired) == 0 {
			break
		}
		p.closeAll(expired)
	}
	return nil, monitor.ErrPoolExhausted
}

// Release returns a lease to the idle set. Leases the pool does not know
// about, and any lease released after Close, are closed immediately.
func (p *Pool) Release(lease *Lease) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	current, ok := p.leases[lease.id]
	if !ok || current != lease || p.closed {
		if ok && current == lease {
			delete(p.leases, lease.id)
		}
		p.mu.Unlock()
		p.logger.Warn("closing unmanaged driver lease", zap.String("lease_id", lease.id))
		p.closeLease(lease)
		return
	}
	lease.busy = false
	lease.lastUsed = p.now()
	p.mu.Unlock()
	p.report()
}

// Reap closes idle handles unused for longer than the idle timeout and
// returns how many were closed.
func (p *Pool) Reap() int {
	p.mu.Lock()
	expired := p.takeExpiredLocked()
	p.mu.Unlock()
	p.closeAll(expired)
	if len(expired) > 0 {
		p.logger.Debug("reaped idle drivers", zap.Int("count", len(expired)))
		p.report()
	}
	return len(expired)
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Cleanup closes every handle and removes the profile root. Acquire fails
// afterwards.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	p.closed = true
	all := make([]*Lease, 0, len(p.leases))
	for id, lease := range p.leases {
		all = append(all, lease)
		delete(p.leases, id)
	}
	p.mu.Unlock()

	p.closeAll(all)
	p.report()
	if err := os.RemoveAll(p.root); err != nil {
		return fmt.Errorf("remove profile root: %w", err)
	}
	return nil
}

// Close stops the reaper and performs Cleanup.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.reapDone
	})
	return p.Cleanup()
}

func (p *Pool) launch(ctx context.Context, id string, opts Options) (*Lease, error) {
	dir := filepath.Join(p.root, id)
	release := func() {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		release()
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	driver, err := p.launcher.Launch(ctx, dir, opts)
	if err != nil {
		release()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("launch driver: %w", err)
	}

	now := p.now()
	lease := &Lease{
		id:         id,
		driver:     driver,
		opts:       opts,
		profileDir: dir,
		created:    now,
		lastUsed:   now,
		busy:       true,
	}

	p.mu.Lock()
	p.pending--
	if p.closed {
		p.mu.Unlock()
		p.closeLease(lease)
		return nil, ErrClosed
	}
	p.leases[id] = lease
	p.mu.Unlock()

	p.logger.Debug("launched driver", zap.String("lease_id", id))
	p.report()
	return lease, nil
}

func (p *Pool) reuseLocked(opts Options) *Lease {
	for _, lease := range p.leases {
		if !lease.busy && lease.opts == opts {
			lease.busy = true
			lease.lastUsed = p.now()
			return lease
		}
	}
	return nil
}

func (p *Pool) takeExpiredLocked() []*Lease {
	cutoff := p.now().Add(-p.cfg.IdleTimeout)
	var expired []*Lease
	for id, lease := range p.leases {
		if !lease.busy && lease.lastUsed.Before(cutoff) {
			expired = append(expired, lease)
			delete(p.leases, id)
		}
	}
	return expired
}

func (p *Pool) takeStalestIdleLocked() *Lease {
	var stalest *Lease
	for _, lease := range p.leases {
		if lease.busy {
			continue
		}
		if stalest == nil || lease.lastUsed.Before(stalest.lastUsed) {
			stalest = lease
		}
	}
	if stalest != nil {
		delete(p.leases, stalest.id)
	}
	return stalest
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Capacity: p.cfg.Capacity}
	for _, lease := range p.leases {
		if lease.busy {
			s.Busy++
		} else {
			s.Idle++
		}
	}
	return s
}

func (p *Pool) report() {
	s := p.Stats()
	metrics.SetDriverLeases(s.Busy, s.Idle)
}

func (p *Pool) closeAll(leases []*Lease) {
	for _, lease := range leases {
		p.closeLease(lease)
	}
}

func (p *Pool) closeLease(lease *Lease) {
	if lease.driver != nil {
		if err := lease.driver.Close(); err != nil {
			p.logger.Warn("close driver failed", zap.String("lease_id", lease.id), zap.Error(err))
		}
	}
	if lease.profileDir != "" {
		if err := os.RemoveAll(lease.profileDir); err != nil {
			p.logger.Warn("remove profile dir failed", zap.String("lease_id", lease.id), zap.Error(err))
		}
	}
}

func (p *Pool) reapLoop() {
	defer close(p.reapDone)
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}
