package driverpool

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

type fakeDriver struct {
	ctx    context.Context
	closed atomic.Bool
}

func (d *fakeDriver) Context() context.Context { return d.ctx }

func (d *fakeDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeDriver
	dirs     []string
	delay    time.Duration
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, profileDir string, _ Options) (Driver, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.err != nil {
		return nil, l.err
	}
	d := &fakeDriver{ctx: context.Background()}
	l.mu.Lock()
	l.launched = append(l.launched, d)
	l.dirs = append(l.dirs, profileDir)
	l.mu.Unlock()
	return d, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func newTestPool(t *testing.T, capacity int, launcher *fakeLauncher) *Pool {
	t.Helper()
	p, err := New(Config{
		Capacity:     capacity,
		IdleTimeout:  time.Minute,
		ReapInterval: time.Hour,
		ProfileRoot:  t.TempDir(),
	}, launcher, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquireReusesIdleLeaseWithMatchingOptions(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 2, launcher)
	ctx := context.Background()
	opts := Options{Headless: true, WindowWidth: 1280, WindowHeight: 720}

	first, err := p.Acquire(ctx, opts)
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire(ctx, opts)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, launcher.count())

	other, err := p.Acquire(ctx, Options{Headless: false})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), other.ID())
	assert.Equal(t, 2, launcher.count())
	assert.NotEqual(t, first.ProfileDir(), other.ProfileDir())
}

func TestAcquireExhausted(t *testing.T) {
	p := newTestPool(t, 1, &fakeLauncher{})
	ctx := context.Background()

	lease, err := p.Acquire(ctx, Options{})
	require.NoError(t, err)

	_, err = p.Acquire(ctx, Options{})
	require.ErrorIs(t, err, monitor.ErrPoolExhausted)

	p.Release(lease)
	again, err := p.Acquire(ctx, Options{})
	require.NoError(t, err)
	assert.Same(t, lease, again)
}

func TestAcquireReplacesIdleLeaseWithOtherOptions(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 1, launcher)
	ctx := context.Background()

	old, err := p.Acquire(ctx, Options{UserAgent: "a"})
	require.NoError(t, err)
	p.Release(old)

	fresh, err := p.Acquire(ctx, Options{UserAgent: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Equal(t, Options{UserAgent: "b"}, fresh.Options())
	assert.True(t, launcher.launched[0].closed.Load())
	_, statErr := os.Stat(old.ProfileDir())
	assert.True(t, os.IsNotExist(statErr))

	// With the only slot busy there is nothing left to trade.
	_, err = p.Acquire(ctx, Options{UserAgent: "a"})
	require.ErrorIs(t, err, monitor.ErrPoolExhausted)
}

func TestAcquireReclaimsExpiredIdleLeases(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 2, launcher)
	ctx := context.Background()
	now := time.Now()
	p.now = func() time.Time { return now }

	first, err := p.Acquire(ctx, Options{UserAgent: "a"})
	require.NoError(t, err)
	second, err := p.Acquire(ctx, Options{UserAgent: "c"})
	require.NoError(t, err)
	p.Release(first)
	p.Release(second)

	now = now.Add(2 * time.Minute)
	_, err = p.Acquire(ctx, Options{UserAgent: "b"})
	require.NoError(t, err)
	assert.True(t, launcher.launched[0].closed.Load())
	assert.True(t, launcher.launched[1].closed.Load())
	assert.Equal(t, Stats{Capacity: 2, Busy: 1}, p.Stats())
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	launcher := &fakeLauncher{delay: 5 * time.Millisecond}
	p := newTestPool(t, capacity, launcher)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		leases    []*Lease
		exhausted atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), Options{})
			if errors.Is(err, monitor.ErrPoolExhausted) {
				exhausted.Add(1)
				return
			}
			if assert.NoError(t, err) {
				mu.Lock()
				leases = append(leases, lease)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, leases, capacity)
	assert.Equal(t, int32(20-capacity), exhausted.Load())
	assert.Equal(t, capacity, launcher.count())
	assert.Equal(t, Stats{Capacity: capacity, Busy: capacity}, p.Stats())
}

func TestReleaseUnknownLeaseForceCloses(t *testing.T) {
	p := newTestPool(t, 1, &fakeLauncher{})
	stray := &fakeDriver{ctx: context.Background()}

	p.Release(&Lease{id: "stray", driver: stray})

	assert.True(t, stray.closed.Load())
	assert.Equal(t, Stats{Capacity: 1}, p.Stats())
}

func TestLaunchFailureFreesSlot(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("no chrome")}
	p := newTestPool(t, 1, launcher)

	_, err := p.Acquire(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chrome")

	launcher.err = nil
	_, err = p.Acquire(context.Background(), Options{})
	require.NoError(t, err)
}

func TestReap(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 2, launcher)
	now := time.Now()
	p.now = func() time.Time { return now }

	idle, err := p.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	busy, err := p.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	p.Release(idle)

	assert.Equal(t, 0, p.Reap())
	now = now.Add(time.Hour)
	assert.Equal(t, 1, p.Reap())
	assert.Equal(t, Stats{Capacity: 2, Busy: 1}, p.Stats())

	p.Release(busy)
	assert.Equal(t, Stats{Capacity: 2, Idle: 1}, p.Stats())
}

func TestCleanupClosesEverything(t *testing.T) {
	launcher := &fakeLauncher{}
	p := newTestPool(t, 2, launcher)

	lease, err := p.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	require.NoError(t, p.Cleanup())

	assert.True(t, launcher.launched[0].closed.Load())
	_, statErr := os.Stat(p.Root())
	assert.True(t, os.IsNotExist(statErr))

	_, err = p.Acquire(context.Background(), Options{})
	require.ErrorIs(t, err, ErrClosed)

	// Releasing after cleanup must not panic or resurrect the lease.
	p.Release(lease)
	assert.Equal(t, Stats{Capacity: 2}, p.Stats())
}
