// Package browser implements the heavy fetch strategy: a leased headless
// Chrome tab driven through chromedp.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/driverpool"
	"github.com/JakeFAU/pagewatch/internal/fetcher"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Leaser hands out browser leases.
type Leaser interface {
	Acquire(ctx context.Context, opts driverpool.Options) (*driverpool.Lease, error)
	Release(lease *driverpool.Lease)
}

// Config controls navigation behavior.
type Config struct {
	Options driverpool.Options
	Timeout time.Duration
	Settle  time.Duration
}

// Fetcher implements fetcher.Strategy with leased browser tabs.
type Fetcher struct {
	cfg    Config
	pool   Leaser
	logger *zap.Logger
}

var _ fetcher.Strategy = (*Fetcher)(nil)

// New builds a browser Fetcher.
func New(cfg Config, pool Leaser, logger *zap.Logger) (*Fetcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("browser fetcher requires a driver pool")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, pool: pool, logger: logger.Named("browser")}, nil
}

// Method reports the strategy's method.
func (f *Fetcher) Method() monitor.Method { return monitor.MethodDynamic }

// Close is a no-op; leases belong to the pool.
func (f *Fetcher) Close() error { return nil }

// Fetch leases a browser, renders the target and returns its markup. The
// lease is released on every return path.
func (f *Fetcher) Fetch(ctx context.Context, target monitor.Target) (fetcher.Page, error) {
	lease, err := f.pool.Acquire(ctx, f.cfg.Options)
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("acquire driver: %w", err)
	}
	defer f.pool.Release(lease)

	tabCtx, cancelTab := chromedp.NewContext(lease.Context())
	defer cancelTab()
	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	taskCtx, cancel := context.WithTimeout(tabCtx, f.cfg.Timeout)
	defer cancel()

	status := &documentStatus{}
	chromedp.ListenTarget(taskCtx, status.capture)

	var (
		page       fetcher.Page
		screenshot []byte
	)
	if err := chromedp.Run(taskCtx, f.actions(target, &page.Body, &page.FinalURL, &screenshot)...); err != nil {
		if ctx.Err() != nil {
			return fetcher.Page{}, fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return fetcher.Page{}, fmt.Errorf("chromedp run: %w", err)
	}
	page.Screenshot = screenshot
	page.StatusCode = status.get()
	f.logger.Debug("rendered page",
		zap.String("target_id", target.ID),
		zap.String("lease_id", lease.ID()),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.Body)),
	)
	return page, nil
}

func (f *Fetcher) actions(target monitor.Target, html, finalURL *string, screenshot *[]byte) []chromedp.Action {
	opts := target.Browser
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(target.URL),
	}
	if opts.WaitSelector != "" {
		actions = append(actions, chromedp.WaitReady(opts.WaitSelector, queryOption(opts.WaitSelector)))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if f.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.Settle))
	}
	if opts.ScrollToBottom {
		actions = append(actions,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(f.scrollPause()),
		)
	}
	for _, sel := range opts.ClickSelectors {
		if sel == "" {
			continue
		}
		actions = append(actions,
			chromedp.WaitVisible(sel, queryOption(sel)),
			chromedp.Click(sel, queryOption(sel)),
		)
	}
	actions = append(actions,
		chromedp.Location(finalURL),
		chromedp.OuterHTML("html", html, chromedp.ByQuery),
	)
	if opts.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(screenshot, 90))
	}
	return actions
}

func (f *Fetcher) scrollPause() time.Duration {
	if f.cfg.Settle > 0 && f.cfg.Settle < time.Second {
		return f.cfg.Settle
	}
	return time.Second
}

// queryOption picks XPath for selectors that look like a path expression.
func queryOption(sel string) chromedp.QueryOption {
	if strings.HasPrefix(sel, "/") || strings.HasPrefix(sel, "(") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

type documentStatus struct {
	mu     sync.Mutex
	status int
}

func (d *documentStatus) capture(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.mu.Unlock()
}

func (d *documentStatus) get() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
