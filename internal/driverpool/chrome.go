package driverpool

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// ChromeLauncher starts Chrome through chromedp.
type ChromeLauncher struct {
	// ExecPath overrides the browser binary; empty uses chromedp's lookup.
	ExecPath string
}

type chromeDriver struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (d *chromeDriver) Context() context.Context { return d.ctx }

func (d *chromeDriver) Close() error {
	d.cancel()
	return nil
}

// Launch starts a browser process bound to profileDir and waits until it
// accepts commands. The browser outlives ctx; ctx only bounds the start-up.
func (l ChromeLauncher) Launch(ctx context.Context, profileDir string, opts Options) (Driver, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if l.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(browserCtx)
	if !stop() {
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &chromeDriver{ctx: browserCtx, cancel: cancel}, nil
}
