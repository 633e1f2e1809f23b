// Package fetcher acquires the current content of a Target through a fast
// HTTP strategy or a heavy browser strategy, falling back to the other one
// once when the first produced nothing.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/extract"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Page is the raw output of a strategy.
type Page struct {
	Body       string
	Screenshot []byte
	StatusCode int
	FinalURL   string
}

// Strategy fetches a page one way.
type Strategy interface {
	Method() monitor.Method
	Fetch(ctx context.Context, target monitor.Target) (Page, error)
	Close() error
}

// Result is the outcome of ContentFetcher.Check. Exactly one of Success or
// Err is set.
type Result struct {
	Success            bool
	Content            string
	ContentHash        string
	ContentLocation    string
	ScreenshotLocation string
	Size               int
	Method             monitor.Method
	Fallback           bool
	Duration           time.Duration
	Err                *monitor.FetchError
}

// ContentFetcher owns one strategy per method plus the blob sink for content.
type ContentFetcher struct {
	strategies map[monitor.Method]Strategy
	blobs      monitor.BlobStore
	hasher     monitor.Hasher
	logger     *zap.Logger
	prefix     string
	now        func() time.Time
}

// Option customizes a ContentFetcher.
type Option func(*ContentFetcher)

// WithStrategy registers s under its own method, replacing any previous one.
func WithStrategy(s Strategy) Option {
	return func(f *ContentFetcher) {
		if s != nil {
			f.strategies[s.Method()] = s
		}
	}
}

// WithBlobPrefix sets the object path prefix for stored content.
func WithBlobPrefix(prefix string) Option {
	return func(f *ContentFetcher) { f.prefix = prefix }
}

// New builds a ContentFetcher. At least one strategy must be registered.
func New(blobs monitor.BlobStore, hasher monitor.Hasher, logger *zap.Logger, opts ...Option) (*ContentFetcher, error) {
	if blobs == nil || hasher == nil {
		return nil, fmt.Errorf("content fetcher requires a blob store and a hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &ContentFetcher{
		strategies: make(map[monitor.Method]Strategy),
		blobs:      blobs,
		hasher:     hasher,
		logger:     logger.Named("fetcher"),
		prefix:     "snapshots",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if len(f.strategies) == 0 {
		return nil, fmt.Errorf("content fetcher requires at least one strategy")
	}
	return f, nil
}

// Check fetches the target, extracts the relevant content and stores it.
// It never panics and reports every failure through Result.Err.
func (f *ContentFetcher) Check(ctx context.Context, target monitor.Target) (res Result) {
	start := f.now()
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("fetch panicked", zap.String("target_id", target.ID), zap.Any("panic", r))
			res = Result{
				Method: target.Method,
				Err: &monitor.FetchError{
					Kind:     monitor.FetchUnknown,
					Strategy: target.Method,
					Err:      fmt.Errorf("panic: %v", r),
				},
			}
		}
		res.Duration = f.now().Sub(start)
		status := "success"
		if res.Err != nil {
			status = string(res.Err.Kind)
		}
		metrics.ObserveCheck(string(res.Method), status, res.Duration)
	}()

	primary, secondary := f.order(target.Method)
	content, page, err := f.attempt(ctx, primary, target)
	method := primary.Method()
	fallback := primary.Method() != target.Method
	if err != nil && content == "" && secondary != nil && ctx.Err() == nil {
		f.logger.Info("falling back to alternate strategy",
			zap.String("target_id", target.ID),
			zap.String("from", string(primary.Method())),
			zap.String("to", string(secondary.Method())),
			zap.Error(err),
		)
		var fbErr error
		content, page, fbErr = f.attempt(ctx, secondary, target)
		if fbErr == nil {
			err = nil
			method = secondary.Method()
			fallback = true
			metrics.ObserveFallback(string(method))
		}
	}
	if err != nil {
		return Result{Method: method, Fallback: fallback, Err: Classify(err, method)}
	}

	res, err = f.store(ctx, target, content, page.Screenshot)
	res.Method = method
	res.Fallback = fallback
	if err != nil {
		res.Success = false
		res.Err = &monitor.FetchError{Kind: monitor.FetchUnknown, Strategy: method, Err: err}
	}
	return res
}

// Close closes every strategy.
func (f *ContentFetcher) Close() error {
	var first error
	for _, s := range f.strategies {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *ContentFetcher) order(method monitor.Method) (Strategy, Strategy) {
	primary, ok := f.strategies[method]
	secondary := f.strategies[method.Other()]
	if !ok {
		return secondary, nil
	}
	return primary, secondary
}

func (f *ContentFetcher) attempt(ctx context.Context, s Strategy, target monitor.Target) (string, Page, error) {
	page, err := s.Fetch(ctx, target)
	if err != nil {
		return "", page, err
	}
	content, err := extract.Apply(page.Body, extract.RulesFor(target))
	if err != nil {
		return "", page, fmt.Errorf("extract content: %w", err)
	}
	return content, page, nil
}

func (f *ContentFetcher) store(ctx context.Context, target monitor.Target, content string, screenshot []byte) (Result, error) {
	body := []byte(content)
	sum, err := f.hasher.Hash(body)
	if err != nil {
		return Result{}, fmt.Errorf("hash content: %w", err)
	}
	res := Result{
		Success:     true,
		Content:     content,
		ContentHash: sum,
		Size:        len(body),
	}
	res.ContentLocation, err = f.blobs.PutObject(ctx, f.objectPath(target.ID, sum, "html"),
		"text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("store content: %w", err)
	}
	if len(screenshot) > 0 {
		res.ScreenshotLocation, err = f.blobs.PutObject(ctx, f.objectPath(target.ID, sum, "png"),
			"image/png", bytes.NewReader(screenshot))
		if err != nil {
			return res, fmt.Errorf("store screenshot: %w", err)
		}
	}
	return res, nil
}

func (f *ContentFetcher) objectPath(targetID, sum, ext string) string {
	return path.Join(f.prefix, targetID, sum+"."+ext)
}
