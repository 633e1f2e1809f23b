// Package static implements the fast fetch strategy on top of Colly.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/fetcher"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
)

// DefaultHeaders are sent with every request unless overridden.
var DefaultHeaders = http.Header{
	"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
	"Accept-Language":           {"en-US,en;q=0.5"},
	"Connection":                {"keep-alive"},
	"Upgrade-Insecure-Requests": {"1"},
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	Retries      int
	RetryDelay   time.Duration
	MaxBodyBytes int
	Limiter      *ratelimit.Limiter
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Fetcher implements fetcher.Strategy using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ fetcher.Strategy = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit(), colly.IgnoreRobotsTxt())
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger.Named("static"),
	}
}

// Method reports the strategy's method.
func (f *Fetcher) Method() monitor.Method { return monitor.MethodStatic }

// Fetch issues a GET, retrying timeouts, connection failures and 5xx
// responses with a fixed delay.
func (f *Fetcher) Fetch(ctx context.Context, target monitor.Target) (fetcher.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if attempt > 0 {
			f.logger.Debug("retrying fetch",
				zap.String("target_id", target.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, f.cfg.RetryDelay); err != nil {
				return fetcher.Page{}, err
			}
		}
		if err := f.cfg.Limiter.Wait(ctx, target.URL); err != nil {
			return fetcher.Page{}, err
		}
		page, err := f.fetchOnce(ctx, target.URL)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return fetcher.Page{}, lastErr
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (fetcher.Page, error) {
	var (
		page     fetcher.Page
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &page, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return fetcher.Page{}, err
	}
	return page, nil
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, page *fetcher.Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range DefaultHeaders {
			if r.Headers.Get(key) != "" {
				continue
			}
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = fetcher.Page{
			Body:       string(r.Body),
			StatusCode: r.StatusCode,
			FinalURL:   r.Request.URL.String(),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 300 {
			*fetchErr = &StatusError{Code: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	kind := fetcher.Classify(err, monitor.MethodStatic).Kind
	return kind == monitor.FetchTimeout || kind == monitor.FetchConnection
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
