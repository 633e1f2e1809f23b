package fetcher

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/JakeFAU/pagewatch/internal/monitor"
)

// Classify maps a strategy error to a FetchError.
func Classify(err error, strategy monitor.Method) *monitor.FetchError {
	if err == nil {
		return nil
	}
	var fe *monitor.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &monitor.FetchError{Kind: kindOf(err, strategy), Strategy: strategy, Err: err}
}

func kindOf(err error, strategy monitor.Method) monitor.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return monitor.FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return monitor.FetchTimeout
	}
	if isConnection(err) {
		return monitor.FetchConnection
	}
	if strategy == monitor.MethodDynamic {
		return monitor.FetchAutomation
	}
	return monitor.FetchUnknown
}

func isConnection(err error) bool {
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr), errors.As(err, &urlErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
