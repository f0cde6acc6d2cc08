// Package classify maps a raw upstream error into one of a small set of
// classifications that the breaker and failover logic use to decide how
// aggressively to react.
package classify

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// Classification is the verdict returned by Classify.
type Classification string

const (
	// Transient covers network resets, timeouts, connection refusals, and
	// upstream 502/503/504 responses: the server is momentarily unavailable but the
	// request itself was sound.
	Transient Classification = "transient"

	// Retryable covers errors known to be recoverable on a different
	// attempt but not classified as a transient network condition (e.g.
	// HTTP 429, a generic server error string).
	Retryable Classification = "retryable"

	// NonRetryable covers client errors: bad requests, missing resources,
	// auth failures. Retrying the same request anywhere will not help.
	NonRetryable Classification = "non-retryable"

	// Unknown is the catch-all. For breaker purposes it is treated like
	// Retryable (it still counts toward tripping); for warmup-style
	// retries it is treated as non-retryable, since an unrecognized error
	// is not known-safe to repeat indiscriminately.
	Unknown Classification = "unknown"
)

// IsRetryableForBreaker reports whether the classification should be
// retried against another candidate during failover.
func (c Classification) IsRetryableForBreaker() bool {
	switch c {
	case Transient, Retryable, Unknown:
		return true
	default:
		return false
	}
}

// IsRetryableForWarmup reports whether the classification is safe to retry
// from an auxiliary warmup subsystem. Unlike breaker-facing retries, Unknown
// is treated conservatively here since warmup retries are not on the
// client's critical path and an unrecognized failure may indicate something
// that repeating will not fix.
func (c Classification) IsRetryableForWarmup() bool {
	switch c {
	case Transient, Retryable:
		return true
	default:
		return false
	}
}

var nonRetryablePatterns = []string{
	"not found",
	"unauthorized",
	"forbidden",
	"invalid argument",
	"invalid request",
	"bad request",
}

var transientPatterns = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"timed out",
	"broken pipe",
	"eof",
	"no route to host",
	"network is unreachable",
}

var retryablePatterns = []string{
	"too many requests",
	"rate limited",
	"server error",
	"service unavailable",
	"temporarily unavailable",
}

// StatusCoder is implemented by upstream errors (or wrapped responses) that
// can report an HTTP-like status code. The classifier type-asserts for it
// before falling back to string matching.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps a raw error into one of the four classifications. Rules
// are evaluated in order: transient, non-retryable,
// retryable, then the unknown catch-all.
func Classify(err error) Classification {
	if err == nil {
		return Unknown
	}

	if code, ok := statusCode(err); ok {
		return classifyStatusCode(code)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	if isTransientNetworkError(err) {
		return Transient
	}

	msg := strings.ToLower(err.Error())

	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return Transient
		}
	}
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return NonRetryable
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return Retryable
		}
	}

	return Unknown
}

// ClassifyStatus classifies a bare HTTP-like status code, for callers that
// have the code but no error value (e.g. a successfully-parsed error
// response body).
func ClassifyStatus(statusCode int) Classification {
	return classifyStatusCode(statusCode)
}

func classifyStatusCode(code int) Classification {
	switch {
	case code == 502 || code == 503 || code == 504:
		return Transient
	case code >= 500:
		return Retryable
	case code == 429:
		return Retryable
	case code >= 400:
		return NonRetryable
	default:
		return Unknown
	}
}

func statusCode(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}

	// Some upstream shims surface the code as a prefix like "http 503: ..."
	msg := err.Error()
	if idx := strings.Index(msg, "http "); idx >= 0 {
		rest := msg[idx+5:]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 3 {
			if n, convErr := strconv.Atoi(rest[:end]); convErr == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func isTransientNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var errnoErr syscall.Errno
	if errors.As(err, &errnoErr) {
		switch errnoErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return true
		}
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
