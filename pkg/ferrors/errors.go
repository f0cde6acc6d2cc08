// Package ferrors provides the error taxonomy the routing core returns to
// its host: a severity-tagged base error with a cause chain, plus the
// specific error kinds the routing engine and queue surface.
package ferrors

import (
	"errors"
	"fmt"
	"time"
)

// Severity indicates how serious an error is, independent of its kind.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Kind is a machine-readable error code the host can switch on.
type Kind string

const (
	KindNoHealthyServers   Kind = "no-healthy-servers"
	KindModelNotAvailable  Kind = "model-not-available"
	KindServerNotFound     Kind = "server-not-found"
	KindServerUnhealthy    Kind = "server-unhealthy"
	KindInCooldown         Kind = "in-cooldown"
	KindBanned             Kind = "banned"
	KindBreakerOpen        Kind = "breaker-open"
	KindQueueFull          Kind = "queue-full"
	KindQueuePaused        Kind = "queue-paused"
	KindQueueCleared       Kind = "queue-cleared"
	KindDeadlineExceeded   Kind = "deadline-exceeded"
	KindUpstreamFailure    Kind = "upstream-failure"
	KindCancelled          Kind = "cancelled"
	KindAllCandidatesTried Kind = "all-candidates-exhausted"
)

// RouteError is the error type the routing engine and queue return to a
// host. It carries a Kind for programmatic dispatch, an optional
// Classification for upstream-failure errors, and a chain of per-candidate
// causes collected during failover.
type RouteError struct {
	Kind           Kind
	Classification string
	Message        string
	Severity       Severity
	Timestamp      time.Time
	Details        map[string]interface{}
	Cause          error
	Retryable      bool
	RetryAfter     *time.Duration

	// Chain records one entry per failed candidate tried during failover,
	// in order, for diagnostics. It is never used for control flow.
	Chain []CandidateFailure
}

// CandidateFailure records a single candidate's failure during failover.
type CandidateFailure struct {
	ServerID       string
	Classification string
	Err            error
}

// New creates a RouteError of the given kind with a message.
func New(kind Kind, message string) *RouteError {
	return &RouteError{
		Kind:      kind,
		Message:   message,
		Severity:  SeverityError,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Kind, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Severity, e.Message)
}

// Unwrap returns the underlying cause, allowing errors.Is/As to traverse it.
func (e *RouteError) Unwrap() error { return e.Cause }

// WithDetail attaches a diagnostic key/value pair.
func (e *RouteError) WithDetail(key string, value interface{}) *RouteError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause.
func (e *RouteError) WithCause(cause error) *RouteError {
	e.Cause = cause
	return e
}

// WithClassification tags the error with the classifier's verdict.
func (e *RouteError) WithClassification(classification string) *RouteError {
	e.Classification = classification
	return e
}

// WithRetry marks the error retryable and suggests a delay.
func (e *RouteError) WithRetry(after time.Duration) *RouteError {
	e.Retryable = true
	e.RetryAfter = &after
	return e
}

// WithChain replaces the recorded per-candidate failure chain.
func (e *RouteError) WithChain(chain []CandidateFailure) *RouteError {
	e.Chain = chain
	return e
}

// IsKind reports whether err is a *RouteError of the given kind, unwrapping
// as necessary.
func IsKind(err error, kind Kind) bool {
	var re *RouteError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// NoHealthyServers builds the terminal error for an empty candidate list.
func NoHealthyServers(model string) *RouteError {
	return New(KindNoHealthyServers, "no healthy servers available for model").
		WithDetail("model", model)
}

// ModelNotAvailable builds the terminal error for an unknown model.
func ModelNotAvailable(model string) *RouteError {
	return New(KindModelNotAvailable, "model is not advertised by any fleet member").
		WithDetail("model", model)
}

// ServerNotFound builds the terminal error for a directed request naming an
// unknown server id.
func ServerNotFound(serverID string) *RouteError {
	return New(KindServerNotFound, "server id not present in fleet registry").
		WithDetail("server_id", serverID)
}

// ServerUnhealthy builds the terminal error for a directed request against a
// server marked unhealthy, draining, or in maintenance.
func ServerUnhealthy(serverID string) *RouteError {
	return New(KindServerUnhealthy, "server is not eligible to receive requests").
		WithDetail("server_id", serverID)
}

// InCooldown builds the error for a candidate skipped due to an active
// per-(server,model) cooldown.
func InCooldown(serverID, model string, remaining time.Duration) *RouteError {
	return New(KindInCooldown, "server is in cooldown for this model").
		WithDetail("server_id", serverID).
		WithDetail("model", model).
		WithRetry(remaining)
}

// Banned builds the error for a candidate skipped due to an admin ban.
func Banned(serverID, model string) *RouteError {
	return New(KindBanned, "server is banned for this model").
		WithDetail("server_id", serverID).
		WithDetail("model", model)
}

// BreakerOpen builds the error for a candidate skipped because its breaker
// is open.
func BreakerOpen(key string) *RouteError {
	return New(KindBreakerOpen, "circuit breaker is open").
		WithDetail("breaker_key", key)
}

// QueueFull builds the rejection returned when the priority queue is at
// capacity.
func QueueFull(size, maxSize int) *RouteError {
	return New(KindQueueFull, "priority queue is at capacity").
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

// QueuePaused builds the rejection returned when enqueue is attempted while
// the queue is paused.
func QueuePaused() *RouteError {
	return New(KindQueuePaused, "priority queue is paused")
}

// QueueCleared builds the rejection delivered to every envelope resolved by
// Clear().
func QueueCleared() *RouteError {
	return New(KindQueueCleared, "priority queue was cleared")
}

// DeadlineExceeded builds the rejection for an envelope whose deadline has
// already passed when dequeued.
func DeadlineExceeded(id string) *RouteError {
	return New(KindDeadlineExceeded, "envelope deadline exceeded before dequeue").
		WithDetail("envelope_id", id)
}

// UpstreamFailure builds the terminal error surfaced after failover
// exhausts all candidates or hits a non-retryable failure.
func UpstreamFailure(classification string, cause error) *RouteError {
	return New(KindUpstreamFailure, "upstream call failed").
		WithClassification(classification).
		WithCause(cause)
}

// AllCandidatesExhausted builds the terminal error for a failover loop that
// tried every ranked candidate without success.
func AllCandidatesExhausted(lastErr error, chain []CandidateFailure) *RouteError {
	return New(KindAllCandidatesTried, "all candidates exhausted during failover").
		WithCause(lastErr).
		WithChain(chain)
}

// Cancelled builds the error for a request aborted via its cancellation
// handle.
func Cancelled() *RouteError {
	return New(KindCancelled, "request was cancelled")
}
