package ferrors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRouteError_ErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := UpstreamFailure("transient", cause)

	assert.Contains(t, err.Error(), "upstream-failure")
	assert.Contains(t, err.Error(), "caused by")
	assert.Contains(t, err.Error(), cause.Error())
}

func TestRouteError_ErrorStringWithoutCause(t *testing.T) {
	err := NoHealthyServers("llama3:latest")
	assert.NotContains(t, err.Error(), "caused by")
	assert.Contains(t, err.Error(), "no-healthy-servers")
}

func TestRouteError_UnwrapAndErrorsIs(t *testing.T) {
	sentinel := errors.New("boom")
	err := UpstreamFailure("non_retryable", sentinel)
	assert.True(t, errors.Is(err, sentinel))
}

func TestIsKind(t *testing.T) {
	err := BreakerOpen("srv-a")
	assert.True(t, IsKind(err, KindBreakerOpen))
	assert.False(t, IsKind(err, KindQueueFull))
	assert.False(t, IsKind(errors.New("plain"), KindBreakerOpen))
}

func TestInCooldown_SetsRetryAfter(t *testing.T) {
	err := InCooldown("srv-a", "llama3:latest", 30*time.Second)
	assert.True(t, err.Retryable)
	assert.NotNil(t, err.RetryAfter)
	assert.Equal(t, 30*time.Second, *err.RetryAfter)
	assert.Equal(t, "srv-a", err.Details["server_id"])
}

func TestAllCandidatesExhausted_CarriesChain(t *testing.T) {
	chain := []CandidateFailure{
		{ServerID: "a", Classification: "transient", Err: errors.New("timeout")},
		{ServerID: "b", Classification: "non_retryable", Err: errors.New("401")},
	}
	last := errors.New("401")
	err := AllCandidatesExhausted(last, chain)

	assert.Equal(t, KindAllCandidatesTried, err.Kind)
	assert.Len(t, err.Chain, 2)
	assert.Equal(t, "b", err.Chain[1].ServerID)
	assert.True(t, errors.Is(err, last))
}

func TestWithDetail_LazilyInitializesMap(t *testing.T) {
	err := &RouteError{Kind: KindCancelled}
	err.WithDetail("k", "v")
	assert.Equal(t, "v", err.Details["k"])
}

func TestSeverityString(t *testing.T) {
	cases := map[Severity]string{
		SeverityInfo:     "INFO",
		SeverityWarning:  "WARNING",
		SeverityError:    "ERROR",
		SeverityCritical: "CRITICAL",
		Severity(99):     "UNKNOWN",
	}
	for sev, want := range cases {
		assert.Equal(t, want, sev.String())
	}
}
