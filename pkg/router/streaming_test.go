package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrouter/pkg/balancer"
	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/classify"
	"fleetrouter/pkg/fleet"
	"fleetrouter/pkg/queue"
	"fleetrouter/pkg/stream"
)

func streamTestConfig() stream.Config {
	cfg := stream.DefaultConfig()
	cfg.ConnectTimeout = 250 * time.Millisecond
	cfg.ActivityTimeout = 250 * time.Millisecond
	return cfg
}

func TestStreamingUpstream_CopiesBodyAndReportsOutcome(t *testing.T) {
	var dst bytes.Buffer
	fn := StreamingUpstream(streamTestConfig(), &dst, func(ctx context.Context, b fleet.Backend) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("streamed tokens"))), nil
	}, nil, nil)

	outcome, err := fn(context.Background(), fleet.Backend{ID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "streamed tokens", dst.String())
	assert.True(t, outcome.Streaming)
	assert.True(t, outcome.FirstByteWritten)
	assert.Greater(t, outcome.TimeToFirstToken, time.Duration(0))
	assert.Equal(t, outcome.Duration, outcome.StreamingDuration)
}

func TestStreamingUpstream_OpenErrorLeavesFirstByteUnset(t *testing.T) {
	var dst bytes.Buffer
	fn := StreamingUpstream(streamTestConfig(), &dst, func(ctx context.Context, b fleet.Backend) (io.ReadCloser, error) {
		return nil, errors.New("connection refused")
	}, nil, nil)

	outcome, err := fn(context.Background(), fleet.Backend{ID: "A"})
	require.Error(t, err)
	assert.False(t, outcome.FirstByteWritten)
	assert.Equal(t, classify.Transient, classify.Classify(err))
}

func TestStreamingUpstream_ConnectTimeoutIsTransient(t *testing.T) {
	cfg := streamTestConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond

	var dst bytes.Buffer
	fn := StreamingUpstream(cfg, &dst, func(ctx context.Context, b fleet.Backend) (io.ReadCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, nil)

	outcome, err := fn(context.Background(), fleet.Backend{ID: "A"})
	assert.ErrorIs(t, err, stream.ErrConnectTimeout)
	assert.False(t, outcome.FirstByteWritten)
	assert.Equal(t, classify.Transient, classify.Classify(err))
}

// A long stream must not be killed by the connect deadline: connection
// establishment is fast, but the body takes several connect-windows to
// finish arriving.
func TestStreamingUpstream_ConnectDeadlineDoesNotBoundTheCopy(t *testing.T) {
	cfg := streamTestConfig()
	cfg.ConnectTimeout = 40 * time.Millisecond
	cfg.ActivityTimeout = 200 * time.Millisecond

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(30 * time.Millisecond)
			if _, err := pw.Write([]byte("chunk")); err != nil {
				return
			}
		}
		pw.Close()
	}()

	var dst bytes.Buffer
	fn := StreamingUpstream(cfg, &dst, func(ctx context.Context, b fleet.Backend) (io.ReadCloser, error) {
		return pr, nil
	}, nil, nil)

	outcome, err := fn(context.Background(), fleet.Backend{ID: "A"})
	require.NoError(t, err)
	assert.Greater(t, outcome.Duration, cfg.ConnectTimeout)
	assert.EqualValues(t, 25, dst.Len())
}

// Failover integration: the first candidate's open fails before any byte is
// written, so the router moves on; the second candidate streams the whole
// body. A mid-stream failure on the second run shows the converse: no third
// attempt once the client has seen bytes.
func TestStreamingUpstream_FailoverBeforeFirstByteOnly(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "m")
	addBackend(t, reg, "B", "m")
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	rec := &fakeMetricsRecorder{}
	r, _, _, _ := newTestRouter(t, reg, breakers, rec)

	var dst bytes.Buffer
	fn := StreamingUpstream(streamTestConfig(), &dst, func(ctx context.Context, b fleet.Backend) (io.ReadCloser, error) {
		if b.ID == "A" {
			return nil, errors.New("connection refused")
		}
		return io.NopCloser(bytes.NewReader([]byte("from B"))), nil
	}, nil, nil)

	rc := NewRoutingContext("m", queue.EndpointChat, true, balancer.CapabilityNative)
	outcome, err := r.TryRequestWithFailover(context.Background(), rc, fn)
	require.NoError(t, err)
	assert.Equal(t, "from B", dst.String())
	assert.Equal(t, []string{"A", "B"}, rc.Tried)
	assert.True(t, outcome.FirstByteWritten)
	assert.Greater(t, rc.StreamingDuration, time.Duration(0))
	assert.Equal(t, outcome.TimeToFirstToken, rc.TimeToFirstToken)

	// Mid-stream failure after bytes were written: the error surfaces as a
	// stream termination, with no failover to the remaining candidate.
	dst.Reset()
	opens := 0
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("partial"))
		pw.CloseWithError(errors.New("connection reset by peer"))
	}()
	failing := StreamingUpstream(streamTestConfig(), &dst, func(ctx context.Context, b fleet.Backend) (io.ReadCloser, error) {
		opens++
		return pr, nil
	}, nil, nil)

	rc2 := NewRoutingContext("m", queue.EndpointChat, true, balancer.CapabilityNative)
	outcome2, err2 := r.TryRequestWithFailover(context.Background(), rc2, failing)
	require.Error(t, err2)
	assert.Equal(t, 1, opens)
	assert.True(t, outcome2.FirstByteWritten)
	assert.Equal(t, "partial", dst.String())
}
