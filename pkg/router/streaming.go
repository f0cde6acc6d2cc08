package router

import (
	"context"
	"io"

	"go.uber.org/zap"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/fleet"
	"fleetrouter/pkg/stream"
)

// OpenStreamFunc opens the upstream response body for one streaming attempt.
// It owns protocol specifics (URL construction, request encoding, status
// handling); the returned body is what gets copied to the client.
type OpenStreamFunc func(ctx context.Context, backend fleet.Backend) (io.ReadCloser, error)

// StreamingUpstream adapts an open-the-body function into an UpstreamFunc
// with the two streaming deadlines applied in the right places: the connect
// deadline bounds open only, and once the body is open the copier's rolling
// activity deadline takes over.
//
// Because the copy tracks FirstByteWritten, the routing engine's
// failover-only-before-first-byte rule falls out directly: an open failure
// or a pre-first-chunk timeout fails over, anything later terminates the
// stream.
func StreamingUpstream(cfg stream.Config, dst io.Writer, open OpenStreamFunc, c clock.Clock, logger *zap.Logger) UpstreamFunc {
	if c == nil {
		c = clock.New()
	}
	copier := stream.NewCopier(cfg, c, logger)

	return func(ctx context.Context, backend fleet.Backend) (UpstreamOutcome, error) {
		openCtx, openCancel := context.WithCancel(ctx)
		defer openCancel()

		resCh := make(chan openResult, 1)
		go func() {
			body, err := open(openCtx, backend)
			resCh <- openResult{body: body, err: err}
		}()

		var connectCh <-chan struct{}
		if cfg.ConnectTimeout > 0 {
			timer := c.After(cfg.ConnectTimeout)
			ch := make(chan struct{})
			go func() {
				select {
				case <-timer:
					close(ch)
				case <-openCtx.Done():
				}
			}()
			connectCh = ch
		}

		var body io.ReadCloser
		select {
		case <-ctx.Done():
			openCancel()
			go closeAbandoned(resCh)
			return UpstreamOutcome{Streaming: true}, ctx.Err()
		case <-connectCh:
			openCancel()
			go closeAbandoned(resCh)
			return UpstreamOutcome{Streaming: true}, stream.ErrConnectTimeout
		case r := <-resCh:
			if r.err != nil {
				return UpstreamOutcome{Streaming: true}, r.err
			}
			body = r.body
		}
		defer body.Close()

		stats, err := copier.Copy(ctx, dst, body)
		return UpstreamOutcome{
			Streaming:         true,
			Duration:          stats.Duration,
			TimeToFirstToken:  stats.TimeToFirstByte,
			StreamingDuration: stats.Duration,
			FirstByteWritten:  stats.FirstByteWritten,
		}, err
	}
}

type openResult struct {
	body io.ReadCloser
	err  error
}

// closeAbandoned drains a late open result so a body established after the
// caller gave up is still released.
func closeAbandoned(resCh <-chan openResult) {
	if r := <-resCh; r.body != nil {
		r.body.Close()
	}
}
