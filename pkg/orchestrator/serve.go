package orchestrator

import (
	"context"
	"io"

	"fleetrouter/pkg/balancer"
	"fleetrouter/pkg/queue"
	"fleetrouter/pkg/router"
)

// TryRequestWithFailover is the orchestrator's inbound routing entry
// point: it builds a fresh routing context and delegates to the Routing
// Engine, returning both the outcome and the context so the host can
// populate debug headers from it.
func (o *Orchestrator) TryRequestWithFailover(ctx context.Context, model string, streaming bool, endpoint queue.Endpoint, capability balancer.Capability, fn router.UpstreamFunc) (router.UpstreamOutcome, *router.RoutingContext, error) {
	rc := router.NewRoutingContext(model, endpoint, streaming, capability)
	outcome, err := o.Router.TryRequestWithFailover(ctx, rc, fn)
	return outcome, rc, err
}

// RequestToServer is the orchestrator's directed-request entry point,
// bypassing the Load Balancer entirely.
func (o *Orchestrator) RequestToServer(ctx context.Context, serverID, model string, opts router.ServerOptions, fn router.UpstreamFunc) (router.UpstreamOutcome, error) {
	return o.Router.RequestToServer(ctx, serverID, model, opts, fn)
}

// Enqueue admits an envelope to the priority queue, the backpressure point
// a host places in front of TryRequestWithFailover when it wants to bound
// concurrent admission rather than route every request immediately.
func (o *Orchestrator) Enqueue(e *queue.Envelope) error {
	return o.Queue.Enqueue(e)
}

// Dequeue removes and returns the highest-priority resident envelope, or
// (nil, nil) if the queue is empty.
func (o *Orchestrator) Dequeue() (*queue.Envelope, error) {
	return o.Queue.Dequeue()
}

// StreamingUpstream builds an UpstreamFunc that opens the upstream body via
// open and copies it to dst under the configured connection and activity
// deadlines. Pass the result to TryRequestWithFailover with streaming=true;
// failover across candidates then happens automatically for any failure
// before the first byte reaches dst.
func (o *Orchestrator) StreamingUpstream(dst io.Writer, open router.OpenStreamFunc) router.UpstreamFunc {
	return router.StreamingUpstream(o.config.Stream, dst, open, o.clock, o.logger)
}
