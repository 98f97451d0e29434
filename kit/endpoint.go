// Package kit holds the transport-neutral endpoint plumbing: an Endpoint
// abstraction with middleware chaining, request-scoped context keys, and
// an adapter that exposes an Endpoint as an MCP tool.
package kit

import "context"

// Endpoint is one logical operation, independent of transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares outermost-first: Chain(a, b, c)(ep) runs
// a before b before c before ep.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
