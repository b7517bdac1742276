package evm

import (
	"context"
	"encoding/json"
)

// Handler performs one JSON-RPC call and returns the raw result.
type Handler func(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Chain composes middleware so that the first one is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type innerCallKey struct{}

// withInnerCall marks ctx as belonging to a call issued from inside the
// middleware stack.
func withInnerCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, innerCallKey{}, true)
}

func isInnerCall(ctx context.Context) bool {
	inner, _ := ctx.Value(innerCallKey{}).(bool)
	return inner
}
