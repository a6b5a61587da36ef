package mcpsession

import "context"

type contextKey string

const (
	inboundRequestKey = contextKey("inbound-request")
	sessionKey        = contextKey("session")
)

// InboundRequest returns the request whose handler is running in ctx, or
// nil if ctx was not derived from a handler invocation.
func InboundRequest(ctx context.Context) *Request {
	if v := ctx.Value(inboundRequestKey); v != nil {
		return v.(*Request)
	}
	return nil
}

// SessionFromContext returns the Session that dispatched the handler
// running in ctx, or nil.
func SessionFromContext(ctx context.Context) *Session {
	if v := ctx.Value(sessionKey); v != nil {
		return v.(*Session)
	}
	return nil
}

func withInbound(ctx context.Context, s *Session, req *Request) context.Context {
	ctx = context.WithValue(ctx, sessionKey, s)
	return context.WithValue(ctx, inboundRequestKey, req)
}
