package mcpsession

import "context"

// Handler answers one inbound request or notification. For a
// notification, the returned value and error are both discarded; for a
// request, a non-nil error (ideally an *Error) becomes the response
// error, otherwise the result is marshaled as the response result.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

// Assigner maps a method name to the Handler that serves it, or nil if
// the method is not implemented. Implementations are consulted once per
// inbound request/notification method and should be cheap and
// side-effect free.
type Assigner interface {
	Assign(ctx context.Context, method string) Handler
}

// Namer is an optional extension an Assigner may implement to list the
// methods it serves (see handler.ServiceMap.Names). The session itself
// does not consult it.
type Namer interface {
	Names() []string
}
