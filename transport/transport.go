package transport

import "context"

// Metadata accompanies a received Message. Transports that do not support
// a given field leave it at its zero value; the dispatch loop treats an
// absent field as "unknown", never as an error.
type Metadata struct {
	// AuthInfo is an opaque, transport-specific authentication artifact
	// (e.g. a verified bearer token claim set).
	AuthInfo interface{}

	// SessionID identifies the logical session a multiplexing transport
	// (HTTP+SSE, websocket server accepting many peers) associates with
	// this message.
	SessionID string

	// RequestInfo carries transport-level request headers, when the
	// underlying transport is header-bearing (e.g. HTTP).
	RequestInfo map[string][]string
}

// Message is one frame received from a Transport, together with the
// metadata the transport observed alongside it.
type Message struct {
	Bytes []byte
	Meta  Metadata
}

// Transport is the abstract full-duplex byte channel a Session
// communicates over. Implementations need not be safe
// for concurrent use beyond the discipline the session runtime itself
// imposes: Send may be called concurrently with Recv, and with itself, but
// Recv has exactly one caller (the dispatch loop).
type Transport interface {
	// Connect establishes the channel. Idempotent if already connected.
	Connect(ctx context.Context) error

	// Disconnect closes the channel. It must cause a concurrent Recv call
	// to return promptly with io.EOF or a wrapped error.
	Disconnect() error

	// Send transmits one frame. relatedRequestID is a hint for transports
	// that multiplex replies by request id (HTTP+SSE); it is the JSON
	// text of the request id this frame responds to or originates from,
	// or "" when not applicable. Non-multiplexing transports ignore it.
	Send(ctx context.Context, data []byte, relatedRequestID string) error

	// Recv returns the next frame. It returns io.EOF once the stream is
	// exhausted following an orderly Disconnect, and a non-EOF error on
	// any other termination.
	Recv(ctx context.Context) (Message, error)

	// SetProtocolVersion is called once the handshake has negotiated a
	// protocol version, for transports that stamp it into outbound
	// framing (e.g. an HTTP header).
	SetProtocolVersion(version string)
}

// Logger is the minimal logging capability a Transport may accept; it
// mirrors mcpsession.Logger without importing the root package, which
// would create an import cycle (the root package imports transport, not
// the reverse).
type Logger func(text string)

func (lg Logger) log(text string) {
	if lg != nil {
		lg(text)
	}
}
