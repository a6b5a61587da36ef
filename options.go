package mcpsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"time"
)

// A Logger records free-text debug logs from a Session. A nil Logger
// discards its input, exactly as in jrpc2.Logger.
type Logger func(text string)

// Printf writes a formatted message to lg, or discards it if lg is nil.
func (lg Logger) Printf(msg string, args ...interface{}) {
	if lg != nil {
		lg(fmt.Sprintf(msg, args...))
	}
}

// StdLogger adapts a *log.Logger to a Logger. A nil logger sends output to
// the default log package logger.
func StdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return func(text string) { log.Output(2, text) }
	}
	return func(text string) { logger.Output(2, text) }
}

// An RPCLogger receives synchronous callbacks describing each request
// processed and each response returned, for audit logging independent of
// free-text debug logs.
type RPCLogger interface {
	LogRequest(ctx context.Context, req *Request)
	LogResponse(ctx context.Context, rsp *Response)
}

type nullRPCLogger struct{}

func (nullRPCLogger) LogRequest(context.Context, *Request)   {}
func (nullRPCLogger) LogResponse(context.Context, *Response) {}

// SessionOptions configures a Session. A nil *SessionOptions provides
// sensible defaults equivalent to &SessionOptions{}.
type SessionOptions struct {
	// Logger receives free-text debug logs, if set.
	Logger Logger

	// RPCLog, if set, is called to record each inbound request and each
	// outbound response.
	RPCLog RPCLogger

	// Concurrency bounds the number of inbound request handlers allowed to
	// run at once. A value less than 1 uses runtime.NumCPU(), matching
	// jrpc2's ServerOptions.Concurrency default.
	Concurrency int

	// HandshakeTimeout bounds how long Connect waits for the peer's side
	// of the initialize/initialized exchange. Zero means no bound.
	HandshakeTimeout time.Duration

	// ProtocolVersions lists the versions this side supports, most
	// preferred first. The first entry is offered in outbound initialize
	// requests.
	ProtocolVersions []string

	// Capabilities, if set, is advertised to the peer exactly as given;
	// when unset, this side advertises an empty object. No capabilities
	// are inferred from registered handlers and nothing is merged in.
	Capabilities json.RawMessage

	// StrictCapabilities is stored but not consulted: the handshake does
	// not compare the peer's advertised capabilities with the registered
	// handlers, and neither rejects nor warns about unhandled ones.
	StrictCapabilities bool

	// NewContext, if set, is called once, when the dispatch loop starts,
	// to create the base context that every inbound handler invocation
	// derives from. The default uses context.Background.
	NewContext func() context.Context

	// DisableBuiltin turns off the built-in ping and initialize request
	// handling so a host can fully override it. The cancelled, progress
	// and initialized notifications are always handled by the session.
	// Off by default.
	DisableBuiltin bool
}

func (o *SessionOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *SessionOptions) rpcLog() RPCLogger {
	if o == nil || o.RPCLog == nil {
		return nullRPCLogger{}
	}
	return o.RPCLog
}

func (o *SessionOptions) concurrency() int64 {
	if o == nil || o.Concurrency < 1 {
		return int64(runtime.NumCPU())
	}
	return int64(o.Concurrency)
}

func (o *SessionOptions) newContext() func() context.Context {
	if o == nil || o.NewContext == nil {
		return context.Background
	}
	return o.NewContext
}

func (o *SessionOptions) handshakeTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.HandshakeTimeout
}

func (o *SessionOptions) protocolVersions() []string {
	if o == nil || len(o.ProtocolVersions) == 0 {
		return []string{defaultProtocolVersion}
	}
	return o.ProtocolVersions
}

func (o *SessionOptions) strict() bool { return o != nil && o.StrictCapabilities }

func (o *SessionOptions) builtinEnabled() bool { return o == nil || !o.DisableBuiltin }

// defaultProtocolVersion is offered when SessionOptions.ProtocolVersions is
// unset.
const defaultProtocolVersion = "2025-11-25"
