package mcpsession

// Session state machine (C5): handshake, capability merge, in-flight
// handler tracking, reconnection-free orderly shutdown. Generalizes
// jrpc2's split Client/Server into one bidirectional peer, since MCP
// sessions are full-duplex: either side may originate requests.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/riverrun-labs/mcpsession/metrics"
	"github.com/riverrun-labs/mcpsession/transport"
)

// State is a Session's position in the handshake state machine.
type State int

const (
	StateFresh State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the handshake a Session plays: the
// Initiator sends "initialize" and, once answered, "initialized"; the
// Responder answers an inbound "initialize" and waits for "initialized".
type Role int

const (
	Responder Role = iota
	Initiator
)

// ResponseRouter is an interception hook consulted by the dispatch loop
// before ordinary pending-request matching. It is how the task subsystem
// resumes a resolver awaiting a reply routed through a tasks/result
// poll. A router returns true iff it claimed the response.
type ResponseRouter interface {
	RouteResponse(rsp *Response) bool
}

// CallOptions configures one outbound request.
type CallOptions struct {
	// OnProgress, if set, receives the raw params of each
	// notifications/progress addressed to this call's progress token. A
	// progress token is embedded in the outbound request only when this
	// is set.
	OnProgress ProgressFunc

	// Timeout bounds how long to wait for a response. Zero means no
	// timeout.
	Timeout time.Duration

	// ResetOnProgress, if true, advances the timeout deadline on every
	// progress notification addressed to this call's token, capped by
	// MaxTotal.
	ResetOnProgress bool

	// MaxTotal bounds the total wait when ResetOnProgress is set.
	MaxTotal time.Duration
}

// Session is one bidirectional JSON-RPC 2.0 connection bound to a single
// Transport, per GLOSSARY definition.
type Session struct {
	opts      *SessionOptions
	assigner  Assigner
	transport transport.Transport
	router    ResponseRouter

	registry *pendingRegistry
	sem      *semaphore.Weighted

	logger  Logger
	rpcLog  RPCLogger
	metrics *metrics.Metrics

	mu              sync.Mutex
	state           State
	handlersLocked  bool
	nextID          int64
	inFlightInbound map[string]context.CancelFunc
	localCaps       json.RawMessage
	peerCaps        json.RawMessage
	protocolVersion string
	closeErr        error

	readDone        chan struct{}
	handshakeSignal chan error // responder role only: closed/sent-to when Ready or Disconnected
	wg              sync.WaitGroup
}

// NewSession constructs a Session that will dispatch inbound
// requests/notifications to assigner. Handler registration (via a
// stateful Assigner such as handler.Map) must happen before Connect,
// per invariant 6.
func NewSession(assigner Assigner, opts *SessionOptions) *Session {
	if assigner == nil {
		assigner = emptyAssigner{}
	}
	return &Session{
		opts:            opts,
		assigner:        assigner,
		registry:        newPendingRegistry(),
		sem:             semaphore.NewWeighted(opts.concurrency()),
		logger:          opts.logFunc(),
		rpcLog:          opts.rpcLog(),
		metrics:         metrics.New(),
		state:           StateFresh,
		inFlightInbound: make(map[string]context.CancelFunc),
		localCaps:       opts.capabilitiesOrEmpty(),
	}
}

type emptyAssigner struct{}

func (emptyAssigner) Assign(context.Context, string) Handler { return nil }

// SetResponseRouter installs the task subsystem's interception hook (or
// any other ResponseRouter). Must be called before Connect.
func (s *Session) SetResponseRouter(r ResponseRouter) { s.router = r }

// Metrics returns the counters tracking this session's traffic: rpc
// requests/errors handled and bytes/calls/notifications sent, matching
// the measurements jrpc2's Server exports as rpc_requests, rpc_errors,
// bytes_read, bytes_written, calls_pushed, and notifications_pushed.
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// send writes an encoded frame to the transport, counting its size
// against the bytes_written metric first.
func (s *Session) send(ctx context.Context, data []byte, relatedID string) error {
	s.metrics.Count("bytes_written", int64(len(data)))
	return s.transport.Send(ctx, data, relatedID)
}

// State reports the session's current position in the handshake state
// machine.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// signalHandshake wakes a blocked awaitHandshakeResponder call, if any.
// Safe to call multiple times or when no one is listening.
func (s *Session) signalHandshake(err error) {
	select {
	case s.handshakeSignal <- err:
	default:
	}
}

// Connect binds the session to tr and performs the handshake. It sets
// handlersLocked as soon as it is called, regardless of outcome; nothing
// checks that flag, and the Assigner is consulted as it stands when each
// inbound message arrives.
func (s *Session) Connect(ctx context.Context, tr transport.Transport, role Role, init *InitializeParams) (*InitializeResult, error) {
	s.mu.Lock()
	if s.state != StateFresh {
		s.mu.Unlock()
		return nil, fmt.Errorf("mcpsession: Connect called in state %s", s.state)
	}
	s.handlersLocked = true
	s.state = StateConnecting
	s.transport = tr
	s.readDone = make(chan struct{})
	s.handshakeSignal = make(chan error, 1)
	s.mu.Unlock()

	if err := tr.Connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}
	s.setState(StateHandshaking)

	s.wg.Add(1)
	go s.readLoop()

	if role == Initiator {
		return s.doHandshakeInitiator(ctx, init)
	}
	return nil, s.awaitHandshakeResponder(ctx)
}

// Close disconnects the transport, drains the pending registry with
// ConnectionClosed, and cancels all in-flight inbound handler workers.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return s.closeErr
	}
	s.state = StateDisconnected
	tr := s.transport
	workers := make([]context.CancelFunc, 0, len(s.inFlightInbound))
	for _, c := range s.inFlightInbound {
		workers = append(workers, c)
	}
	s.inFlightInbound = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range workers {
		cancel()
	}
	s.registry.drain(&Error{Code: ConnectionClosed, Message: "connection closed"})

	var err error
	if tr != nil {
		err = tr.Disconnect()
	}
	<-s.readDone
	s.wg.Wait()
	return err
}

// Call sends method/params as a request and blocks for the matching
// response, honoring ctx cancellation, opts.Timeout, and
// opts.ResetOnProgress. A reply from the peer is returned as a *Response
// with a nil error; a local timeout, cancellation or disconnect is
// returned as an *Error with code RequestTimeout, RequestCancelled or
// ConnectionClosed.
func (s *Session) Call(ctx context.Context, method string, params json.RawMessage, opts *CallOptions) (*Response, error) {
	if s.State() != StateReady && method != MethodPing {
		return nil, fmt.Errorf("mcpsession: Call before session is Ready (state=%s)", s.State())
	}
	return s.call(ctx, method, params, opts)
}

func (s *Session) call(ctx context.Context, method string, params json.RawMessage, opts *CallOptions) (*Response, error) {
	id := s.newID()
	var token ProgressToken
	hasToken := opts != nil && opts.OnProgress != nil
	if hasToken {
		token = id
	}
	var timeout, maxTotal time.Duration
	var resetOnProgress bool
	if opts != nil {
		timeout, maxTotal, resetOnProgress = opts.Timeout, opts.MaxTotal, opts.ResetOnProgress
	}
	var cb ProgressFunc
	if opts != nil {
		cb = opts.OnProgress
	}
	pr, err := s.registry.register(id, method, token, hasToken, cb, timeout, maxTotal, resetOnProgress, func(expiredID ID) {
		s.cancelOutbound(expiredID, method, "request timed out")
	})
	if err != nil {
		return nil, err
	}

	encoded := params
	if hasToken {
		encoded, err = injectMeta(params, metaEntries{ProgressToken: &token})
		if err != nil {
			s.registry.cancel(id, Errorf(InternalError, "encode request: %v", err))
			return nil, err
		}
	}
	data, err := encode(&Request{ID: id, Method: method, Params: encoded})
	if err != nil {
		s.registry.cancel(id, Errorf(InternalError, "encode request: %v", err))
		return nil, err
	}
	if err := s.send(ctx, data, id.String()); err != nil {
		s.registry.cancel(id, Errorf(ConnectionClosed, "send request: %v", err))
		return nil, err
	}
	s.metrics.Count("calls_pushed", 1)

	select {
	case rsp := <-pr.ch:
		if rsp.Error != nil {
			switch rsp.Error.Code {
			case RequestTimeout, RequestCancelled, ConnectionClosed:
				return nil, rsp.Error
			}
		}
		return rsp, nil
	case <-ctx.Done():
		s.cancelOutbound(id, method, "context cancelled")
		return nil, ctx.Err()
	}
}

// cancelOutbound removes id from the registry (delivering RequestCancelled
// to anyone else still waiting, harmlessly, since the channel is buffered)
// and best-effort notifies the peer via the outgoing cancellation flow.
// The initialize request must never be cancelled this way.
func (s *Session) cancelOutbound(id ID, method, reason string) {
	if method == MethodInitialize {
		return
	}
	s.registry.cancel(id, Errorf(RequestCancelled, "%s", reason))
	params, _ := json.Marshal(map[string]interface{}{"requestId": id, "reason": reason})
	_ = s.Notify(context.Background(), MethodCancelled, params)
}

// PushFrame writes an already-encoded JSON-RPC frame directly to the
// transport, associated with relatedRequestID for transports (such as
// streamable HTTP) that multiplex pushed frames over a specific open
// request's stream. It is how the task subsystem delivers a queued
// mid-task elicitation or sampling request during a tasks/result poll.
func (s *Session) PushFrame(ctx context.Context, data []byte, relatedRequestID string) error {
	return s.send(ctx, data, relatedRequestID)
}

// Notify sends a one-way notification; there is no response to await.
func (s *Session) Notify(ctx context.Context, method string, params json.RawMessage) error {
	data, err := encode(&Notification{Method: method, Params: params})
	if err != nil {
		return err
	}
	if err := s.send(ctx, data, ""); err != nil {
		return err
	}
	s.metrics.Count("notifications_pushed", 1)
	return nil
}

// respond sends a response frame for id, honoring invariant 5: callers
// must not invoke respond for a request whose worker observed
// cancellation.
func (s *Session) respond(ctx context.Context, rsp *Response) error {
	data, err := encode(rsp)
	if err != nil {
		return err
	}
	return s.send(ctx, data, rsp.ID.String())
}

func (s *Session) newID() ID {
	n := atomic.AddInt64(&s.nextID, 1)
	return NewIntID(n)
}

func (o *SessionOptions) capabilitiesOrEmpty() json.RawMessage {
	if o == nil || len(o.Capabilities) == 0 {
		return json.RawMessage("{}")
	}
	return o.Capabilities
}

// PeerCapabilities returns the capabilities advertised by the peer during
// the handshake, or nil before the handshake completes.
func (s *Session) PeerCapabilities() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCaps
}

// InitializeParams is the payload of an outbound "initialize" request.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      json.RawMessage `json:"clientInfo,omitempty"`
}

// InitializeResult is the payload of the response to "initialize".
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      json.RawMessage `json:"serverInfo,omitempty"`
}

// doHandshakeInitiator sends "initialize" and, on an acceptable protocol
// version, "notifications/initialized".
func (s *Session) doHandshakeInitiator(ctx context.Context, init *InitializeParams) (*InitializeResult, error) {
	if init == nil {
		init = &InitializeParams{}
	}
	if init.ProtocolVersion == "" {
		init.ProtocolVersion = s.opts.protocolVersions()[0]
	}
	if len(init.Capabilities) == 0 {
		init.Capabilities = s.localCaps
	}
	params, err := json.Marshal(init)
	if err != nil {
		return nil, err
	}
	if hct := s.opts.handshakeTimeout(); hct > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hct)
		defer cancel()
	}
	rsp, err := s.call(ctx, MethodInitialize, params, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}
	if rsp.IsError() {
		s.setState(StateDisconnected)
		return nil, rsp.Error
	}
	var result InitializeResult
	if err := json.Unmarshal(rsp.Result, &result); err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}
	if !supportsVersion(s.opts.protocolVersions(), result.ProtocolVersion) {
		s.setState(StateDisconnected)
		return nil, fmt.Errorf("mcpsession: unsupported protocol version %q", result.ProtocolVersion)
	}
	s.transport.SetProtocolVersion(result.ProtocolVersion)
	s.mu.Lock()
	s.protocolVersion = result.ProtocolVersion
	s.peerCaps = result.Capabilities
	s.mu.Unlock()
	if err := s.Notify(ctx, MethodInitialized, nil); err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}
	s.setState(StateReady)
	return &result, nil
}

// awaitHandshakeResponder waits for the dispatch loop's built-in
// initialize handler to report Ready (having also observed
// "notifications/initialized") or a failure.
func (s *Session) awaitHandshakeResponder(ctx context.Context) error {
	var timeoutCh <-chan time.Time
	if hct := s.opts.handshakeTimeout(); hct > 0 {
		t := time.NewTimer(hct)
		defer t.Stop()
		timeoutCh = t.C
	}
	select {
	case err := <-s.handshakeSignal:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timeoutCh:
		s.setState(StateDisconnected)
		return fmt.Errorf("mcpsession: handshake timed out")
	}
}

func supportsVersion(supported []string, v string) bool {
	for _, s := range supported {
		if s == v {
			return true
		}
	}
	return false
}
