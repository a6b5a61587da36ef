package mcpsession

// Dispatch loop (C4): the single consumer of the transport's receive
// stream. Generalizes jrpc2's Client.accept / Server.read+serve pair
// into one loop, since a Session plays both roles at once.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

// readLoop is the sole reader of s.transport. It never
// blocks on handler work: every inbound request is handed to a freshly
// spawned worker so that a handler which itself makes a nested outbound
// request can still observe that request's response.
func (s *Session) readLoop() {
	defer close(s.readDone)
	defer s.wg.Done()

	ctx := s.opts.newContext()()
	for {
		msg, err := s.transport.Recv(ctx)
		if err != nil {
			s.onDisconnect(err)
			return
		}
		s.metrics.Count("bytes_read", int64(len(msg.Bytes)))
		s.handleFrame(ctx, msg.Bytes)
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	d := decodeFrame(raw)
	switch d.kind {
	case frameResponseBatch:
		for _, rsp := range d.responses {
			s.handleResponse(rsp)
		}
	case frameResponse:
		s.handleResponse(d.response)
	case frameRequest:
		s.spawnInboundWorker(ctx, d.request, nil)
	case frameNotification:
		s.handleNotification(ctx, d.notice)
	case frameBatch:
		s.handleRequestBatch(ctx, d.batch)
	default:
		s.logger.Printf("mcpsession: malformed frame: %s", raw)
	}
}

// handleResponse routes an inbound response, first offering it to the
// installed ResponseRouter (the task subsystem's resolver dispatch),
// then falling back to ordinary pending-request matching.
func (s *Session) handleResponse(rsp *Response) {
	if s.router != nil && s.router.RouteResponse(rsp) {
		return
	}
	taskID := detectTaskID(rsp)
	s.registry.complete(rsp.ID, rsp, taskID)
}

// detectTaskID reports the task id carried by a CreateTaskResult success
// value, so complete() can migrate the progress token before the awaiter
// observes the response.
func detectTaskID(rsp *Response) string {
	if rsp == nil || rsp.Error != nil || len(rsp.Result) == 0 {
		return ""
	}
	id := gjson.GetBytes(rsp.Result, "task.taskId")
	if id.Exists() {
		return id.String()
	}
	return ""
}

// batchCollector gathers the responses to one inbound request batch: a
// batch's replies go out together as a single response frame, and a
// request cancelled before completion contributes nothing to it, same
// as a standalone request.
type batchCollector struct {
	wg        sync.WaitGroup
	mu        sync.Mutex
	responses []*Response
}

func (c *batchCollector) add(rsp *Response) {
	c.mu.Lock()
	c.responses = append(c.responses, rsp)
	c.mu.Unlock()
}

// handleRequestBatch spawns a worker per request, each reporting into a
// shared collector instead of responding individually, then assembles and
// sends the combined response array once every request in the batch has
// settled. Notifications in the same batch are handled inline and
// contribute no response entry.
func (s *Session) handleRequestBatch(ctx context.Context, b *Batch) {
	c := &batchCollector{}
	c.wg.Add(len(b.Requests))
	for _, r := range b.Requests {
		s.spawnInboundWorker(ctx, r, c)
	}
	for _, n := range b.Notifications {
		s.handleNotification(ctx, n)
	}
	if len(b.Requests) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.wg.Wait()
		if len(c.responses) == 0 {
			return
		}
		data, err := encode(c.responses)
		if err != nil {
			s.logger.Printf("mcpsession: encode batch response: %v", err)
			return
		}
		_ = s.send(ctx, data, "")
	}()
}

// spawnInboundWorker runs req's handler in its own goroutine, tracked in
// inFlightInbound so a later notifications/cancelled can abort it. When
// collector is non-nil the computed response is reported into it
// instead of being sent standalone, per handleRequestBatch.
func (s *Session) spawnInboundWorker(parent context.Context, req *Request, collector *batchCollector) {
	respond := func(ctx context.Context, rsp *Response) {
		if collector != nil {
			collector.add(rsp)
			return
		}
		_ = s.respond(ctx, rsp)
	}

	if handled := s.handleBuiltinRequest(parent, req); handled {
		if collector != nil {
			// Built-ins already wrote their own standalone response frame;
			// batched initialize/ping is not a supported combination, so
			// there is nothing further to collect.
			collector.wg.Done()
		}
		return
	}
	h := s.assigner.Assign(parent, req.Method)
	if h == nil {
		respond(parent, &Response{ID: req.ID, Error: Errorf(MethodNotFound, "method not found: %s", req.Method)})
		if collector != nil {
			collector.wg.Done()
		}
		return
	}

	ctx, cancel := context.WithCancel(parent)
	ctx = withInbound(ctx, s, req)
	s.mu.Lock()
	s.inFlightInbound[req.ID.Key()] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if collector != nil {
			defer collector.wg.Done()
		}
		defer func() {
			s.mu.Lock()
			delete(s.inFlightInbound, req.ID.Key())
			s.mu.Unlock()
			cancel()
		}()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Context was cancelled while waiting for a slot: per
			// invariant 5, emit nothing.
			return
		}
		defer s.sem.Release(1)

		s.rpcLog.LogRequest(ctx, req)
		s.metrics.Count("rpc_requests", 1)
		result, herr := s.invoke(ctx, h, req)

		if ctx.Err() != nil {
			// Cancelled after (or during) the handler call: the response,
			// if any was computed, must be discarded.
			return
		}

		rsp := &Response{ID: req.ID}
		if herr != nil {
			s.metrics.Count("rpc_errors", 1)
			rsp.Error = toWireError(herr)
		} else {
			data, err := encode(result)
			if err != nil {
				rsp.Error = Errorf(InternalError, "encode result: %v", err)
			} else {
				rsp.Result = data
			}
		}
		s.rpcLog.LogResponse(ctx, rsp)
		if ctx.Err() != nil {
			return
		}
		respond(ctx, rsp)
	}()
}

// invoke recovers a handler panic into an InternalError, so one failing
// handler can never take down the dispatch loop.
func (s *Session) invoke(ctx context.Context, h Handler, req *Request) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in handler for %s: %v", req.Method, p)
		}
	}()
	return h(ctx, req)
}

// toWireError sanitises a handler error for the peer: a protocol-typed
// *Error passes through; anything else becomes a generic InternalError so
// internal detail is never leaked over the wire.
func toWireError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: InternalError, Message: "internal error"}
}

// handleNotification dispatches a notification either to a built-in
// handler (cancelled/progress/initialized) or to the assigner.
func (s *Session) handleNotification(ctx context.Context, n *Notification) {
	switch n.Method {
	case MethodCancelled:
		s.handleCancelledNotification(n)
		return
	case MethodProgress:
		s.handleProgressNotification(n)
		return
	case MethodInitialized:
		s.handleInitializedNotification()
		return
	}
	h := s.assigner.Assign(ctx, n.Method)
	if h == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		req := &Request{Method: n.Method, Params: n.Params}
		_, _ = s.invoke(withInbound(ctx, s, req), h, req)
	}()
}

func (s *Session) handleCancelledNotification(n *Notification) {
	var params struct {
		RequestID ID     `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return
	}
	s.mu.Lock()
	cancel, ok := s.inFlightInbound[params.RequestID.Key()]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Session) handleProgressNotification(n *Notification) {
	var params struct {
		ProgressToken ProgressToken `json:"progressToken"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return
	}
	s.registry.onProgress(params.ProgressToken, n.Params)
}

func (s *Session) handleInitializedNotification() {
	if s.State() == StateHandshaking {
		s.setState(StateReady)
		s.signalHandshake(nil)
	}
}

// handleBuiltinRequest answers "initialize" and "ping" itself, unless the
// host disabled built-ins. Reports whether it claimed the request.
func (s *Session) handleBuiltinRequest(ctx context.Context, req *Request) bool {
	if !s.opts.builtinEnabled() {
		return false
	}
	switch req.Method {
	case MethodPing:
		_ = s.respond(ctx, &Response{ID: req.ID, Result: json.RawMessage("{}")})
		return true
	case MethodInitialize:
		s.handleInitializeRequest(ctx, req)
		return true
	}
	return false
}

func (s *Session) handleInitializeRequest(ctx context.Context, req *Request) {
	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		_ = s.respond(ctx, &Response{ID: req.ID, Error: Errorf(InvalidParams, "invalid initialize params: %v", err)})
		s.signalHandshake(err)
		return
	}
	chosen := params.ProtocolVersion
	if !supportsVersion(s.opts.protocolVersions(), chosen) {
		chosen = s.opts.protocolVersions()[0]
	}
	result := InitializeResult{
		ProtocolVersion: chosen,
		Capabilities:    s.localCaps,
	}
	data, err := encode(result)
	if err != nil {
		_ = s.respond(ctx, &Response{ID: req.ID, Error: Errorf(InternalError, "encode initialize result: %v", err)})
		s.signalHandshake(err)
		return
	}
	if err := s.respond(ctx, &Response{ID: req.ID, Result: data}); err != nil {
		s.signalHandshake(err)
		return
	}
	s.mu.Lock()
	s.peerCaps = params.Capabilities
	s.protocolVersion = chosen
	s.mu.Unlock()
	s.transport.SetProtocolVersion(chosen)
	// State stays Handshaking until notifications/initialized arrives.
}

// onDisconnect drains the pending registry and cancels every in-flight
// inbound worker.
func (s *Session) onDisconnect(err error) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.closeErr = err
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
	s.signalHandshake(fmt.Errorf("mcpsession: connection closed during handshake: %w", err))
}
