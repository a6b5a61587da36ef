package mcpsession

// Pending-request registry (C3): an actor-confined structure owned by a
// Session. It is guarded by its own mutex rather than the Session's, the
// way jrpc2 confines Client.pending behind a dedicated lock distinct
// from Server.mu: the registry is a self-contained collaborator the
// dispatch loop and session state machine both call into, not a passive
// map either of them reaches into directly.

import (
	"sync"
	"time"
)

// ProgressFunc receives progress notification params for a request's
// progress token.
type ProgressFunc func(params []byte)

type timeoutController struct {
	base           time.Duration
	resetOnProg    bool
	maxTotal       time.Duration
	start          time.Time
	deadline       time.Time
	timer          *time.Timer
	onExpire       func()
	mu             sync.Mutex
}

func newTimeoutController(base, maxTotal time.Duration, resetOnProgress bool, onExpire func()) *timeoutController {
	if base <= 0 {
		return nil
	}
	now := time.Now()
	tc := &timeoutController{
		base:        base,
		resetOnProg: resetOnProgress,
		maxTotal:    maxTotal,
		start:       now,
		deadline:    now.Add(base),
		onExpire:    onExpire,
	}
	tc.timer = time.AfterFunc(base, onExpire)
	return tc
}

// signalProgress advances the deadline by base from now, capped at
// start+maxTotal. A no-op unless reset-on-progress was requested.
func (tc *timeoutController) signalProgress() {
	if tc == nil || !tc.resetOnProg {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()

	next := time.Now().Add(tc.base)
	if tc.maxTotal > 0 {
		if cap := tc.start.Add(tc.maxTotal); next.After(cap) {
			next = cap
		}
	}
	if !next.After(tc.deadline) {
		return
	}
	tc.deadline = next
	if !tc.timer.Stop() {
		select {
		case <-tc.timer.C:
		default:
		}
	}
	remaining := time.Until(next)
	if remaining <= 0 {
		go tc.onExpire()
		return
	}
	tc.timer.Reset(remaining)
}

func (tc *timeoutController) stop() {
	if tc != nil && tc.timer != nil {
		tc.timer.Stop()
	}
}

type registryEntry struct {
	pending  *PendingRequest
	token    ProgressToken
	hasToken bool
	timeout  *timeoutController
}

type pendingRegistry struct {
	mu sync.Mutex

	pending           map[string]*registryEntry // id.Key() -> entry
	progressCallbacks map[string]ProgressFunc    // token.Key() -> callback; survives migration to task scope
	requestTokens     map[string]ProgressToken   // id.Key() -> token, while the request is still pending
	taskTokens        map[string]ProgressToken   // taskID -> token, once migrated; used only for terminal cleanup
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{
		pending:           make(map[string]*registryEntry),
		progressCallbacks: make(map[string]ProgressFunc),
		requestTokens:     make(map[string]ProgressToken),
		taskTokens:        make(map[string]ProgressToken),
	}
}

// register inserts a new pending request. It fails with errDuplicateID if
// id is already registered. onTimeout, if non-nil, runs after the
// registry's own timeout bookkeeping, so the caller can give the peer a
// best-effort notifications/cancelled.
func (r *pendingRegistry) register(id ID, method string, token ProgressToken, hasToken bool, cb ProgressFunc, base, maxTotal time.Duration, resetOnProgress bool, onTimeout func(ID)) (*PendingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.Key()
	if _, exists := r.pending[key]; exists {
		return nil, errDuplicateID
	}
	pr := newPendingRequest(id, method, token)
	entry := &registryEntry{pending: pr, token: token, hasToken: hasToken}
	if hasToken {
		r.requestTokens[key] = token
		if cb != nil {
			r.progressCallbacks[token.Key()] = cb
		}
	}
	if base > 0 {
		entry.timeout = newTimeoutController(base, maxTotal, resetOnProgress, func() {
			r.timeoutExpired(id)
			if onTimeout != nil {
				onTimeout(id)
			}
		})
	}
	r.pending[key] = entry
	return pr, nil
}

func (r *pendingRegistry) timeoutExpired(id ID) {
	r.mu.Lock()
	entry, ok := r.pending[id.Key()]
	if ok {
		delete(r.pending, id.Key())
		if entry.hasToken {
			delete(r.requestTokens, id.Key())
			delete(r.progressCallbacks, entry.token.Key())
		}
	}
	r.mu.Unlock()
	if ok {
		entry.pending.deliver(&Response{ID: id, Error: Errorf(RequestTimeout, "request timed out after %s", entry.timeout.base)})
	}
}

// complete delivers result to the awaiter for id, migrating the progress
// token to the task table first if the result is a CreateTaskResult.
// taskID is the empty string unless the caller detected a task result.
func (r *pendingRegistry) complete(id ID, rsp *Response, taskID string) {
	r.mu.Lock()
	entry, ok := r.pending[id.Key()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id.Key())
	if entry.timeout != nil {
		entry.timeout.stop()
	}
	if entry.hasToken {
		delete(r.requestTokens, id.Key())
		if taskID != "" {
			// Migrate the progress token to the task-scoped table before
			// the awaiter observes the response, so a progress
			// notification racing the response is never dropped. The
			// callback itself stays keyed by token in progressCallbacks;
			// taskTokens only remembers which token to retire once the
			// task reaches a terminal status.
			r.taskTokens[taskID] = entry.token
		} else {
			delete(r.progressCallbacks, entry.token.Key())
		}
	}
	r.mu.Unlock()
	entry.pending.deliver(rsp)
}

// onProgress invokes the callback registered for token and signals the
// associated timeout controller, if the request is still pending.
func (r *pendingRegistry) onProgress(token ProgressToken, params []byte) {
	r.mu.Lock()
	cb, ok := r.progressCallbacks[token.Key()]
	var tc *timeoutController
	for _, entry := range r.pending {
		if entry.hasToken && entry.token.Key() == token.Key() {
			tc = entry.timeout
			break
		}
	}
	r.mu.Unlock()
	if ok && cb != nil {
		cb(params)
	}
	tc.signalProgress()
}

// onTaskTerminal drops the task-scoped progress token and callback once a
// task reaches a terminal status.
func (r *pendingRegistry) onTaskTerminal(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.taskTokens[taskID]; ok {
		delete(r.progressCallbacks, token.Key())
		delete(r.taskTokens, taskID)
	}
}

// cancel removes id's entry and delivers err to its awaiter.
func (r *pendingRegistry) cancel(id ID, err *Error) {
	r.mu.Lock()
	entry, ok := r.pending[id.Key()]
	if ok {
		delete(r.pending, id.Key())
		if entry.timeout != nil {
			entry.timeout.stop()
		}
		if entry.hasToken {
			delete(r.requestTokens, id.Key())
			delete(r.progressCallbacks, entry.token.Key())
		}
	}
	r.mu.Unlock()
	if ok {
		entry.pending.deliver(&Response{ID: id, Error: err})
	}
}

// drain fails every pending awaiter with err and clears all maps,
// called when the transport disconnects.
func (r *pendingRegistry) drain(err *Error) {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.pending))
	for _, e := range r.pending {
		entries = append(entries, e)
	}
	r.pending = make(map[string]*registryEntry)
	r.progressCallbacks = make(map[string]ProgressFunc)
	r.requestTokens = make(map[string]ProgressToken)
	r.taskTokens = make(map[string]ProgressToken)
	r.mu.Unlock()

	for _, e := range entries {
		if e.timeout != nil {
			e.timeout.stop()
		}
		e.pending.deliver(&Response{ID: e.pending.id, Error: err})
	}
}

// progressTokenFor reports the progress token associated with id, if any.
func (r *pendingRegistry) progressTokenFor(id ID) (ProgressToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.requestTokens[id.Key()]
	return t, ok
}
