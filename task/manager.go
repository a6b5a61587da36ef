package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/riverrun-labs/mcpsession"
	"github.com/riverrun-labs/mcpsession/handler"
)

// DefaultPollInterval is used by the *_as_task variants of HandlerContext
// when the peer's CreateTaskResult does not specify one.
const DefaultPollInterval = 500 * time.Millisecond

// Manager owns a Store and a MessageQueue bound to a single Session: it
// installs itself as the session's ResponseRouter and serves the four
// tasks/* methods.
type Manager struct {
	store   Store
	queue   MessageQueue
	session *mcpsession.Session

	maxQueueSize int
	reqCounter   int64
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithStore overrides the default MemoryStore. The caller is responsible
// for ensuring it shares wakeup signalling with any custom WithQueue.
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

// WithQueue overrides the default MemoryQueue.
func WithQueue(q MessageQueue) Option { return func(m *Manager) { m.queue = q } }

// WithMaxQueueSize bounds the per-task side-channel queue; zero means
// unbounded.
func WithMaxQueueSize(n int) Option { return func(m *Manager) { m.maxQueueSize = n } }

// NewManager constructs a Manager around sess, installing it as the
// session's ResponseRouter. Must be called before sess.Connect, per the
// ResponseRouter contract in session.go.
func NewManager(sess *mcpsession.Session, opts ...Option) *Manager {
	sig := newSignalRegistry()
	m := &Manager{
		store:   newMemoryStore(sig),
		queue:   newMemoryQueue(sig),
		session: sess,
	}
	for _, opt := range opts {
		opt(m)
	}
	sess.SetResponseRouter(m)
	return m
}

// Methods returns the four tasks/* handlers, for a host to merge into
// its own Assigner (e.g. handler.Map).
func (m *Manager) Methods() handler.Map {
	return handler.Map{
		mcpsession.MethodTasksGet:    m.handleGet,
		mcpsession.MethodTasksList:   m.handleList,
		mcpsession.MethodTasksCancel: m.handleCancel,
		mcpsession.MethodTasksResult: m.handleResult,
	}
}

// RouteResponse implements mcpsession.ResponseRouter: a response whose id
// matches a queued resolver's original request id is routed there
// instead of the ordinary pending-request table, resuming a mid-task
// elicit/createMessage call.
func (m *Manager) RouteResponse(rsp *mcpsession.Response) bool {
	resolver, ok := m.queue.TakeResolver(rsp.ID.String())
	if !ok {
		return false
	}
	if rsp.IsError() {
		resolver.Resolve(nil, rsp.Error)
	} else {
		resolver.Resolve(rsp.Result, nil)
	}
	return true
}

func (m *Manager) nextRequestID(taskID string) mcpsession.ID {
	n := atomic.AddInt64(&m.reqCounter, 1)
	return mcpsession.NewStringID(fmt.Sprintf("task:%s:%d", taskID, n))
}

type getParams struct {
	TaskID string `json:"taskId"`
}

func (m *Manager) handleGet(ctx context.Context, req *mcpsession.Request) (interface{}, error) {
	var p getParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, mcpsession.Errorf(mcpsession.InvalidParams, "invalid tasks/get params: %v", err)
	}
	t, ok := m.store.Get(ctx, p.TaskID)
	if !ok {
		return nil, mcpsession.ErrTaskNotFound
	}
	return t, nil
}

type listParams struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

type listResult struct {
	Tasks      []*Task `json:"tasks"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

func (m *Manager) handleList(ctx context.Context, req *mcpsession.Request) (interface{}, error) {
	var p listParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, mcpsession.Errorf(mcpsession.InvalidParams, "invalid tasks/list params: %v", err)
		}
	}
	page, next, err := m.store.List(ctx, p.Cursor, p.PageSize)
	if err != nil {
		return nil, err
	}
	return listResult{Tasks: page, NextCursor: next}, nil
}

func (m *Manager) handleCancel(ctx context.Context, req *mcpsession.Request) (interface{}, error) {
	var p getParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, mcpsession.Errorf(mcpsession.InvalidParams, "invalid tasks/cancel params: %v", err)
	}
	status := mcpsession.TaskCancelled
	t, err := m.store.Update(ctx, p.TaskID, &status, nil)
	if err != nil {
		return nil, err
	}
	m.session.Metrics().Count("tasks_cancelled", 1)
	m.failQueuedResolvers(ctx, p.TaskID)
	return t, nil
}

// failQueuedResolvers resolves every resolver-bearing message still
// queued for taskID with a cancellation error, unblocking any
// HandlerContext suspended in sendQueued on it, then discards whatever
// plain messages remain. Called on tasks/cancel, the one path besides a
// routed reply allowed to retire a queued resolver.
func (m *Manager) failQueuedResolvers(ctx context.Context, taskID string) {
	cancelErr := mcpsession.Errorf(mcpsession.RequestCancelled, "task cancelled")
	for {
		_, reqID, resolver, ok := m.queue.DequeueWithResolver(ctx, taskID)
		if !ok {
			break
		}
		resolver.Resolve(nil, cancelErr)
		m.queue.TakeResolver(reqID)
	}
	m.queue.Drain(ctx, taskID)
}
