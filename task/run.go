package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/riverrun-labs/mcpsession"
)

// Work is the function a task-augmented request handler runs in the
// background once its task record exists.
type Work func(hc *HandlerContext) (interface{}, error)

// RunTask creates a task record, spawns work in a detached goroutine
// started through an errgroup, and returns a CreateTaskResult
// immediately. An error returned by work, or a panic inside it, marks
// the task failed with the error text. ttl, if non-zero, bounds how long the
// task record and its result survive past reaching a terminal status.
func (m *Manager) RunTask(parent context.Context, metadata json.RawMessage, ttl time.Duration, modelImmediateResponse json.RawMessage, work Work) (*CreateTaskResult, error) {
	t, err := m.store.Create(parent, metadata, "", ttl)
	if err != nil {
		return nil, err
	}
	m.session.Metrics().Count("tasks_started", 1)

	detached := detachedContext{parent: parent}
	hc := newHandlerContext(detached, m, t.ID)

	var g errgroup.Group
	g.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = pkgerrors.Errorf("panic running task %s: %v", t.ID, p)
				_ = m.finishTask(hc, t.ID, nil, err)
			}
		}()
		result, werr := work(hc)
		return m.finishTask(hc, t.ID, result, werr)
	})

	return &CreateTaskResult{Task: t, ModelImmediateResponse: modelImmediateResponse}, nil
}

// finishTask applies work's outcome to the task record: success (and
// not already terminal) completes it, context cancellation marks it
// cancelled, anything else marks it failed. Errors from this bookkeeping
// itself are returned to the errgroup; nothing waits on the group, so
// they are dropped.
func (m *Manager) finishTask(ctx context.Context, taskID string, result interface{}, werr error) error {
	current, ok := m.store.Get(ctx, taskID)
	if ok && current.Status.Terminal() {
		return nil
	}
	if werr != nil {
		if errors.Is(werr, context.Canceled) {
			m.session.Metrics().Count("tasks_cancelled", 1)
			status := mcpsession.TaskCancelled
			_, err := m.store.Update(ctx, taskID, &status, nil)
			return err
		}
		m.session.Metrics().Count("tasks_failed", 1)
		msg := werr.Error()
		status := mcpsession.TaskFailed
		_, err := m.store.Update(ctx, taskID, &status, &msg)
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := m.store.StoreResult(ctx, taskID, data); err != nil {
		return err
	}
	m.session.Metrics().Count("tasks_completed", 1)
	status := mcpsession.TaskCompleted
	_, err = m.store.Update(ctx, taskID, &status, nil)
	return err
}

// detachedContext carries the values of parent (so logging/metrics
// context keys still resolve) but never cancels when parent does, since
// a task must outlive the request that spawned it.
type detachedContext struct {
	parent context.Context
}

func (detachedContext) Deadline() (time.Time, bool)   { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}         { return nil }
func (detachedContext) Err() error                    { return nil }
func (d detachedContext) Value(key interface{}) interface{} { return d.parent.Value(key) }
