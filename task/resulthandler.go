package task

import (
	"context"
	"encoding/json"

	"github.com/riverrun-labs/mcpsession"
)

type resultParams struct {
	TaskID string `json:"taskId"`
}

// handleResult drains queued side-channel messages, and either returns
// the terminal result or waits for the next update and repeats.
func (m *Manager) handleResult(ctx context.Context, req *mcpsession.Request) (interface{}, error) {
	var p resultParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, mcpsession.Errorf(mcpsession.InvalidParams, "invalid tasks/result params: %v", err)
	}

	relatedReqID := req.ID.String()
	for {
		t, ok := m.store.Get(ctx, p.TaskID)
		if !ok {
			return nil, mcpsession.Errorf(mcpsession.InvalidParams, "Task not found")
		}

		for _, raw := range m.queue.Drain(ctx, p.TaskID) {
			if err := m.session.PushFrame(ctx, raw, relatedReqID); err != nil {
				return nil, mcpsession.Errorf(mcpsession.InternalError, "push queued task message: %v", err)
			}
		}

		if t.Status.Terminal() {
			return m.terminalResult(ctx, t)
		}

		if err := m.store.WaitForUpdate(ctx, p.TaskID); err != nil {
			return nil, err
		}
	}
}

// terminalResult wraps the task's stored result into the response
// payload tasks/result returns once a task has reached a terminal
// status, stamping it with the related-task _meta key. A task with no
// stored result (failed or cancelled) yields an empty object plus that
// stamp; its status message is not included.
func (m *Manager) terminalResult(ctx context.Context, t *Task) (interface{}, error) {
	value, ok := m.store.GetResult(ctx, t.ID)
	if !ok {
		value = json.RawMessage("{}")
	}
	return rawTaskResult{raw: value, taskID: t.ID}, nil
}

// rawTaskResult implements json.Marshaler so the dispatch loop's encode
// step can flatten the stored result's top-level fields alongside the
// related-task _meta stamp without an intermediate unmarshal.
type rawTaskResult struct {
	raw    json.RawMessage
	taskID string
}

func (r rawTaskResult) MarshalJSON() ([]byte, error) {
	return mcpsession.InjectRelatedTaskMeta(r.raw, r.taskID)
}
