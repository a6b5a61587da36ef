package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/riverrun-labs/mcpsession"
)

// HandlerContext is passed to a task-augmented request handler's work
// function, exposing its status-transition and mid-task interaction
// primitives.
type HandlerContext struct {
	context.Context

	mgr    *Manager
	taskID string
}

func newHandlerContext(ctx context.Context, mgr *Manager, taskID string) *HandlerContext {
	return &HandlerContext{Context: ctx, mgr: mgr, taskID: taskID}
}

// TaskID reports the id of the task this context is running work for.
func (h *HandlerContext) TaskID() string { return h.taskID }

// UpdateStatus reports progress without changing status.
func (h *HandlerContext) UpdateStatus(msg string) error {
	_, err := h.mgr.store.Update(h, h.taskID, nil, &msg)
	return err
}

// SetInputRequired transitions the task to input_required with an
// optional message.
func (h *HandlerContext) SetInputRequired(msg string) error {
	status := mcpsession.TaskInputRequired
	var msgPtr *string
	if msg != "" {
		msgPtr = &msg
	}
	_, err := h.mgr.store.Update(h, h.taskID, &status, msgPtr)
	return err
}

// Complete stores result and transitions the task to completed.
func (h *HandlerContext) Complete(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := h.mgr.store.StoreResult(h, h.taskID, data); err != nil {
		return err
	}
	status := mcpsession.TaskCompleted
	_, err = h.mgr.store.Update(h, h.taskID, &status, nil)
	return err
}

// Fail transitions the task to failed, recording msgOrErr's message.
func (h *HandlerContext) Fail(msgOrErr interface{}) error {
	var msg string
	switch v := msgOrErr.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprint(v)
	}
	status := mcpsession.TaskFailed
	_, err := h.mgr.store.Update(h, h.taskID, &status, &msg)
	return err
}

// Cancel transitions the task to cancelled with an optional message.
func (h *HandlerContext) Cancel(msg string) error {
	status := mcpsession.TaskCancelled
	var msgPtr *string
	if msg != "" {
		msgPtr = &msg
	}
	_, err := h.mgr.store.Update(h, h.taskID, &status, msgPtr)
	return err
}

const (
	capElicitation = "elicitation"
	capSampling    = "sampling"
)

func (h *HandlerContext) peerHasCapability(name string) bool {
	caps := h.mgr.session.PeerCapabilities()
	if len(caps) == 0 {
		return false
	}
	return gjson.GetBytes(caps, name).Exists()
}

// requestRelatedTask builds params with the io.modelcontextprotocol/
// related-task _meta entry identifying h.taskID.
func (h *HandlerContext) requestRelatedTask(params json.RawMessage) (json.RawMessage, error) {
	meta := map[string]interface{}{
		"io.modelcontextprotocol/related-task": map[string]string{"taskId": h.taskID},
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	merged := map[string]json.RawMessage{"_meta": metaRaw}
	if len(params) > 0 && string(params) != "null" {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
		merged["_meta"] = metaRaw
	}
	return json.Marshal(merged)
}

// sendQueued builds a related-task request, queues it with a fresh
// Resolver, notifies waiters, transitions to input_required, awaits the
// resolver, and transitions back to working (best-effort, even on
// error).
func (h *HandlerContext) sendQueued(method string, params json.RawMessage) (json.RawMessage, error) {
	reqID := h.mgr.nextRequestID(h.taskID)
	related, err := h.requestRelatedTask(params)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(&mcpsession.Request{ID: reqID, Method: method, Params: related})
	if err != nil {
		return nil, err
	}

	inputStatus := mcpsession.TaskInputRequired
	if _, err := h.mgr.store.Update(h, h.taskID, &inputStatus, nil); err != nil {
		return nil, err
	}

	resolver := NewResolver()
	if err := h.mgr.queue.EnqueueWithResolver(h, h.taskID, frame, reqID.String(), resolver, h.mgr.maxQueueSize); err != nil {
		return nil, err
	}
	h.mgr.queue.NotifyMessageAvailable(h.taskID)
	h.mgr.store.NotifyUpdate(h.taskID)

	value, werr := resolver.Wait(h)

	workingStatus := mcpsession.TaskWorking
	_, _ = h.mgr.store.Update(h, h.taskID, &workingStatus, nil) // best-effort, even on werr

	if werr != nil {
		return nil, werr
	}
	return value, nil
}

// Elicit requests form-mode elicitation from the peer, suspending the
// task until answered.
func (h *HandlerContext) Elicit(message string, schema json.RawMessage) (json.RawMessage, error) {
	if !h.peerHasCapability(capElicitation) {
		return nil, mcpsession.Errorf(mcpsession.InvalidRequest, "peer does not support elicitation")
	}
	params, err := json.Marshal(map[string]interface{}{"message": message, "requestedSchema": schema})
	if err != nil {
		return nil, err
	}
	return h.sendQueued(mcpsession.MethodElicitationCreate, params)
}

// ElicitURL requests url-mode elicitation, directing the peer to
// complete an out-of-band interaction identified by id before it
// replies.
func (h *HandlerContext) ElicitURL(message, url, id string) (json.RawMessage, error) {
	if !h.peerHasCapability(capElicitation) {
		return nil, mcpsession.Errorf(mcpsession.InvalidRequest, "peer does not support elicitation")
	}
	params, err := json.Marshal(map[string]interface{}{
		"message": message,
		"url":     url,
		"elicitationId": id,
		"mode":    "url",
	})
	if err != nil {
		return nil, err
	}
	return h.sendQueued(mcpsession.MethodElicitationCreate, params)
}

// CreateMessage issues a mid-task sampling call.
func (h *HandlerContext) CreateMessage(messages json.RawMessage, params json.RawMessage) (json.RawMessage, error) {
	if !h.peerHasCapability(capSampling) {
		return nil, mcpsession.Errorf(mcpsession.InvalidRequest, "peer does not support sampling")
	}
	merged := map[string]json.RawMessage{"messages": messages}
	if len(params) > 0 && string(params) != "null" {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(params, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			merged[k] = v
		}
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return h.sendQueued(mcpsession.MethodSamplingCreate, body)
}

// asTaskResult is the shape of a CreateTaskResult the peer returns when
// the outbound request carried a task marker.
type asTaskResult struct {
	Task struct {
		ID           string `json:"taskId"`
		PollInterval int64  `json:"pollInterval,omitempty"`
	} `json:"task"`
}

// sendAsTask backs the *_as_task variants: the outbound request
// additionally carries a task field, so the peer
// answers with a CreateTaskResult referencing its own task id; this
// context polls the peer's task to terminal status via tasks/result and
// returns the decoded final payload. A compliant tasks/result handler
// (ours included) blocks until the task is terminal, so one poll
// ordinarily suffices; PollInterval only matters against a peer whose
// tasks/result returns early, in which case the loop sleeps and retries.
func (h *HandlerContext) sendAsTask(method string, params json.RawMessage) (json.RawMessage, error) {
	withTask, err := markAsTask(params)
	if err != nil {
		return nil, err
	}
	rsp, err := h.mgr.session.Call(h, method, withTask, nil)
	if err != nil {
		return nil, err
	}
	if rsp.IsError() {
		return nil, rsp.Error
	}
	var created asTaskResult
	if err := json.Unmarshal(rsp.Result, &created); err != nil {
		return nil, err
	}

	interval := DefaultPollInterval
	if created.Task.PollInterval > 0 {
		interval = time.Duration(created.Task.PollInterval) * time.Millisecond
	}
	resultParams, err := json.Marshal(map[string]string{"taskId": created.Task.ID})
	if err != nil {
		return nil, err
	}
	for {
		rsp, err := h.mgr.session.Call(h, mcpsession.MethodTasksResult, resultParams, nil)
		if err != nil {
			return nil, err
		}
		if rsp.IsError() {
			return nil, rsp.Error
		}
		t, ok := decodeTaskEnvelope(rsp.Result)
		if !ok || t.Terminal() {
			return rsp.Result, nil
		}
		select {
		case <-time.After(interval):
		case <-h.Done():
			return nil, h.Err()
		}
	}
}

// markAsTask adds a "task" marker field to params, requesting the peer
// answer with a CreateTaskResult instead of its normal result shape.
func markAsTask(params json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{"task": json.RawMessage("{}")}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, err
		}
		fields["task"] = json.RawMessage("{}")
	}
	return json.Marshal(fields)
}

// decodeTaskEnvelope reports the task status embedded in a tasks/result
// response, if any, used only to distinguish a peer whose tasks/result
// answers before the task reaches a terminal status.
func decodeTaskEnvelope(result json.RawMessage) (mcpsession.TaskStatus, bool) {
	status := gjson.GetBytes(result, "task.status")
	if !status.Exists() {
		return "", false
	}
	return mcpsession.TaskStatus(status.String()), true
}

// ElicitAsTask is Elicit's peer-task-polling variant.
func (h *HandlerContext) ElicitAsTask(message string, schema json.RawMessage) (json.RawMessage, error) {
	if !h.peerHasCapability(capElicitation) {
		return nil, mcpsession.Errorf(mcpsession.InvalidRequest, "peer does not support elicitation")
	}
	params, err := json.Marshal(map[string]interface{}{"message": message, "requestedSchema": schema})
	if err != nil {
		return nil, err
	}
	return h.sendAsTask(mcpsession.MethodElicitationCreate, params)
}

// CreateMessageAsTask is CreateMessage's peer-task-polling variant.
func (h *HandlerContext) CreateMessageAsTask(messages json.RawMessage, params json.RawMessage) (json.RawMessage, error) {
	if !h.peerHasCapability(capSampling) {
		return nil, mcpsession.Errorf(mcpsession.InvalidRequest, "peer does not support sampling")
	}
	merged := map[string]json.RawMessage{"messages": messages}
	if len(params) > 0 && string(params) != "null" {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(params, &extra); err != nil {
			return nil, err
		}
		for k, v := range extra {
			merged[k] = v
		}
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return h.sendAsTask(mcpsession.MethodSamplingCreate, body)
}
