package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riverrun-labs/mcpsession"
)

// Task is a server-side persistent record of work that continues past
// the request that created it.
type Task struct {
	ID            string               `json:"taskId"`
	Status        mcpsession.TaskStatus `json:"status"`
	StatusMessage string                `json:"statusMessage,omitempty"`
	Metadata      json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	LastUpdatedAt time.Time             `json:"lastUpdatedAt"`

	ttl       time.Duration // zero means never expire
	expiresAt time.Time     // zero means not yet armed
}

// clone returns a value copy of t, so callers outside the store's lock
// can never mutate its bookkeeping fields.
func (t *Task) clone() *Task {
	cp := *t
	return &cp
}

// CreateTaskResult is the payload a task-augmented request handler
// returns instead of its normal result.
type CreateTaskResult struct {
	Task                    *Task           `json:"task"`
	ModelImmediateResponse  json.RawMessage `json:"-"`
}

// MarshalJSON embeds ModelImmediateResponse under the well-known _meta
// key when present, alongside the task field.
func (r CreateTaskResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Task *Task           `json:"task"`
		Meta json.RawMessage `json:"_meta,omitempty"`
	}
	w := wire{Task: r.Task}
	if len(r.ModelImmediateResponse) > 0 {
		meta, err := json.Marshal(map[string]json.RawMessage{
			"io.modelcontextprotocol/model-immediate-response": r.ModelImmediateResponse,
		})
		if err != nil {
			return nil, err
		}
		w.Meta = meta
	}
	return json.Marshal(w)
}

// QueuedMessage is a raw JSON-RPC frame queued for delivery to the poller
// of a task's tasks/result call.
type QueuedMessage struct {
	Bytes []byte
}

// QueuedRequestWithResolver pairs an outbound request frame with the
// Resolver that will be completed once its response is routed back,
// used for mid-task elicitation and sampling calls.
type QueuedRequestWithResolver struct {
	Bytes             []byte
	OriginalRequestID string
	Resolver          *Resolver
}

// Resolver is a one-shot cell bridging the enqueue-and-wait pattern
// between a task handler and the eventual routed response.
type Resolver struct {
	ch   chan resolution
	done bool
}

type resolution struct {
	value json.RawMessage
	err   error
}

// NewResolver constructs an unresolved Resolver.
func NewResolver() *Resolver {
	return &Resolver{ch: make(chan resolution, 1)}
}

// Resolve completes r exactly once; subsequent calls are no-ops.
func (r *Resolver) Resolve(value json.RawMessage, err error) {
	if r.done {
		return
	}
	r.done = true
	r.ch <- resolution{value: value, err: err}
}

// Wait blocks until r is resolved or ctx is done.
func (r *Resolver) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-r.ch:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
