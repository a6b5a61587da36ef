package task

import (
	"context"
	"sync"

	"github.com/riverrun-labs/mcpsession"
)

// queueEntry is one FIFO slot: either a plain message or a request whose
// response must be routed back to a Resolver.
type queueEntry struct {
	bytes             []byte
	hasResolver       bool
	originalRequestID string
	resolver          *Resolver
}

// MessageQueue is the per-task side-channel FIFO plus resolver table
// used to deliver mid-task elicitation/sampling requests to the next
// tasks/result poll and route their eventual responses back.
type MessageQueue interface {
	Enqueue(ctx context.Context, taskID string, msg []byte, maxSize int) error
	EnqueueWithResolver(ctx context.Context, taskID string, msg []byte, requestID string, resolver *Resolver, maxSize int) error
	Dequeue(ctx context.Context, taskID string) ([]byte, bool)
	DequeueWithResolver(ctx context.Context, taskID string) (msg []byte, requestID string, resolver *Resolver, ok bool)
	Drain(ctx context.Context, taskID string) [][]byte
	WaitForMessage(ctx context.Context, taskID string) error
	NotifyMessageAvailable(taskID string)
	TakeResolver(requestID string) (*Resolver, bool)
}

// MemoryQueue is the default in-memory MessageQueue, sharing a
// signalRegistry with its paired MemoryStore.
type MemoryQueue struct {
	mu        sync.Mutex
	queues    map[string][]*queueEntry
	resolvers map[string]*queueEntry // requestID -> entry, for TakeResolver
	signals   *signalRegistry
}

func newMemoryQueue(sig *signalRegistry) *MemoryQueue {
	return &MemoryQueue{
		queues:    make(map[string][]*queueEntry),
		resolvers: make(map[string]*queueEntry),
		signals:   sig,
	}
}

func (q *MemoryQueue) enqueue(taskID string, e *queueEntry, maxSize int) error {
	q.mu.Lock()
	if maxSize > 0 && len(q.queues[taskID]) >= maxSize {
		q.mu.Unlock()
		return mcpsession.ErrQueueOverflow
	}
	q.queues[taskID] = append(q.queues[taskID], e)
	if e.hasResolver {
		q.resolvers[e.originalRequestID] = e
	}
	q.mu.Unlock()
	q.signals.broadcast(taskID)
	return nil
}

// Enqueue implements MessageQueue.
func (q *MemoryQueue) Enqueue(_ context.Context, taskID string, msg []byte, maxSize int) error {
	return q.enqueue(taskID, &queueEntry{bytes: msg}, maxSize)
}

// EnqueueWithResolver implements MessageQueue.
func (q *MemoryQueue) EnqueueWithResolver(_ context.Context, taskID string, msg []byte, requestID string, resolver *Resolver, maxSize int) error {
	return q.enqueue(taskID, &queueEntry{
		bytes:             msg,
		hasResolver:       true,
		originalRequestID: requestID,
		resolver:          resolver,
	}, maxSize)
}

// Dequeue implements MessageQueue: pops the front entry regardless of
// whether it carries a resolver.
func (q *MemoryQueue) Dequeue(_ context.Context, taskID string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[taskID]
	if len(list) == 0 {
		return nil, false
	}
	e := list[0]
	q.queues[taskID] = list[1:]
	if e.hasResolver {
		delete(q.resolvers, e.originalRequestID)
	}
	return e.bytes, true
}

// DequeueWithResolver implements MessageQueue: scans from the front for
// the first entry carrying a resolver, rotating any plain entries it
// passes over to the back of the queue rather than discarding them. The
// resolver stays indexed under its original request id after this call;
// only TakeResolver (on the reply) or a resolve by
// Manager.failQueuedResolvers on tasks/cancel retires it.
func (q *MemoryQueue) DequeueWithResolver(_ context.Context, taskID string) ([]byte, string, *Resolver, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[taskID]
	for i, e := range list {
		if e.hasResolver {
			q.queues[taskID] = rotateOut(list, i)
			return e.bytes, e.originalRequestID, e.resolver, true
		}
	}
	return nil, "", nil, false
}

// rotateOut removes the entry at index i and appends every entry that
// preceded it to the back, preserving relative order of the rotated
// entries and of the remainder.
func rotateOut(list []*queueEntry, i int) []*queueEntry {
	rotated := append([]*queueEntry{}, list[:i]...)
	remainder := append([]*queueEntry{}, list[i+1:]...)
	return append(remainder, rotated...)
}

// Drain implements MessageQueue, removing and returning every queued
// message for taskID in FIFO order, used by the tasks/result handler
// before it waits or returns a terminal result. A drained entry that
// carries a resolver stays indexed under its original request id: the
// request frame has been handed to the polling client, but the reply is
// still outstanding, and only TakeResolver (on the reply) retires it.
func (q *MemoryQueue) Drain(_ context.Context, taskID string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.queues[taskID]
	delete(q.queues, taskID)
	out := make([][]byte, 0, len(list))
	for _, e := range list {
		out = append(out, e.bytes)
	}
	return out
}

// WaitForMessage implements MessageQueue, sharing the per-task signal
// with the paired Store so a single wait wakes on either kind of
// activity.
func (q *MemoryQueue) WaitForMessage(ctx context.Context, taskID string) error {
	return q.signals.get(taskID).wait(ctx)
}

// NotifyMessageAvailable implements MessageQueue.
func (q *MemoryQueue) NotifyMessageAvailable(taskID string) {
	q.signals.broadcast(taskID)
}

// TakeResolver implements MessageQueue: removes and returns the resolver
// queued under requestID, if any, regardless of which task it belongs
// to. This is how the dispatch loop's ResponseRouter resumes a mid-task
// elicitation or sampling call.
func (q *MemoryQueue) TakeResolver(requestID string) (*Resolver, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.resolvers[requestID]
	if !ok {
		return nil, false
	}
	delete(q.resolvers, requestID)
	for taskID, list := range q.queues {
		for i, cand := range list {
			if cand == e {
				q.queues[taskID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
	return e.resolver, true
}
