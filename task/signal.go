package task

import (
	"context"
	"sync"
)

// signalRegistry hands out a per-task broadcast signal, shared between
// the task store and the task message queue so that a single
// Store.WaitForUpdate wakes on either a status change or new
// queue activity: a naive implementation that only signals on status
// change would deadlock the tasks/result poll whenever a task is
// suspended on an elicitation.
type signalRegistry struct {
	mu      sync.Mutex
	signals map[string]*signal
}

func newSignalRegistry() *signalRegistry {
	return &signalRegistry{signals: make(map[string]*signal)}
}

func (r *signalRegistry) get(taskID string) *signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[taskID]
	if !ok {
		s = newSignal()
		r.signals[taskID] = s
	}
	return s
}

func (r *signalRegistry) broadcast(taskID string) {
	r.get(taskID).broadcast()
}

func (r *signalRegistry) forget(taskID string) {
	r.mu.Lock()
	delete(r.signals, taskID)
	r.mu.Unlock()
}

// signal is a closed-channel broadcast primitive: wait blocks on the
// current generation's channel, broadcast closes it and installs a
// fresh one so later waiters block on the next generation instead of
// firing immediately.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *signal) broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}
