// Package metrics provides a minimal counter/gauge set that handlers can
// attach to a context, generalizing jrpc2's own root metrics.go for use
// across sessions, tasks, and transports.
package metrics

import (
	"context"
	"sync"
)

// Metrics is a concurrency-safe bag of named counters and "high water
// mark" gauges.
type Metrics struct {
	mu      sync.Mutex
	counter map[string]int64
	maxVal  map[string]int64
}

// New constructs an empty Metrics collector.
func New() *Metrics {
	return &Metrics{
		counter: make(map[string]int64),
		maxVal:  make(map[string]int64),
	}
}

// Count adds delta (which may be negative) to the named counter and
// reports its new value.
func (m *Metrics) Count(name string, delta int64) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter[name] += delta
	return m.counter[name]
}

// SetMaxValue records value as the named gauge's reading if it exceeds
// the current high-water mark, and reports the mark after the update.
func (m *Metrics) SetMaxValue(name string, value int64) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if value > m.maxVal[name] {
		m.maxVal[name] = value
	}
	return m.maxVal[name]
}

// CountAndSetMax is shorthand for incrementing a counter and recording
// its new value as a gauge under the same name, the common case of
// tracking "current outstanding" alongside "peak outstanding".
func (m *Metrics) CountAndSetMax(name string, delta int64) int64 {
	v := m.Count(name, delta)
	m.SetMaxValue(name, v)
	return v
}

// Snapshot returns a point-in-time copy of every counter and gauge,
// keyed "counter:name" and "max:name" respectively.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.counter {
		out["counter:"+k] = v
	}
	for k, v := range m.maxVal {
		out["max:"+k] = v
	}
	return out
}

type contextKey struct{}

// NewContext attaches m to ctx so a handler several layers deep can
// record session- or task-scoped measurements without a global.
func NewContext(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext extracts the Metrics attached by NewContext, or nil if
// none was attached.
func FromContext(ctx context.Context) *Metrics {
	m, _ := ctx.Value(contextKey{}).(*Metrics)
	return m
}
