package task

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/riverrun-labs/mcpsession"
)

// Store is the pluggable persistence contract for task records. A
// Manager is constructed around one Store and one MessageQueue;
// MemoryStore below is the default in-process implementation.
type Store interface {
	Create(ctx context.Context, metadata json.RawMessage, id string, ttl time.Duration) (*Task, error)
	Get(ctx context.Context, id string) (*Task, bool)
	Update(ctx context.Context, id string, status *mcpsession.TaskStatus, statusMessage *string) (*Task, error)
	StoreResult(ctx context.Context, id string, value json.RawMessage) error
	GetResult(ctx context.Context, id string) (json.RawMessage, bool)
	List(ctx context.Context, cursor string, pageSize int) (page []*Task, nextCursor string, err error)
	Delete(ctx context.Context, id string) bool
	WaitForUpdate(ctx context.Context, id string) error
	NotifyUpdate(id string)
}

// MemoryStore is an in-memory Store, the default wired into Manager. Its
// wait/notify pair shares a signalRegistry with the MessageQueue it is
// paired with, so a poller blocked in WaitForUpdate wakes on queue
// activity too.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	results map[string]json.RawMessage
	signals *signalRegistry
}

// newMemoryStore constructs an empty MemoryStore sharing sig with the
// caller's MessageQueue (see newMemoryQueue).
func newMemoryStore(sig *signalRegistry) *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		results: make(map[string]json.RawMessage),
		signals: sig,
	}
}

func randomTaskID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// purgeExpired drops every record whose expiry has elapsed. Called at
// the top of Create, Get, Update and List rather than by a background
// sweep; StoreResult, GetResult and Delete do not purge. Caller must
// hold s.mu.
func (s *MemoryStore) purgeExpired(now time.Time) {
	for id, t := range s.tasks {
		if !t.expiresAt.IsZero() && !now.Before(t.expiresAt) {
			delete(s.tasks, id)
			delete(s.results, id)
			s.signals.forget(id)
		}
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, metadata json.RawMessage, id string, ttl time.Duration) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.purgeExpired(now)

	if id == "" {
		for {
			gen, err := randomTaskID()
			if err != nil {
				return nil, err
			}
			if _, exists := s.tasks[gen]; !exists {
				id = gen
				break
			}
		}
	} else if _, exists := s.tasks[id]; exists {
		return nil, mcpsession.Errorf(mcpsession.InvalidParams, "task id %q already exists", id)
	}

	t := &Task{
		ID:            id,
		Status:        mcpsession.TaskWorking,
		Metadata:      metadata,
		CreatedAt:     now,
		LastUpdatedAt: now,
		ttl:           ttl,
	}
	s.tasks[id] = t
	return t.clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpired(time.Now())
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// Update implements Store. Either status or statusMessage may be nil to
// leave that field unchanged. Attempting to change the status of a task
// already in a terminal status fails with ErrTerminalTransitionRefused.
func (s *MemoryStore) Update(_ context.Context, id string, status *mcpsession.TaskStatus, statusMessage *string) (*Task, error) {
	s.mu.Lock()
	now := time.Now()
	s.purgeExpired(now)
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, mcpsession.ErrTaskNotFound
	}
	if status != nil && t.Status != *status {
		if t.Status.Terminal() {
			s.mu.Unlock()
			return nil, mcpsession.ErrTerminalTransitionRefused
		}
		t.Status = *status
		if t.Status.Terminal() && t.ttl > 0 {
			t.expiresAt = now.Add(t.ttl)
		}
	}
	if statusMessage != nil {
		t.StatusMessage = *statusMessage
	}
	t.LastUpdatedAt = now
	out := t.clone()
	s.mu.Unlock()

	s.signals.broadcast(id)
	return out, nil
}

// StoreResult implements Store.
func (s *MemoryStore) StoreResult(_ context.Context, id string, value json.RawMessage) error {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return mcpsession.ErrTaskNotFound
	}
	s.results[id] = value
	s.mu.Unlock()
	s.signals.broadcast(id)
	return nil
}

// GetResult implements Store.
func (s *MemoryStore) GetResult(_ context.Context, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.results[id]
	return v, ok
}

// List implements Store with deterministic ordering by id; cursor is the
// last id returned by the previous page, or empty for the first page.
func (s *MemoryStore) List(_ context.Context, cursor string, pageSize int) ([]*Task, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpired(time.Now())

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		i := sort.SearchStrings(ids, cursor)
		if i < len(ids) && ids[i] == cursor {
			start = i + 1
		} else {
			start = i
		}
	}
	if pageSize <= 0 {
		pageSize = len(ids)
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	if start > len(ids) {
		start = len(ids)
	}

	page := make([]*Task, 0, end-start)
	for _, id := range ids[start:end] {
		page = append(page, s.tasks[id].clone())
	}
	var next string
	if end < len(ids) {
		next = ids[end-1]
	}
	return page, next, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) bool {
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	delete(s.results, id)
	s.mu.Unlock()
	if ok {
		s.signals.forget(id)
	}
	return ok
}

// WaitForUpdate implements Store, blocking until either a status change,
// a stored result, or queue activity is signalled for id, since a poller
// on tasks/result should wake on any of the three.
func (s *MemoryStore) WaitForUpdate(ctx context.Context, id string) error {
	return s.signals.get(id).wait(ctx)
}

// NotifyUpdate implements Store, waking every waiter blocked on id.
func (s *MemoryStore) NotifyUpdate(id string) {
	s.signals.broadcast(id)
}
