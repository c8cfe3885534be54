package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conceptforge/conceptforge/internal/domain"
)

// In-memory fakes mirroring the adapter semantics, shared by the tests in
// this package.

type memTasks struct {
	mu    sync.Mutex
	items map[string]domain.Task
	// Injectable failures.
	createErr error
	listErr   error
}

func newMemTasks() *memTasks {
	return &memTasks{items: map[string]domain.Task{}}
}

func (m *memTasks) Create(_ context.Context, t domain.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	m.items[t.ID] = t
	return t.ID, nil
}

func (m *memTasks) Get(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *memTasks) Transition(_ context.Context, id string, from, to domain.TaskStatus, patch domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if t.Status != from {
		return t, fmt.Errorf("status=%s want=%s: %w", t.Status, from, domain.ErrConflict)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if patch.ResultID != nil {
		t.ResultID = *patch.ResultID
	}
	if patch.ErrorMessage != nil {
		t.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
	m.items[id] = t
	return t, nil
}

func (m *memTasks) ListActive(_ context.Context, userID string, typ domain.TaskType) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Task
	for _, t := range m.items {
		if t.UserID == userID && t.Type == typ && !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTasks) ListByUser(_ context.Context, userID string, f domain.TaskFilter) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.items {
		if t.UserID != userID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memTasks) SetCancelled(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	t.IsCancelled = true
	t.UpdatedAt = time.Now().UTC()
	m.items[id] = t
	return t, nil
}

func (m *memTasks) FailStale(_ context.Context, status domain.TaskStatus, olderThan time.Duration, errMsg string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var n int64
	for id, t := range m.items {
		age := t.UpdatedAt
		if status == domain.TaskPending {
			age = t.CreatedAt
		}
		if t.Status == status && age.Before(cutoff) {
			t.Status = domain.TaskFailed
			t.ErrorMessage = errMsg
			t.UpdatedAt = time.Now().UTC()
			m.items[id] = t
			n++
		}
	}
	return n, nil
}

type memConcepts struct {
	mu    sync.Mutex
	items map[string]domain.Concept
}

func newMemConcepts() *memConcepts {
	return &memConcepts{items: map[string]domain.Concept{}}
}

func (m *memConcepts) CreateWithVariations(_ context.Context, c domain.Concept, vars []domain.Variation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()
	for i := range vars {
		if vars[i].ID == "" {
			vars[i].ID = uuid.New().String()
		}
		vars[i].ConceptID = c.ID
	}
	c.Variations = vars
	m.items[c.ID] = c
	return c.ID, nil
}

func (m *memConcepts) Get(_ context.Context, id string) (domain.Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return domain.Concept{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memConcepts) ListByUser(_ context.Context, userID string, _ int) ([]domain.Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Concept
	for _, c := range m.items {
		if c.UserID == userID {
			c.Variations = nil
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memConcepts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *memConcepts) OwnsImagePath(_ context.Context, userID, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.UserID != userID {
			continue
		}
		if c.ImagePath == path {
			return true, nil
		}
		for _, v := range c.Variations {
			if v.ImagePath == path {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memConcepts) ListOlderThan(_ context.Context, cutoff time.Time, _ int) ([]domain.Concept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Concept
	for _, c := range m.items {
		if c.CreatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	signErr error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *memBlobs) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	if m.signErr != nil {
		return "", m.signErr
	}
	return "https://signed.example/" + path, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []domain.TaskMessage
	err      error
}

func (q *fakeQueue) PublishTask(_ context.Context, msg domain.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, msg)
	return nil
}

// fakeRates is a deterministic counter with one shared bucket per category.
type fakeRates struct {
	mu        sync.Mutex
	remaining map[string]int64
	limit     int64
	err       error
	refunds   int
}

func newFakeRates(limit int64) *fakeRates {
	return &fakeRates{remaining: map[string]int64{}, limit: limit}
}

func (f *fakeRates) CheckAndDecrement(_ context.Context, _, category string, cost int64) (domain.RateDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.RateDecision{}, f.err
	}
	rem, ok := f.remaining[category]
	if !ok {
		rem = f.limit
	}
	if rem < cost {
		return domain.RateDecision{Allowed: false, Limit: f.limit, Remaining: rem, Period: "day", ResetAfter: time.Hour}, nil
	}
	rem -= cost
	f.remaining[category] = rem
	return domain.RateDecision{Allowed: true, Limit: f.limit, Remaining: rem, Period: "day", ResetAfter: time.Hour}, nil
}

func (f *fakeRates) Snapshot(_ context.Context, _ string) (map[string]domain.RateState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]domain.RateState{}
	for cat, rem := range f.remaining {
		out[cat] = domain.RateState{Limit: f.limit, Remaining: rem, Period: "day", ResetAfterSeconds: 3600}
	}
	return out, nil
}

func (f *fakeRates) Refund(_ context.Context, _, category string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	f.remaining[category] += n
	return nil
}
