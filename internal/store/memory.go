package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// InMemoryStore keeps everything in process memory. It is the default when
// no DSN is configured and the store used by tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	responses map[string]*models.MessageResponse
	requests  map[string]StoredRequest
	scheduled map[string]ScheduledEntry
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		responses: make(map[string]*models.MessageResponse),
		requests:  make(map[string]StoredRequest),
		scheduled: make(map[string]ScheduledEntry),
	}
}

func (s *InMemoryStore) SaveResponse(_ context.Context, resp *models.MessageResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[resp.MessageID] = resp.Clone()
	return nil
}

func (s *InMemoryStore) GetResponse(_ context.Context, id string) (*models.MessageResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) ListResponses(_ context.Context, filter ResponseFilter) ([]*models.MessageResponse, error) {
	s.mu.RLock()
	var out []*models.MessageResponse
	for _, r := range s.responses {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, newestFirst)
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *InMemoryStore) SaveRequest(_ context.Context, req models.MessageRequest, storedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.RequestID] = StoredRequest{Request: req.Clone(), StoredAt: storedAt}
	return nil
}

func (s *InMemoryStore) GetRequest(_ context.Context, id string) (*models.MessageRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	req := sr.Request.Clone()
	return &req, nil
}

func (s *InMemoryStore) PurgeRequests(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sr := range s.requests {
		if sr.StoredAt.Before(before) {
			delete(s.requests, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddScheduled(_ context.Context, entry ScheduledEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Request = entry.Request.Clone()
	s.scheduled[entry.MessageID] = entry
	return nil
}

func (s *InMemoryStore) DueScheduled(_ context.Context, now time.Time) ([]ScheduledEntry, error) {
	s.mu.RLock()
	var out []ScheduledEntry
	for _, e := range s.scheduled {
		if !e.ScheduledAt.After(now) {
			e.Request = e.Request.Clone()
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, earliestFirst)
	return out, nil
}

func (s *InMemoryStore) RemoveScheduled(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[id]; !ok {
		return false, nil
	}
	delete(s.scheduled, id)
	return true, nil
}

func (s *InMemoryStore) ListScheduled(_ context.Context) ([]ScheduledEntry, error) {
	s.mu.RLock()
	out := make([]ScheduledEntry, 0, len(s.scheduled))
	for _, e := range s.scheduled {
		e.Request = e.Request.Clone()
		out = append(out, e)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, earliestFirst)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
