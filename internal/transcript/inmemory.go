package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process transcript store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Utterance
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]Utterance)}
}

func (s *InMemoryStore) SaveUtterance(_ context.Context, u Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.sessions[u.SessionID] = append(s.sessions[u.SessionID], u)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Utterance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.sessions[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Utterance, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
