package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultInMemoryLimit bounds the records kept per session.
const DefaultInMemoryLimit = 512

// InMemoryStore keeps the most recent events of each session in process.
type InMemoryStore struct {
	mu         sync.RWMutex
	perSession int
	records    map[string][]Record
}

func NewInMemoryStore(perSession int) *InMemoryStore {
	if perSession <= 0 {
		perSession = DefaultInMemoryLimit
	}
	return &InMemoryStore{perSession: perSession, records: make(map[string][]Record)}
}

func (s *InMemoryStore) Append(_ context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.SessionID], record)
	if over := len(arr) - s.perSession; over > 0 {
		arr = append([]Record(nil), arr[over:]...)
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) BySession(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
