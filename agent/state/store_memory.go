package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process. Reads and writes hand out deep copies so a
// caller can never mutate the stored record outside CompareAndUpdate.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session, 64)}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.sessions[sessionID]; ok {
		return st.Clone(), nil
	}
	st := NewSession(sessionID, now)
	st.Version = 1
	m.sessions[sessionID] = st
	return st.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) CompareAndUpdate(ctx context.Context, sessionID string, expectedVersion int64, mutate Mutator) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrStateNotFound
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: session=%s expected=%d actual=%d", ErrVersionConflict, sessionID, expectedVersion, current.Version)
	}

	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}
	m.sessions[sessionID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}
