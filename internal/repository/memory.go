package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"welfare-agent/internal/domain"
)

// MemoryStore keeps everything in process. It is the default for local runs
// and tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]domain.Thread
	turns    map[string][]domain.Turn
	contexts map[string]domain.UserContext
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]domain.Thread),
		turns:    make(map[string][]domain.Turn),
		contexts: make(map[string]domain.UserContext),
	}
}

func contextKey(threadID, userID string) string {
	return threadID + "\x00" + userID
}

func (m *MemoryStore) CreateThread(_ context.Context, t domain.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[t.ID]; ok {
		return ErrThreadExists
	}
	m.threads[t.ID] = t
	return nil
}

func (m *MemoryStore) ThreadExists(_ context.Context, threadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.threads[threadID]
	return ok, nil
}

func (m *MemoryStore) RecentTurns(_ context.Context, threadID string, limit int) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.turns[threadID], limit), nil
}

func (m *MemoryStore) AppendTurns(_ context.Context, turns ...domain.Turn) error {
	if err := validTurns(turns); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range turns {
		if _, ok := m.threads[t.ThreadID]; !ok {
			return fmt.Errorf("repository: append to unknown thread %q", t.ThreadID)
		}
	}
	touched := make(map[string]struct{}, 1)
	for _, t := range turns {
		m.turns[t.ThreadID] = append(m.turns[t.ThreadID], t)
		touched[t.ThreadID] = struct{}{}
	}
	for id := range touched {
		sortTurns(m.turns[id])
	}
	return nil
}

func (m *MemoryStore) ListTurns(_ context.Context, threadID string, limit, offset int) ([]domain.Turn, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.turns[threadID]
	return page(all, limit, offset), len(all), nil
}

func (m *MemoryStore) GetUserContext(_ context.Context, threadID, userID string) (*domain.UserContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uc, ok := m.contexts[contextKey(threadID, userID)]
	if !ok {
		return nil, nil
	}
	return &uc, nil
}

func (m *MemoryStore) UpsertUserContext(_ context.Context, uc domain.UserContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[contextKey(uc.ThreadID, uc.UserID)] = uc
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, turnsBefore, contextsBefore time.Time) (SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res SweepResult
	if !turnsBefore.IsZero() {
		for id, turns := range m.turns {
			kept := turns[:0]
			for _, t := range turns {
				if t.CreatedAt.Before(turnsBefore) {
					res.Turns++
					continue
				}
				kept = append(kept, t)
			}
			m.turns[id] = kept
		}
	}
	if !contextsBefore.IsZero() {
		for k, uc := range m.contexts {
			if uc.FetchedAt.Before(contextsBefore) {
				delete(m.contexts, k)
				res.Contexts++
			}
		}
	}
	return res, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
