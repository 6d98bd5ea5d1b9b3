package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/ritual/internal/types"
)

// MemoryStore is an in-memory Store used when the persistent store cannot be
// opened (storage quota or parse failure). It keeps the engine functional for
// the session; nothing survives a restart.
type MemoryStore struct {
	mu          sync.Mutex
	completions map[string]types.Completion // keyed by user|type|dateKey
	queue       map[string]*types.QueuedMutation
	streak      *types.StreakRecord
	meta        map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		completions: make(map[string]types.Completion),
		queue:       make(map[string]*types.QueuedMutation),
		meta:        make(map[string]string),
	}
}

func completionKey(userID string, ritual types.RitualType, dateKey string) string {
	return userID + "|" + string(ritual) + "|" + dateKey
}

func (s *MemoryStore) UpsertCompletion(_ context.Context, c types.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions[completionKey(c.UserID, c.RitualType, c.DateKey)] = c
	return nil
}

func (s *MemoryStore) GetCompletion(_ context.Context, ritual types.RitualType, dateKey string) (*types.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.completions {
		if c.RitualType == ritual && c.DateKey == dateKey {
			out := c
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListCompletions(_ context.Context, ritual types.RitualType, fromKey, toKey string) ([]types.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Completion
	for _, c := range s.completions {
		if c.RitualType == ritual && c.DateKey >= fromKey && c.DateKey <= toKey {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateKey < out[j].DateKey })
	return out, nil
}

func (s *MemoryStore) ReplaceCompletions(_ context.Context, ritual types.RitualType, fromKey, toKey string, canonical []types.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, c := range s.completions {
		if c.RitualType == ritual && c.DateKey >= fromKey && c.DateKey <= toKey {
			delete(s.completions, key)
		}
	}
	for _, c := range canonical {
		s.completions[completionKey(c.UserID, c.RitualType, c.DateKey)] = c
	}
	return nil
}

func (s *MemoryStore) EnqueueMutation(_ context.Context, m types.QueuedMutation) (types.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.queue {
		if existing.TargetKey == m.TargetKey {
			existing.Payload = m.Payload
			existing.Attempts = 0
			existing.Generation++
			existing.NextAttemptAt = time.Time{}
			if existing.Status != types.MutationInFlight {
				existing.Status = types.MutationPending
			}
			return *existing, nil
		}
	}

	m.Operation = types.OperationUpsert
	m.Status = types.MutationPending
	m.Generation = 1
	m.Attempts = 0
	stored := m
	s.queue[m.ID] = &stored
	return m, nil
}

func (s *MemoryStore) DueMutations(_ context.Context, now time.Time) ([]types.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []types.QueuedMutation
	for id, m := range s.queue {
		if m.Status == types.MutationInFlight {
			continue
		}
		if !m.NextAttemptAt.IsZero() && m.NextAttemptAt.After(now) {
			continue
		}
		if len(m.Payload) > 0 && !json.Valid(m.Payload) {
			delete(s.queue, id)
			continue
		}
		due = append(due, *m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due, nil
}

func (s *MemoryStore) MarkInFlight(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = types.MutationInFlight
	return nil
}

func (s *MemoryStore) AckMutation(_ context.Context, id string, generation int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	if m.Generation == generation {
		delete(s.queue, id)
		return nil
	}
	m.Status = types.MutationPending
	return ErrStaleAck
}

func (s *MemoryStore) ReleaseMutation(_ context.Context, id string, status types.MutationStatus, attempts int, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	m.Attempts = attempts
	m.NextAttemptAt = nextAttempt
	return nil
}

func (s *MemoryStore) DropMutation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, id)
	return nil
}

func (s *MemoryStore) QueueSize(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *MemoryStore) PendingMutations(_ context.Context) ([]types.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.QueuedMutation, 0, len(s.queue))
	for _, m := range s.queue {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveStreak(_ context.Context, rec types.StreakRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec
	s.streak = &stored
	return nil
}

func (s *MemoryStore) LoadStreak(_ context.Context) (*types.StreakRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streak == nil {
		return nil, ErrNotFound
	}
	out := *s.streak
	return &out, nil
}

func (s *MemoryStore) GetMeta(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)
