package memory

import (
	"context"
	"sync"

	"proctor-engine/internal/domain"
)

// AttemptStore is an in-memory implementation of session.AttemptStore,
// useful for tests and demos. One slot, like every other implementation.
type AttemptStore struct {
	mu       sync.Mutex
	snapshot domain.AttemptSnapshot
	occupied bool
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{}
}

func (s *AttemptStore) Load(_ context.Context) (domain.AttemptSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.occupied {
		return domain.AttemptSnapshot{}, false, nil
	}
	return copySnapshot(s.snapshot), true, nil
}

func (s *AttemptStore) Save(_ context.Context, snapshot domain.AttemptSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = copySnapshot(snapshot)
	s.occupied = true
	return nil
}

func (s *AttemptStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = domain.AttemptSnapshot{}
	s.occupied = false
	return nil
}

func copySnapshot(snapshot domain.AttemptSnapshot) domain.AttemptSnapshot {
	answers := make(map[string]domain.AnswerPayload, len(snapshot.Answers))
	for id, answer := range snapshot.Answers {
		answers[id] = answer
	}
	snapshot.Answers = answers
	return snapshot
}
