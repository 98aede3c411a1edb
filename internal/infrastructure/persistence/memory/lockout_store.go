package memory

import (
	"context"
	"sync"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
)

// LockoutStore keeps failed attempt state per subject.
type LockoutStore struct {
	mu     sync.Mutex
	states map[string]*models.LockoutState
}

// NewLockoutStore creates an empty store.
func NewLockoutStore() *LockoutStore {
	return &LockoutStore{states: make(map[string]*models.LockoutState)}
}

var _ repository.LockoutStore = (*LockoutStore)(nil)

func (s *LockoutStore) Get(ctx context.Context, subjectID string) (*models.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[subjectID]
	if !ok {
		return nil, nil
	}
	c := *st
	return &c, nil
}

func (s *LockoutStore) Update(ctx context.Context, subjectID string, fn func(*models.LockoutState) *models.LockoutState) (*models.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current *models.LockoutState
	if st, ok := s.states[subjectID]; ok {
		c := *st
		current = &c
	}
	next := fn(current)
	if next == nil {
		delete(s.states, subjectID)
		return nil, nil
	}
	stored := *next
	s.states[subjectID] = &stored
	out := stored
	return &out, nil
}
