package memory

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/sentinel/internal/domain/repository"
)

type window struct {
	count   int
	resetAt time.Time
}

// RateCounterStore is a fixed-window counter map.
type RateCounterStore struct {
	mu       sync.Mutex
	counters map[string]*window
	now      func() time.Time
}

// NewRateCounterStore creates an empty counter store.
func NewRateCounterStore(now func() time.Time) *RateCounterStore {
	if now == nil {
		now = time.Now
	}
	return &RateCounterStore{counters: make(map[string]*window), now: now}
}

var _ repository.RateCounterStore = (*RateCounterStore)(nil)

func (s *RateCounterStore) Increment(ctx context.Context, key string, d time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w, ok := s.counters[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		s.counters[key] = w
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Sweep drops counters whose window has ended.
func (s *RateCounterStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, w := range s.counters {
		if !now.Before(w.resetAt) {
			delete(s.counters, k)
		}
	}
}
