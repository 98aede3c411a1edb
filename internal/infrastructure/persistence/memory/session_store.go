package memory

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// SessionStore keeps sessions, revocations and consumed refresh tokens in memory.
// Expired entries are dropped by Sweep.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	bySubject map[string]map[string]struct{}
	byFamily  map[string]map[string]struct{}
	revoked   map[string]time.Time
	consumed  map[string]time.Time
	now       func() time.Time
}

// NewSessionStore creates an empty store.
func NewSessionStore(now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{
		sessions:  make(map[string]*models.Session),
		bySubject: make(map[string]map[string]struct{}),
		byFamily:  make(map[string]map[string]struct{}),
		revoked:   make(map[string]time.Time),
		consumed:  make(map[string]time.Time),
		now:       now,
	}
}

var _ repository.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Save(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *session
	s.sessions[session.ID] = &c
	index(s.bySubject, session.SubjectID, session.ID)
	index(s.byFamily, session.FamilyID, session.ID)
	return nil
}

func (s *SessionStore) Get(ctx context.Context, jti string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[jti]
	if !ok {
		return nil, errors.ErrNotFound("session", jti)
	}
	c := *sess
	return &c, nil
}

func (s *SessionStore) ListBySubject(ctx context.Context, subjectID string) ([]*models.Session, error) {
	return s.list(s.bySubject, subjectID), nil
}

func (s *SessionStore) ListByFamily(ctx context.Context, familyID string) ([]*models.Session, error) {
	return s.list(s.byFamily, familyID), nil
}

func (s *SessionStore) Revoke(ctx context.Context, jti string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = until
	return nil
}

func (s *SessionStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *SessionStore) MarkConsumed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consumed[jti]; ok {
		return false, nil
	}
	s.consumed[jti] = s.now().Add(ttl)
	return true, nil
}

// Sweep forgets sessions, revocations and consumed markers past their expiry.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for jti, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, jti)
			unindex(s.bySubject, sess.SubjectID, jti)
			unindex(s.byFamily, sess.FamilyID, jti)
			removed++
		}
	}
	for jti, until := range s.revoked {
		if now.After(until) {
			delete(s.revoked, jti)
		}
	}
	for jti, until := range s.consumed {
		if now.After(until) {
			delete(s.consumed, jti)
		}
	}
	return removed
}

func (s *SessionStore) list(idx map[string]map[string]struct{}, key string) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(idx[key]))
	for jti := range idx[key] {
		if sess, ok := s.sessions[jti]; ok {
			c := *sess
			out = append(out, &c)
		}
	}
	return out
}

func index(idx map[string]map[string]struct{}, key, jti string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[jti] = struct{}{}
}

func unindex(idx map[string]map[string]struct{}, key, jti string) {
	if set, ok := idx[key]; ok {
		delete(set, jti)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
