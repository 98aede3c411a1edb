package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// AccessStore keeps roles, assignments, grants and policies in process.
type AccessStore struct {
	mu          sync.RWMutex
	roles       map[string]models.Role
	assignments map[string]map[string]struct{}
	grants      map[string]map[string]models.ResourceGrant
	policies    map[string]models.Policy
}

// NewAccessStore creates an empty store.
func NewAccessStore() *AccessStore {
	return &AccessStore{
		roles:       make(map[string]models.Role),
		assignments: make(map[string]map[string]struct{}),
		grants:      make(map[string]map[string]models.ResourceGrant),
		policies:    make(map[string]models.Policy),
	}
}

var _ repository.AccessStore = (*AccessStore)(nil)

func (s *AccessStore) PutRole(ctx context.Context, role *models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.ID] = models.Role{ID: role.ID, Permissions: append([]models.Permission(nil), role.Permissions...)}
	return nil
}

func (s *AccessStore) GetRole(ctx context.Context, roleID string) (*models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, errors.ErrNotFound("role", roleID)
	}
	return &models.Role{ID: r.ID, Permissions: append([]models.Permission(nil), r.Permissions...)}, nil
}

func (s *AccessStore) Assign(ctx context.Context, subjectID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.assignments[subjectID]
	if !ok {
		set = make(map[string]struct{})
		s.assignments[subjectID] = set
	}
	set[roleID] = struct{}{}
	return nil
}

func (s *AccessStore) Unassign(ctx context.Context, subjectID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.assignments[subjectID]; ok {
		delete(set, roleID)
		if len(set) == 0 {
			delete(s.assignments, subjectID)
		}
	}
	return nil
}

func (s *AccessStore) RolesOf(ctx context.Context, subjectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assignments[subjectID]))
	for id := range s.assignments[subjectID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *AccessStore) SubjectsWithRole(ctx context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for subject, set := range s.assignments {
		if _, ok := set[roleID]; ok {
			out = append(out, subject)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *AccessStore) PutGrant(ctx context.Context, grant *models.ResourceGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byResource, ok := s.grants[grant.SubjectID]
	if !ok {
		byResource = make(map[string]models.ResourceGrant)
		s.grants[grant.SubjectID] = byResource
	}
	g := *grant
	g.Permissions = append([]string(nil), grant.Permissions...)
	byResource[grant.ResourceID] = g
	return nil
}

func (s *AccessStore) GetGrant(ctx context.Context, subjectID, resourceID string) (*models.ResourceGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[subjectID][resourceID]
	if !ok {
		return nil, errors.ErrNotFound("grant", subjectID+"/"+resourceID)
	}
	g.Permissions = append([]string(nil), g.Permissions...)
	return &g, nil
}

func (s *AccessStore) DeleteGrant(ctx context.Context, subjectID, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byResource, ok := s.grants[subjectID]
	if !ok {
		return errors.ErrNotFound("grant", subjectID+"/"+resourceID)
	}
	if _, ok := byResource[resourceID]; !ok {
		return errors.ErrNotFound("grant", subjectID+"/"+resourceID)
	}
	delete(byResource, resourceID)
	if len(byResource) == 0 {
		delete(s.grants, subjectID)
	}
	return nil
}

func (s *AccessStore) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for subject, byResource := range s.grants {
		for resource, g := range byResource {
			if g.Expired(now) {
				delete(byResource, resource)
				n++
			}
		}
		if len(byResource) == 0 {
			delete(s.grants, subject)
		}
	}
	return n, nil
}

func (s *AccessStore) PutPolicy(ctx context.Context, policy *models.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ResourceID] = models.Policy{
		ResourceID: policy.ResourceID,
		Conditions: append([]models.Condition(nil), policy.Conditions...),
	}
	return nil
}

func (s *AccessStore) GetPolicy(ctx context.Context, resourceID string) (*models.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[resourceID]
	if !ok {
		return nil, errors.ErrNotFound("policy", resourceID)
	}
	p.Conditions = append([]models.Condition(nil), p.Conditions...)
	return &p, nil
}

func (s *AccessStore) DeletePolicy(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, resourceID)
	return nil
}

// AllowlistStore keeps tenant allow-lists in process.
type AllowlistStore struct {
	mu    sync.RWMutex
	lists map[string][]string
}

// NewAllowlistStore creates an empty store.
func NewAllowlistStore() *AllowlistStore {
	return &AllowlistStore{lists: make(map[string][]string)}
}

var _ repository.AllowlistStore = (*AllowlistStore)(nil)

func (s *AllowlistStore) PutAllowlist(ctx context.Context, tenantID string, entries []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) == 0 {
		delete(s.lists, tenantID)
		return nil
	}
	s.lists[tenantID] = append([]string(nil), entries...)
	return nil
}

func (s *AllowlistStore) GetAllowlist(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.lists[tenantID]...), nil
}
