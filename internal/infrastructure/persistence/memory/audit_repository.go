package memory

import (
	"context"
	"sync"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/pkg/errors"
)

// AuditRepository is an append-only slice of ledger entries.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*models.AuditEntry
}

// NewAuditRepository creates an empty ledger store.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.entries); n > 0 && entry.Sequence <= r.entries[n-1].Sequence {
		return errors.ErrComplianceViolation("ledger sequence must increase")
	}
	r.entries = append(r.entries, entry.Clone())
	return nil
}

func (r *AuditRepository) Last(ctx context.Context) (*models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil, errors.ErrNotFound("audit entry", "last")
	}
	return r.entries[len(r.entries)-1].Clone(), nil
}

func (r *AuditRepository) Query(ctx context.Context, window models.TimeWindow, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AuditEntry, 0)
	for _, e := range r.entries {
		if !window.Contains(e.Timestamp) || !filter.Match(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *AuditRepository) Anonymize(ctx context.Context, subjectID, pseudonym string, piiKeys []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for _, e := range r.entries {
		if e.Anonymize(subjectID, pseudonym, piiKeys) {
			changed++
		}
	}
	return changed, nil
}
