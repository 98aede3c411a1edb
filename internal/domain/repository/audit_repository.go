package repository

import (
	"context"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// AuditRepository is the only write path into the ledger. There is no
// update or delete: entries change only through Anonymize.
type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	// Last returns the entry with the highest sequence, errors.CodeNotFound when empty.
	Last(ctx context.Context) (*models.AuditEntry, error)
	// Query returns copies of entries inside window that match filter, ordered by sequence.
	Query(ctx context.Context, window models.TimeWindow, filter models.AuditFilter) ([]*models.AuditEntry, error)
	// Anonymize replaces subjectID with pseudonym in the actor and resource fields and
	// metadata values of every matching entry and drops the given metadata keys.
	// It returns the number of entries changed.
	Anonymize(ctx context.Context, subjectID, pseudonym string, piiKeys []string) (int, error)
}
