package messaging

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/logger"
)

// AuditMirror publishes every committed ledger entry to the audit topic, keyed by
// tenant so a tenant's entries stay ordered within one partition.
type AuditMirror struct {
	writer messageWriter
	logger logger.Logger
}

// NewAuditMirror wraps writer, usually from NewWriter(cfg, cfg.AuditTopic).
func NewAuditMirror(writer messageWriter, log logger.Logger) *AuditMirror {
	return &AuditMirror{writer: writer, logger: log.WithComponent("AuditMirror")}
}

var _ service.AuditMirror = (*AuditMirror)(nil)

func (m *AuditMirror) Mirror(ctx context.Context, entry *models.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		m.logger.Error(ctx, "failed to marshal audit entry", err)
		return err
	}
	err = m.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.TenantID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(entry.EventType)},
			{Key: "integrity_hash", Value: []byte(entry.IntegrityHash)},
		},
	})
	if err != nil {
		m.logger.Error(ctx, "failed to mirror audit entry", err, logger.String("entry_id", entry.ID))
	}
	return err
}

// Close closes the underlying writer.
func (m *AuditMirror) Close() error {
	return m.writer.Close()
}
