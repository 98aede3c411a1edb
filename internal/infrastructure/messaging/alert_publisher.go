package messaging

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/logger"
)

// AlertPublisher delivers threat alerts to the alert topic for paging integrations.
type AlertPublisher struct {
	writer messageWriter
	logger logger.Logger
}

// NewAlertPublisher wraps writer, usually from NewWriter(cfg, cfg.AlertTopic).
func NewAlertPublisher(writer messageWriter, log logger.Logger) *AlertPublisher {
	return &AlertPublisher{writer: writer, logger: log.WithComponent("AlertPublisher")}
}

var _ service.Alerter = (*AlertPublisher)(nil)

func (p *AlertPublisher) Alert(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.ThreatID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	})
	if err != nil {
		p.logger.Error(ctx, "failed to publish alert", err,
			logger.String("threat_id", alert.ThreatID),
			logger.String("severity", string(alert.Severity)),
		)
	}
	return err
}

// Close closes the underlying writer.
func (p *AlertPublisher) Close() error {
	return p.writer.Close()
}
