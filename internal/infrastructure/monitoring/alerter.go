package monitoring

import (
	"context"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/logger"
)

// LogAlerter writes alerts to the structured log. It is the fallback destination
// when no Kafka alert topic is configured.
type LogAlerter struct {
	logger logger.Logger
}

func NewLogAlerter(log logger.Logger) *LogAlerter {
	return &LogAlerter{logger: log.WithComponent("Alerts")}
}

var _ service.Alerter = (*LogAlerter)(nil)

func (a *LogAlerter) Alert(ctx context.Context, alert *models.Alert) error {
	steps := make([]string, 0, len(alert.Actions))
	for _, act := range alert.Actions {
		steps = append(steps, string(act.Step))
	}
	a.logger.Warn(ctx, "SECURITY ALERT",
		logger.String("threat_id", alert.ThreatID),
		logger.String("type", string(alert.Type)),
		logger.String("severity", string(alert.Severity)),
		logger.String("source", alert.SourceRef),
		logger.String("description", alert.Description),
		logger.Any("actions", steps),
		logger.Time("raised_at", alert.RaisedAt),
	)
	return nil
}
