package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/logger"
)

// SecurityEventConsumer feeds security events published by other nodes (edge proxies,
// sibling control planes) into the local monitor.
type SecurityEventConsumer struct {
	reader messageReader
	sink   service.SecuritySink
	logger logger.Logger
}

// NewSecurityEventConsumer creates a consumer that records into sink.
func NewSecurityEventConsumer(reader messageReader, sink service.SecuritySink, log logger.Logger) *SecurityEventConsumer {
	return &SecurityEventConsumer{
		reader: reader,
		sink:   sink,
		logger: log.WithComponent("SecurityEventConsumer"),
	}
}

// Start runs the consumer loop until ctx is cancelled. It is blocking.
func (c *SecurityEventConsumer) Start(ctx context.Context) {
	c.logger.Info(ctx, "starting security event consumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info(ctx, "stopping security event consumer")
				return
			}
			c.logger.Error(ctx, "failed to fetch message from kafka", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(msg.Value); err != nil {
			// Poison messages are committed so they are not redelivered forever.
			c.logger.Warn(ctx, "dropping malformed security event", logger.Err(err), logger.Int64("offset", msg.Offset))
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error(ctx, "failed to commit security event", err)
		}
	}
}

// Close closes the underlying reader.
func (c *SecurityEventConsumer) Close() error {
	return c.reader.Close()
}

func (c *SecurityEventConsumer) handle(body []byte) error {
	var event models.SecurityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return err
	}
	if event.Kind == "" {
		return fmt.Errorf("security event has no kind")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c.sink.Record(event)
	return nil
}
