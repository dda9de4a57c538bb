// Package events fans accepted metric events out to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"example.com/portfolio-ingest/internal/domain"
)

// Publisher delivers one encoded event. Errors are logged by the caller.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
	Close() error
}

// MetricAccepted is the fan-out payload for a freshly stored metric.
type MetricAccepted struct {
	EventName  string         `json:"eventName"`
	Page       string         `json:"page"`
	SessionID  *string        `json:"sessionId,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	AcceptedAt string         `json:"acceptedAt"`
}

const MetricAcceptedType = "metric.accepted"

// EncodeMetric builds the payload and partition key for m.
func EncodeMetric(m domain.Metric) ([]byte, string, error) {
	b, err := json.Marshal(MetricAccepted{
		EventName:  m.EventName,
		Page:       m.Page,
		SessionID:  m.SessionID,
		Value:      m.Value,
		DurationMs: m.DurationMs,
		Success:    m.Success,
		Meta:       m.Meta,
		AcceptedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode metric event: %w", err)
	}
	key := m.EventName
	if m.SessionID != nil {
		key = *m.SessionID
	}
	return b, key, nil
}

// LoggingPublisher records events in the log instead of a broker.
type LoggingPublisher struct {
	logger *zap.Logger
}

func NewLoggingPublisher(logger *zap.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, eventType string, payload []byte, partitionKey string) error {
	p.logger.Debug("event published",
		zap.String("event_type", eventType),
		zap.String("partition_key", partitionKey),
		zap.Int("payload_bytes", len(payload)))
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }
