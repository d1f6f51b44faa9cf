// Package events defines the wire format of usage events, shared by the
// Kafka topic and the websocket stream.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"serialhub/pkg/contracts/domain"
)

// SchemaVersion is bumped on incompatible payload changes.
const SchemaVersion = 1

const (
	// Source identifies this service in envelopes.
	Source = "serialhub"
	// DefaultTopic receives usage events when none is configured.
	DefaultTopic = "serialhub.usage.v1"
)

// Envelope wraps every published event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Version    int             `json:"version"`
	Source     string          `json:"source"`
	OccurredAt time.Time       `json:"occurred_at"`
	TraceID    string          `json:"trace_id,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// NewUsageEnvelope wraps a usage event.
func NewUsageEnvelope(ev domain.UsageEvent, traceID string) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal usage event: %w", err)
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       ev.Type,
		Version:    SchemaVersion,
		Source:     Source,
		OccurredAt: occurred,
		TraceID:    traceID,
		Data:       data,
	}, nil
}

// UsageEvent decodes the payload of a usage envelope.
func (e Envelope) UsageEvent() (domain.UsageEvent, error) {
	var ev domain.UsageEvent
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return domain.UsageEvent{}, fmt.Errorf("unmarshal usage event: %w", err)
	}
	return ev, nil
}
