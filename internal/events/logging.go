package events

import (
	"context"
	"log/slog"

	"serialhub/internal/infrastructure"
	"serialhub/pkg/contracts/domain"
)

// LoggingPublisher records usage events in the structured log. It is the
// sink when no broker is configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: infrastructure.WithComponent(logger, "event_log")}
}

func (p *LoggingPublisher) Publish(ctx context.Context, ev domain.UsageEvent) error {
	p.logger.InfoContext(ctx, "usage event",
		slog.String("event_type", ev.Type),
		slog.String("serial_id", ev.SerialID.String()),
		slog.String("device_id", ev.DeviceID),
		slog.Int("active", ev.Active),
		slog.Int("max", ev.Max),
	)
	return nil
}
