package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"serialhub/internal/infrastructure"
	"serialhub/internal/usage"
	"serialhub/pkg/contracts/domain"
)

const (
	DefaultBufferSize = 1024
	deliveryTimeout   = 5 * time.Second
)

// ErrBufferFull is returned when an event is dropped.
var ErrBufferFull = errors.New("event buffer full")

type queued struct {
	event   domain.UsageEvent
	traceID string
}

// BufferedPublisher queues events and delivers them from Run, so slow
// brokers never hold a serial lock. Events are dropped once the buffer is
// full.
type BufferedPublisher struct {
	next   usage.Publisher
	queue  chan queued
	logger *slog.Logger
}

func NewBufferedPublisher(next usage.Publisher, size int, logger *slog.Logger) *BufferedPublisher {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferedPublisher{
		next:   next,
		queue:  make(chan queued, size),
		logger: infrastructure.WithComponent(logger, "event_buffer"),
	}
}

func (b *BufferedPublisher) Publish(ctx context.Context, ev domain.UsageEvent) error {
	select {
	case b.queue <- queued{event: ev, traceID: infrastructure.GetTraceID(ctx)}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run delivers queued events until ctx is done, then drains what is left
// with a bounded deadline.
func (b *BufferedPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		case q := <-b.queue:
			b.deliver(context.Background(), q)
		}
	}
}

func (b *BufferedPublisher) drain() {
	deadline := time.Now().Add(deliveryTimeout)
	for time.Now().Before(deadline) {
		select {
		case q := <-b.queue:
			b.deliver(context.Background(), q)
		default:
			return
		}
	}
	if n := len(b.queue); n > 0 {
		b.logger.Warn("usage events dropped at shutdown", slog.Int("count", n))
	}
}

func (b *BufferedPublisher) deliver(parent context.Context, q queued) {
	ctx, cancel := context.WithTimeout(parent, deliveryTimeout)
	defer cancel()
	if q.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, q.traceID)
	}
	if err := b.next.Publish(ctx, q.event); err != nil {
		b.logger.ErrorContext(ctx, "usage event delivery failed",
			slog.String("event_type", q.event.Type),
			slog.String("serial_id", q.event.SerialID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Pending reports how many events wait for delivery.
func (b *BufferedPublisher) Pending() int {
	return len(b.queue)
}
