package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serialhub/internal/config"
	"serialhub/internal/infrastructure"
	"serialhub/internal/shared/testutil"
	"serialhub/internal/usage"
	"serialhub/pkg/contracts/domain"
	contracts "serialhub/pkg/contracts/events"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.UsageEvent
	traces []string
}

func (r *recorder) Publish(ctx context.Context, ev domain.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.traces = append(r.traces, infrastructure.GetTraceID(ctx))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func sampleEvent() domain.UsageEvent {
	return domain.UsageEvent{
		Type:       domain.UsageEventActivated,
		SerialID:   uuid.New(),
		DeviceID:   "d1",
		Active:     1,
		Max:        3,
		OccurredAt: time.Now().UTC(),
	}
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(config.KafkaConfig{}, nil)
	assert.Error(t, err)

	p, err := NewKafkaPublisher(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.DefaultTopic, p.topic)
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "usage", nil)
	ev := sampleEvent()
	ctx := infrastructure.WithTraceID(context.Background(), "trace-9")

	require.NoError(t, p.Publish(ctx, ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, ev.SerialID.String(), string(msg.Key))

	var env contracts.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, domain.UsageEventActivated, env.Type)
	assert.Equal(t, "trace-9", env.TraceID)
	back, err := env.UsageEvent()
	require.NoError(t, err)
	assert.Equal(t, ev.SerialID, back.SerialID)

	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, p.Publish(ctx, ev), "leader not available")
}

func TestLoggingPublisher(t *testing.T) {
	logger, handler := testutil.NewTestLogger(t)
	p := NewLoggingPublisher(logger)

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.True(t, handler.ContainsMessage("usage event"))
	assert.True(t, handler.ContainsAttr("event_type", domain.UsageEventActivated))
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	failing := usage.PublisherFunc(func(context.Context, domain.UsageEvent) error {
		return errors.New("down")
	})

	err := Fanout{a, failing, nil, b}.Publish(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count(), "later sinks still receive the event")
}

func TestBufferedPublisher_DeliversAndDrains(t *testing.T) {
	rec := &recorder{}
	b := NewBufferedPublisher(rec, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	traced := infrastructure.WithTraceID(context.Background(), "t-1")
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(traced, sampleEvent()))
	}
	assert.Eventually(t, func() bool { return rec.count() == 5 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "t-1", rec.traces[0])
}

func TestBufferedPublisher_DropsWhenFull(t *testing.T) {
	b := NewBufferedPublisher(&recorder{}, 2, nil)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, sampleEvent()))
	require.NoError(t, b.Publish(ctx, sampleEvent()))
	assert.ErrorIs(t, b.Publish(ctx, sampleEvent()), ErrBufferFull)
	assert.Equal(t, 2, b.Pending())
}

func TestBufferedPublisher_DrainsOnShutdown(t *testing.T) {
	rec := &recorder{}
	b := NewBufferedPublisher(rec, 8, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), sampleEvent()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Run(ctx), context.Canceled)
	assert.Equal(t, 3, rec.count())
}
