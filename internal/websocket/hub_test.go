package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serialhub/internal/config"
	"serialhub/internal/infrastructure"
	"serialhub/internal/shared/testutil"
	"serialhub/pkg/contracts/domain"
	"serialhub/pkg/contracts/events"
)

// fakeConn records writes and blocks reads until closed.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	types   []int
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) WriteMessage(t int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.types = append(f.types, t)
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) RemoteAddr() string { return "127.0.0.1:50000" }

func (f *fakeConn) textFrames() []events.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Frame
	for i, data := range f.written {
		if f.types[i] != websocket.TextMessage {
			continue
		}
		var fr events.Frame
		if json.Unmarshal(data, &fr) == nil {
			out = append(out, fr)
		}
	}
	return out
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub, cancel
}

func usageEvent(serialID uuid.UUID) domain.UsageEvent {
	return domain.UsageEvent{
		Type:       domain.UsageEventActivated,
		SerialID:   serialID,
		DeviceID:   "device-1",
		Active:     1,
		Max:        2,
		OccurredAt: time.Now().UTC(),
	}
}

func receive(t *testing.T, c *Client) events.Frame {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var fr events.Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return events.Frame{}
	}
}

func TestHub_FanoutRespectsFilter(t *testing.T) {
	hub, _ := startHub(t)
	watched := uuid.New()

	all := NewClient(hub, newFakeConn(), config.WebSocketConfig{}, "", nil)
	one := NewClient(hub, newFakeConn(), config.WebSocketConfig{}, "trace-1", &watched)
	require.True(t, hub.Register(all))
	require.True(t, hub.Register(one))

	assert.Equal(t, events.FrameConnection, receive(t, all).Type)
	greet := receive(t, one)
	assert.Equal(t, events.FrameConnection, greet.Type)
	assert.Equal(t, "trace-1", greet.TraceID)

	ctx := infrastructure.WithTraceID(context.Background(), "trace-2")
	require.NoError(t, hub.Publish(ctx, usageEvent(uuid.New())))
	require.NoError(t, hub.Publish(ctx, usageEvent(watched)))

	first := receive(t, all)
	assert.Equal(t, events.FrameUsage, first.Type)
	assert.Equal(t, "trace-2", first.TraceID)
	receive(t, all)

	got := receive(t, one)
	data, ok := got.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, watched.String(), data["serial_id"])

	select {
	case <-one.send:
		t.Fatal("filtered client received an unrelated frame")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, hub.ClientCount())
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub, _ := startHub(t)

	slow := NewClient(hub, newFakeConn(), config.WebSocketConfig{}, "", nil)
	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("{}")
	}
	require.True(t, hub.Register(slow))
	require.NoError(t, hub.Publish(context.Background(), usageEvent(uuid.New())))

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), hub.Stats()["frames_dropped"])
}

func TestHub_AfterShutdown(t *testing.T) {
	hub, cancel := startHub(t)
	c := NewClient(hub, newFakeConn(), config.WebSocketConfig{}, "", nil)
	require.True(t, hub.Register(c))
	receive(t, c)

	cancel()
	select {
	case _, ok := <-c.send:
		assert.False(t, ok, "send channel closed on shutdown")
	case <-time.After(time.Second):
		t.Fatal("hub did not close client")
	}

	assert.False(t, hub.Register(NewClient(hub, newFakeConn(), config.WebSocketConfig{}, "", nil)))
	assert.NoError(t, hub.Publish(context.Background(), usageEvent(uuid.New())))
}

func TestClient_ServeWritesFramesUntilClosed(t *testing.T) {
	hub, _ := startHub(t)
	conn := newFakeConn()
	c := NewClient(hub, conn, config.WebSocketConfig{PingPeriod: time.Hour, PongWait: 2 * time.Hour}, "", nil)

	require.True(t, c.Serve())
	require.NoError(t, hub.Publish(context.Background(), usageEvent(uuid.New())))

	assert.Eventually(t, func() bool { return len(conn.textFrames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := conn.textFrames()
	assert.Equal(t, events.FrameConnection, frames[0].Type)
	assert.Equal(t, events.FrameUsage, frames[1].Type)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewClient_PingDefaults(t *testing.T) {
	hub := NewHub(nil)
	c := NewClient(hub, newFakeConn(), config.WebSocketConfig{PingPeriod: time.Minute, PongWait: 30 * time.Second}, "", nil)
	assert.Equal(t, 30*time.Second, c.pongWait)
	assert.Equal(t, 27*time.Second, c.pingPeriod)
	assert.Equal(t, "127.0.0.1:50000", c.remoteAddr)
}
