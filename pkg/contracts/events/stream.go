package events

import "time"

// Websocket frame types.
const (
	FrameConnection = "connection"
	FrameUsage      = "usage"
)

// Frame is one message on the usage websocket stream.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}
