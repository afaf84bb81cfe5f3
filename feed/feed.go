// Package feed defines the shared data model for the update delivery layer:
// events, connection states, and transport capabilities.
package feed

import (
	"encoding/json"
	"time"
)

// Event is a single update on a topic. Sequence numbers are assigned by the
// server at publish time and increase monotonically per topic with no gaps.
// Events are immutable once created.
type Event struct {
	Topic     string          `json:"topic"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ArrivedAt time.Time       `json:"-"`
}

// ConnectionState describes the supervisor's view of the connection.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Active
	Degraded
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Capabilities declares which transports a server (or environment) supports.
// Fixed-interval polling needs no capability and is always available.
// Injected at supervisor construction rather than probed from ambient state.
type Capabilities struct {
	WebSocket bool `json:"websocket"`
	Streaming bool `json:"streaming"`
	LongPoll  bool `json:"longpoll"`
}

// AllCapabilities returns capabilities with every transport enabled.
func AllCapabilities() Capabilities {
	return Capabilities{WebSocket: true, Streaming: true, LongPoll: true}
}
