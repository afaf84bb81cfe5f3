package transport

import "github.com/b-open-io/livefeed/feed"

// PollResponse is the body returned by the poll and longpoll endpoints.
// Head is the topic's latest sequence so that a first poll with after=0 can
// position its cursor without replaying history. NextPollMS is a server hint
// for fixed-interval tuning; zero means "use your configured interval".
type PollResponse struct {
	Topic      string       `json:"topic"`
	Events     []feed.Event `json:"events"`
	Head       uint64       `json:"head"`
	NextPollMS int64        `json:"next_poll_ms,omitempty"`
}

// WebSocket frame types.
const (
	FrameSubscribe = "subscribe"
	FrameReplay    = "replay"
	FrameEvent     = "event"
	FramePing      = "ping"
	FramePong      = "pong"
)

// WSFrame is the single JSON frame shape exchanged on the WebSocket
// transport. Client to server: subscribe (Topics + After cursors), replay
// (Topic + Cursor), ping. Server to client: event (Event set), pong.
type WSFrame struct {
	Type   string            `json:"type"`
	Topics []string          `json:"topics,omitempty"`
	After  map[string]uint64 `json:"after,omitempty"`
	Topic  string            `json:"topic,omitempty"`
	Cursor uint64            `json:"cursor,omitempty"`
	Event  *feed.Event       `json:"event,omitempty"`
}
