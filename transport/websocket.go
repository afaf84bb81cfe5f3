package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/b-open-io/livefeed/feed"
)

// WS opens one long-lived bidirectional WebSocket and receives events as the
// server pushes them. Unlike the SSE stream it can request replay of missed
// events in place, without tearing down the connection.
type WS struct {
	base   string
	dialer *websocket.Dialer
	obs    Observer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWS creates a WebSocket strategy against the server at base. base may use
// an http(s) or ws(s) scheme; it is normalized to ws(s).
func NewWS(base string, dialer *websocket.Dialer, obs Observer) *WS {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &WS{base: wsScheme(base), dialer: dialer, obs: obs}
}

func wsScheme(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (w *WS) Tier() Tier { return TierPersistent }

func (w *WS) Requires() feed.Capabilities { return feed.Capabilities{WebSocket: true} }

func (w *WS) Start(ctx context.Context, topic string, after uint64) (<-chan feed.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, w.cancel = context.WithCancel(ctx)
	events := make(chan feed.Event, 100)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(events)
		w.run(ctx, topic, after, events)
	}()

	return events, nil
}

func (w *WS) run(ctx context.Context, topic string, after uint64, events chan<- feed.Event) {
	target := fmt.Sprintf("%s/v1/ws", w.base)
	conn, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.obs.ExchangeFailed(topic, classify("ws dial", err))
		return
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer conn.Close()

	// Close the socket when the context ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sub := WSFrame{Type: FrameSubscribe, Topics: []string{topic}}
	if after > 0 {
		sub.After = map[string]uint64{topic: after}
	}
	if err := w.writeFrame(&sub); err != nil {
		w.obs.ExchangeFailed(topic, classify("ws subscribe", err))
		return
	}
	w.obs.ExchangeOK(topic)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.obs.ExchangeFailed(topic, classify("ws read", err))
			return
		}

		var frame WSFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			w.obs.ExchangeFailed(topic, protocolErr("ws read", "malformed frame: %v", err))
			return
		}

		switch frame.Type {
		case FrameEvent:
			if frame.Event == nil {
				continue
			}
			ev := *frame.Event
			ev.ArrivedAt = time.Now()
			select {
			case events <- ev:
				w.obs.ExchangeOK(topic)
			case <-ctx.Done():
				return
			}
		case FramePong:
			w.obs.ExchangeOK(topic)
		}
	}
}

// Replay asks the server to resend events after the given sequence on the
// live connection. Implements Replayer.
func (w *WS) Replay(topic string, after uint64) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ws: not connected")
	}
	return w.writeFrame(&WSFrame{Type: FrameReplay, Topic: topic, Cursor: after})
}

func (w *WS) writeFrame(frame *WSFrame) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ws: not connected")
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (w *WS) Stop() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.mu.Lock()
	w.conn = nil
	w.mu.Unlock()
	return nil
}
