package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/b-open-io/livefeed/feed"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsTestServer upgrades /v1/ws, answers the subscribe frame with the given
// events, and replays on request.
func wsTestServer(t *testing.T, history []feed.Event) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ws", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		send := func(after uint64) {
			for _, ev := range history {
				if ev.Sequence <= after {
					continue
				}
				ev := ev
				require.NoError(t, conn.WriteJSON(WSFrame{Type: FrameEvent, Event: &ev}))
			}
		}

		for {
			var frame WSFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Type {
			case FrameSubscribe:
				require.Equal(t, []string{"prices"}, frame.Topics)
				send(frame.After["prices"])
			case FrameReplay:
				send(frame.Cursor)
			case FramePing:
				conn.WriteJSON(WSFrame{Type: FramePong})
			}
		}
	}))
}

func TestWSSubscribeCarriesCursor(t *testing.T) {
	history := []feed.Event{
		{Topic: "prices", Sequence: 1, Payload: json.RawMessage(`{"n":1}`)},
		{Topic: "prices", Sequence: 2, Payload: json.RawMessage(`{"n":2}`)},
		{Topic: "prices", Sequence: 3, Payload: json.RawMessage(`{"n":3}`)},
	}
	srv := wsTestServer(t, history)
	defer srv.Close()

	rec := &recorder{}
	strat := NewWS(srv.URL, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 1)
	require.NoError(t, err)
	defer strat.Stop()

	got := collect(t, events, 2)
	require.Equal(t, uint64(2), got[0].Sequence, "events at or before the cursor are skipped")
	require.Equal(t, uint64(3), got[1].Sequence)
	require.False(t, got[0].ArrivedAt.IsZero())
	require.Empty(t, rec.failures())
}

func TestWSReplayOnLiveConnection(t *testing.T) {
	history := []feed.Event{
		{Topic: "prices", Sequence: 1},
		{Topic: "prices", Sequence: 2},
	}
	srv := wsTestServer(t, history)
	defer srv.Close()

	rec := &recorder{}
	strat := NewWS(srv.URL, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 2)
	require.NoError(t, err)
	defer strat.Stop()

	// Nothing beyond the cursor yet; ask for a resend from scratch.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, strat.Replay("prices", 0))

	got := collect(t, events, 2)
	require.Equal(t, uint64(1), got[0].Sequence)
	require.Equal(t, uint64(2), got[1].Sequence)
}

func TestWSDialFailureReported(t *testing.T) {
	srv := httptest.NewServer(nil)
	base := srv.URL
	srv.Close()

	rec := &recorder{}
	strat := NewWS(base, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 0)
	require.NoError(t, err)
	defer strat.Stop()

	for range events {
	}
	fails := rec.failures()
	require.Len(t, fails, 1)
	require.Equal(t, Refused, fails[0].Kind)
}

func TestWSServerDropReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Drop the connection right after the subscribe frame.
		var frame WSFrame
		conn.ReadJSON(&frame)
		conn.Close()
	}))
	defer srv.Close()

	rec := &recorder{}
	strat := NewWS(srv.URL, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 0)
	require.NoError(t, err)
	defer strat.Stop()

	for range events {
	}
	fails := rec.failures()
	require.Len(t, fails, 1)
	require.Equal(t, Closed, fails[0].Kind)
}

func TestWSSchemeNormalization(t *testing.T) {
	require.Equal(t, "ws://host:1", wsScheme("http://host:1"))
	require.Equal(t, "wss://host:1", wsScheme("https://host:1"))
	require.Equal(t, "ws://host:1", wsScheme("ws://host:1"))
}
