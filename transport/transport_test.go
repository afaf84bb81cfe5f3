package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b-open-io/livefeed/feed"
)

// recorder collects observer callbacks for assertions.
type recorder struct {
	mu    sync.Mutex
	oks   int
	fails []*Error
}

func (r *recorder) ExchangeOK(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oks++
}

func (r *recorder) ExchangeFailed(topic string, err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails = append(r.fails, err)
}

func (r *recorder) okCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oks
}

func (r *recorder) failures() []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Error(nil), r.fails...)
}

func collect(t *testing.T, events <-chan feed.Event, n int) []feed.Event {
	t.Helper()
	out := make([]feed.Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func pollHandler(t *testing.T, history []feed.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
		resp := PollResponse{Events: []feed.Event{}, Head: uint64(len(history)), NextPollMS: 5}
		if after > 0 {
			for _, ev := range history {
				if ev.Sequence > after {
					resp.Events = append(resp.Events, ev)
				}
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func TestFixedIntervalAdoptsHeadThenPolls(t *testing.T) {
	history := []feed.Event{
		{Topic: "prices", Sequence: 1},
		{Topic: "prices", Sequence: 2},
	}
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/poll/prices", r.URL.Path)
		mu.Lock()
		defer mu.Unlock()
		pollHandler(t, history)(w, r)
		// After the first poll the topic grows by two events.
		if len(history) == 2 {
			history = append(history,
				feed.Event{Topic: "prices", Sequence: 3},
				feed.Event{Topic: "prices", Sequence: 4})
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	strat := NewFixedInterval(srv.URL, 5*time.Millisecond, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 0)
	require.NoError(t, err)
	defer strat.Stop()

	got := collect(t, events, 2)
	require.Equal(t, uint64(3), got[0].Sequence, "history before subscription is not replayed")
	require.Equal(t, uint64(4), got[1].Sequence)
	require.False(t, got[0].ArrivedAt.IsZero())
	require.GreaterOrEqual(t, rec.okCount(), 2)
	require.Empty(t, rec.failures())
}

func TestFixedIntervalReportsRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close() // nothing listens any more

	rec := &recorder{}
	strat := NewFixedInterval(base, time.Millisecond, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 0)
	require.NoError(t, err)
	defer strat.Stop()

	// The run ends at the first error.
	for range events {
	}
	fails := rec.failures()
	require.Len(t, fails, 1)
	require.Equal(t, Refused, fails[0].Kind)
}

func TestFixedIntervalReportsProtocolViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer srv.Close()

	rec := &recorder{}
	strat := NewFixedInterval(srv.URL, time.Millisecond, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 0)
	require.NoError(t, err)
	defer strat.Stop()

	for range events {
	}
	fails := rec.failures()
	require.Len(t, fails, 1)
	require.Equal(t, ProtocolViolation, fails[0].Kind)
}

func TestHeldOpenEmptyHoldIsNotAnError(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/longpoll/prices", r.URL.Path)
		require.NotEmpty(t, r.URL.Query().Get("wait"))
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		resp := PollResponse{Topic: "prices", Events: []feed.Event{}, Head: 0}
		if n >= 3 {
			// Third hold finally carries an event.
			resp.Events = []feed.Event{{Topic: "prices", Sequence: 1}}
			resp.Head = 0
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	rec := &recorder{}
	strat := NewHeldOpen(srv.URL, time.Second, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 0)
	require.NoError(t, err)
	defer strat.Stop()

	got := collect(t, events, 1)
	require.Equal(t, uint64(1), got[0].Sequence)
	require.GreaterOrEqual(t, rec.okCount(), 3, "empty holds count as successful exchanges")
	require.Empty(t, rec.failures())
}

func TestSSEStreamDeliversAndReportsClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/subscribe/prices", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprintf(w, "data: Connected to topics: prices\n\n")
		flusher.Flush()
		fmt.Fprintf(w, ": ping\n\n")
		flusher.Flush()
		for seq := 1; seq <= 2; seq++ {
			fmt.Fprintf(w, "id: %d\ndata: {\"topic\":\"prices\",\"sequence\":%d,\"payload\":{\"n\":%d}}\n\n", seq, seq, seq)
			flusher.Flush()
		}
		// Handler returns: the server drops the stream.
	}))
	defer srv.Close()

	rec := &recorder{}
	strat := NewSSEStream(srv.URL, nil, rec)
	events, err := strat.Start(context.Background(), "prices", 0)
	require.NoError(t, err)
	defer strat.Stop()

	got := collect(t, events, 2)
	require.Equal(t, uint64(1), got[0].Sequence)
	require.Equal(t, uint64(2), got[1].Sequence)
	require.JSONEq(t, `{"n":1}`, string(got[0].Payload))

	for range events {
	}
	fails := rec.failures()
	require.Len(t, fails, 1, "a dropped stream surfaces exactly one error")
	require.Equal(t, Closed, fails[0].Kind)
}

func TestSSEStreamResumesWithLastEventID(t *testing.T) {
	gotHeader := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader <- r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	rec := &recorder{}
	strat := NewSSEStream(srv.URL, nil, rec)
	_, err := strat.Start(context.Background(), "prices", 41)
	require.NoError(t, err)
	defer strat.Stop()

	select {
	case id := <-gotHeader:
		require.Equal(t, "41", id)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the request")
	}
}

func TestAvailableTiers(t *testing.T) {
	require.Equal(t,
		[]Tier{TierPersistent, TierHeldOpen, TierFixedInterval},
		Available(feed.AllCapabilities()))
	require.Equal(t,
		[]Tier{TierFixedInterval},
		Available(feed.Capabilities{}),
		"fixed-interval polling is the guaranteed fallback")
	require.Equal(t,
		[]Tier{TierPersistent, TierFixedInterval},
		Available(feed.Capabilities{Streaming: true}))
}

func TestFactoryHonorsCapabilities(t *testing.T) {
	cfg := Config{BaseURL: "http://localhost:0"}
	rec := &recorder{}

	_, err := New(TierHeldOpen, cfg, feed.Capabilities{}, rec)
	require.Error(t, err)

	s, err := New(TierPersistent, cfg, feed.Capabilities{Streaming: true}, rec)
	require.NoError(t, err)
	require.IsType(t, &SSEStream{}, s)

	s, err = New(TierPersistent, cfg, feed.AllCapabilities(), rec)
	require.NoError(t, err)
	require.IsType(t, &WS{}, s, "websocket preferred when both persistent flavors exist")
}
