package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/b-open-io/livefeed/feed"
)

// SSEStream holds one long-lived HTTP connection open and receives events as
// the server pushes them (text/event-stream). Reconnection after a drop is
// the supervisor's job; a resumed Start carries the cursor in Last-Event-ID.
type SSEStream struct {
	base   string
	client *http.Client
	obs    Observer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSSEStream creates a streaming strategy against the server at base.
func NewSSEStream(base string, client *http.Client, obs Observer) *SSEStream {
	if client == nil {
		// No timeout: the connection is meant to stay open.
		client = &http.Client{Timeout: 0}
	}
	return &SSEStream{base: base, client: client, obs: obs}
}

func (s *SSEStream) Tier() Tier { return TierPersistent }

func (s *SSEStream) Requires() feed.Capabilities { return feed.Capabilities{Streaming: true} }

func (s *SSEStream) Start(ctx context.Context, topic string, after uint64) (<-chan feed.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	events := make(chan feed.Event, 100)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(events)
		s.run(ctx, topic, after, events)
	}()

	return events, nil
}

func (s *SSEStream) run(ctx context.Context, topic string, after uint64, events chan<- feed.Event) {
	subscribeURL := fmt.Sprintf("%s/v1/subscribe/%s", s.base, url.PathEscape(topic))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		s.obs.ExchangeFailed(topic, protocolErr("sse", "build request: %v", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if after > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", after))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.obs.ExchangeFailed(topic, classify("sse", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.obs.ExchangeFailed(topic, protocolErr("sse", "endpoint returned status %d", resp.StatusCode))
		return
	}
	s.obs.ExchangeOK(topic)

	if err := s.readStream(ctx, topic, resp.Body, events); err != nil && ctx.Err() == nil {
		s.obs.ExchangeFailed(topic, classify("sse", err))
	}
}

// readStream parses the event-stream body line by line. An empty line
// terminates one event; comment lines (": ping") keep the connection alive.
func (s *SSEStream) readStream(ctx context.Context, topic string, body io.Reader, events chan<- feed.Event) error {
	scanner := bufio.NewScanner(body)
	var data string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			if data != "" {
				s.emit(ctx, topic, data, events)
				data = ""
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if colonIndex := strings.Index(line, ":"); colonIndex > 0 {
			field := line[:colonIndex]
			value := strings.TrimSpace(line[colonIndex+1:])
			if field == "data" {
				data = value
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	// Server closed an otherwise healthy stream.
	return io.EOF
}

func (s *SSEStream) emit(ctx context.Context, topic string, data string, events chan<- feed.Event) {
	// Connection banners are plain text, not JSON.
	if !strings.HasPrefix(data, "{") {
		return
	}
	var ev feed.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return
	}
	if ev.Topic == "" {
		ev.Topic = topic
	}
	ev.ArrivedAt = time.Now()
	select {
	case events <- ev:
		s.obs.ExchangeOK(topic)
	case <-ctx.Done():
	}
}

func (s *SSEStream) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
