package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/b-open-io/livefeed/feed"
)

// HeldOpen issues requests that the server holds until data is available or a
// maximum hold timeout elapses, then immediately reissues. Hold expiry is a
// normal empty response, not an error.
type HeldOpen struct {
	base   string
	hold   time.Duration
	client *http.Client
	obs    Observer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeldOpen creates a long-polling strategy. hold is the maximum time the
// server may hold one request open.
func NewHeldOpen(base string, hold time.Duration, client *http.Client, obs Observer) *HeldOpen {
	if hold <= 0 {
		hold = 30 * time.Second
	}
	if client == nil {
		// Client timeout must exceed the hold or every quiet hold would
		// surface as a timeout error.
		client = &http.Client{Timeout: hold + 15*time.Second}
	}
	return &HeldOpen{base: base, hold: hold, client: client, obs: obs}
}

func (h *HeldOpen) Tier() Tier { return TierHeldOpen }

func (h *HeldOpen) Requires() feed.Capabilities { return feed.Capabilities{LongPoll: true} }

func (h *HeldOpen) Start(ctx context.Context, topic string, after uint64) (<-chan feed.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, h.cancel = context.WithCancel(ctx)
	events := make(chan feed.Event, 100)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(events)
		h.loop(ctx, topic, after, events)
	}()

	return events, nil
}

func (h *HeldOpen) loop(ctx context.Context, topic string, after uint64, events chan<- feed.Event) {
	extra := url.Values{}
	extra.Set("wait", fmt.Sprintf("%d", int(h.hold.Seconds())))

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL(h.base, "longpoll", topic, after, extra), nil)
		if err != nil {
			h.obs.ExchangeFailed(topic, protocolErr("longpoll", "build request: %v", err))
			return
		}

		pr, terr := doPoll(h.client, req)
		if terr != nil {
			if ctx.Err() != nil {
				return
			}
			h.obs.ExchangeFailed(topic, terr)
			return
		}

		if after == 0 {
			after = pr.Head
		}
		now := time.Now()
		for _, ev := range pr.Events {
			if ev.Sequence <= after {
				continue
			}
			ev.ArrivedAt = now
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			after = ev.Sequence
		}
		h.obs.ExchangeOK(topic)

		select {
		case <-ctx.Done():
			return
		default:
			// Reissue immediately; the server does the waiting.
		}
	}
}

func (h *HeldOpen) Stop() error {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}
