package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/b-open-io/livefeed/feed"
)

// FixedInterval polls the server every configured interval regardless of
// whether anything changed. The guaranteed-available fallback tier: it needs
// no server capabilities beyond plain request/response.
type FixedInterval struct {
	base     string
	interval time.Duration
	client   *http.Client
	obs      Observer

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFixedInterval creates a fixed-interval poller against the server at
// base (scheme://host[:port], no trailing slash).
func NewFixedInterval(base string, interval time.Duration, client *http.Client, obs Observer) *FixedInterval {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &FixedInterval{base: base, interval: interval, client: client, obs: obs}
}

func (f *FixedInterval) Tier() Tier { return TierFixedInterval }
func (f *FixedInterval) Requires() feed.Capabilities { return feed.Capabilities{} }

func (f *FixedInterval) Start(ctx context.Context, topic string, after uint64) (<-chan feed.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, f.cancel = context.WithCancel(ctx)
	events := make(chan feed.Event, 100)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(events)
		f.loop(ctx, topic, after, events)
	}()

	return events, nil
}

func (f *FixedInterval) loop(ctx context.Context, topic string, after uint64, events chan<- feed.Event) {
	wait := f.interval
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL(f.base, "poll", topic, after, nil), nil)
		if err != nil {
			f.obs.ExchangeFailed(topic, protocolErr("poll", "build request: %v", err))
			return
		}

		pr, terr := doPoll(f.client, req)
		if terr != nil {
			if ctx.Err() != nil {
				return
			}
			f.obs.ExchangeFailed(topic, terr)
			return
		}

		// First poll with no cursor: adopt the server head so only events
		// published after subscription are delivered.
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
			if ev.Sequence > after {
				after = ev.Sequence
			}
		}
		f.obs.ExchangeOK(topic)

		// Honor the server's next-poll hint when it gives one.
		wait = f.interval
		if pr.NextPollMS > 0 {
			wait = time.Duration(pr.NextPollMS) * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *FixedInterval) Stop() error {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}
