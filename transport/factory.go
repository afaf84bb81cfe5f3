package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/b-open-io/livefeed/feed"
)

// Config carries the settings shared by all strategy constructors.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:3000.
	BaseURL string
	// Interval between fixed polls. Default 5s.
	Interval time.Duration
	// Hold is the maximum server-side wait for held-open polls. Default 30s.
	Hold time.Duration
	// Client overrides the HTTP client for the polling strategies.
	Client *http.Client
}

// New creates the strategy for the given tier, honoring the injected
// capabilities. For the persistent tier, WebSocket is preferred over SSE
// when both are available.
func New(tier Tier, cfg Config, caps feed.Capabilities, obs Observer) (Strategy, error) {
	switch tier {
	case TierFixedInterval:
		return NewFixedInterval(cfg.BaseURL, cfg.Interval, cfg.Client, obs), nil
	case TierHeldOpen:
		if !caps.LongPoll {
			return nil, fmt.Errorf("transport: held-open polling not supported by capabilities")
		}
		return NewHeldOpen(cfg.BaseURL, cfg.Hold, cfg.Client, obs), nil
	case TierPersistent:
		if caps.WebSocket {
			return NewWS(cfg.BaseURL, nil, obs), nil
		}
		if caps.Streaming {
			return NewSSEStream(cfg.BaseURL, nil, obs), nil
		}
		return nil, fmt.Errorf("transport: no persistent transport supported by capabilities")
	default:
		return nil, fmt.Errorf("transport: unknown tier %d", tier)
	}
}

// Available returns the tiers usable under the given capabilities, richest
// first. Fixed-interval polling is always present.
func Available(caps feed.Capabilities) []Tier {
	tiers := make([]Tier, 0, 3)
	if caps.WebSocket || caps.Streaming {
		tiers = append(tiers, TierPersistent)
	}
	if caps.LongPoll {
		tiers = append(tiers, TierHeldOpen)
	}
	return append(tiers, TierFixedInterval)
}
