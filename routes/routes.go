// Package routes registers the server half of the update delivery protocol
// on a Fiber router: plain polling, held-open polling, SSE streaming,
// WebSocket, and publishing.
package routes

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/b-open-io/livefeed/bus"
	"github.com/b-open-io/livefeed/feed"
	"github.com/b-open-io/livefeed/journal"
	"github.com/b-open-io/livefeed/transport"
)

const (
	defaultHold = 30 * time.Second
	maxHold     = 60 * time.Second
)

// Config holds the collaborators for the feed routes.
type Config struct {
	Journal      journal.Journal
	Bus          bus.Bus
	Capabilities feed.Capabilities
	Context      context.Context
	// NextPollHint, when set, is returned to fixed-interval pollers as
	// next_poll_ms.
	NextPollHint time.Duration
}

// Register registers all feed routes on the group.
func Register(group fiber.Router, config *Config) {
	if config == nil || config.Journal == nil || config.Bus == nil || config.Context == nil {
		log.Fatal("routes.Register: config, journal, bus, and context are required")
	}

	group.Get("/capabilities", func(c *fiber.Ctx) error {
		return c.JSON(config.Capabilities)
	})

	group.Get("/poll/:topic", func(c *fiber.Ctx) error {
		return handlePoll(c, config)
	})

	group.Get("/longpoll/:topic", func(c *fiber.Ctx) error {
		if !config.Capabilities.LongPoll {
			return fiber.NewError(fiber.StatusNotImplemented, "long polling disabled")
		}
		return handleLongPoll(c, config)
	})

	group.Post("/publish/:topic", func(c *fiber.Ctx) error {
		return handlePublish(c, config)
	})

	registerSSE(group, config)
	registerWS(group, config)
}

// parseAfter reads the `after` sequence cursor from the query.
func parseAfter(c *fiber.Ctx) uint64 {
	if raw := c.Query("after"); raw != "" {
		if after, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return after
		}
	}
	return 0
}

// parseLimit reads the `limit` query parameter, capped server-side.
func parseLimit(c *fiber.Ctx) int {
	if raw := c.Query("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			return l
		}
	}
	return 0
}

func handlePoll(c *fiber.Ctx, config *Config) error {
	// Fiber reuses request buffers; copy anything that outlives the handler.
	topic := utils.CopyString(c.Params("topic"))
	after := parseAfter(c)

	head, err := config.Journal.Head(c.Context(), topic)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	// after == 0 is a fresh subscriber: it gets the head to position its
	// cursor, never a history replay.
	var events []feed.Event
	if after > 0 {
		events, err = config.Journal.After(c.Context(), topic, after, parseLimit(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}

	resp := transport.PollResponse{
		Topic:  topic,
		Events: events,
		Head:   head,
	}
	if resp.Events == nil {
		resp.Events = []feed.Event{}
	}
	if config.NextPollHint > 0 {
		resp.NextPollMS = config.NextPollHint.Milliseconds()
	}
	return c.JSON(resp)
}

func handleLongPoll(c *fiber.Ctx, config *Config) error {
	topic := utils.CopyString(c.Params("topic"))
	after := parseAfter(c)

	hold := defaultHold
	if raw := c.Query("wait"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			hold = time.Duration(secs) * time.Second
		}
	}
	if hold > maxHold {
		hold = maxHold
	}

	ctx, cancel := context.WithTimeout(config.Context, hold)
	defer cancel()

	// Subscribe before checking history so nothing published between the
	// check and the wait is missed.
	live, err := config.Bus.Subscribe(ctx, []string{topic})
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	// A fresh subscriber (after == 0) holds from the current head: live
	// events only, no history replay. The head it adopted is echoed back
	// as Head so its cursor stays consistent.
	baseline := after
	if baseline == 0 {
		if baseline, err = config.Journal.Head(ctx, topic); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}

	events, err := config.Journal.After(ctx, topic, baseline, parseLimit(c))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	if len(events) == 0 {
		// Hold until something arrives or the wait expires. Expiry is a
		// normal empty response, not an error.
		select {
		case ev, ok := <-live:
			if ok && ev.Sequence > baseline {
				// Read back through the journal so a burst is returned
				// as one ordered batch.
				if page, err := config.Journal.After(context.Background(), topic, baseline, parseLimit(c)); err == nil && len(page) > 0 {
					events = page
				} else {
					events = []feed.Event{ev}
				}
			}
		case <-ctx.Done():
		}
	}

	resp := transport.PollResponse{Topic: topic, Events: events, Head: baseline}
	if resp.Events == nil {
		resp.Events = []feed.Event{}
	}
	return c.JSON(resp)
}

func handlePublish(c *fiber.Ctx, config *Config) error {
	topic := utils.CopyString(c.Params("topic"))

	payload := utils.CopyBytes(c.Body())
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return fiber.NewError(fiber.StatusBadRequest, "payload must be valid JSON")
	}

	ev, err := config.Journal.Append(c.Context(), topic, json.RawMessage(payload))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if err := config.Bus.Publish(config.Context, ev); err != nil {
		log.Printf("publish: bus fan-out failed for %s seq %d: %v", topic, ev.Sequence, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}
