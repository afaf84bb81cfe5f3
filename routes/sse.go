package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

// registerSSE registers the Server-Sent Events streaming route. Clients
// resume with the Last-Event-ID header; without it the stream carries live
// events only.
func registerSSE(group fiber.Router, config *Config) {
	group.Get("/subscribe/:topics", func(c *fiber.Ctx) error {
		if !config.Capabilities.Streaming {
			return fiber.NewError(fiber.StatusNotImplemented, "streaming disabled")
		}

		topics := strings.Split(utils.CopyString(c.Params("topics")), ",")
		log.Printf("SSE subscription request for topics: %v", topics)

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")
		c.Set("X-Accel-Buffering", "no")
		c.Set("Access-Control-Allow-Origin", "*")

		var fromSeq uint64
		if lastEventID := c.Get("Last-Event-ID"); lastEventID != "" {
			if seq, err := strconv.ParseUint(lastEventID, 10, 64); err == nil {
				fromSeq = seq
				log.Printf("SSE resuming from sequence: %d", fromSeq)
			}
		}

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			ctx, cancel := context.WithCancel(config.Context)
			defer cancel()

			// Subscribe before catchup so nothing published in between is
			// missed; the client's dispatcher drops any overlap.
			live, err := config.Bus.Subscribe(ctx, topics)
			if err != nil {
				log.Printf("SSE bus subscribe error: %v", err)
				return
			}

			if fromSeq > 0 {
				for _, topic := range topics {
					if !catchup(ctx, config, w, topic, fromSeq) {
						return
					}
				}
			}

			fmt.Fprintf(w, "data: Connected to topics: %s\n\n", strings.Join(topics, ", "))
			if err := w.Flush(); err != nil {
				return
			}

			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case ev, ok := <-live:
					if !ok {
						return
					}
					if !writeEvent(w, ev.Sequence, ev) {
						return
					}
				case <-ticker.C:
					fmt.Fprintf(w, ": ping\n\n")
					if err := w.Flush(); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		})

		return nil
	})
}

// catchup replays journal history after the given sequence. Reports false
// when the connection is gone.
func catchup(ctx context.Context, config *Config, w *bufio.Writer, topic string, after uint64) bool {
	for {
		events, err := config.Journal.After(ctx, topic, after, 0)
		if err != nil {
			log.Printf("SSE catchup error for %s: %v", topic, err)
			return true
		}
		if len(events) == 0 {
			return true
		}
		for _, ev := range events {
			if !writeEvent(w, ev.Sequence, ev) {
				return false
			}
			after = ev.Sequence
		}
	}
}

func writeEvent(w *bufio.Writer, id uint64, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return true
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, data)
	return w.Flush() == nil
}
