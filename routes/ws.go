package routes

import (
	"context"
	"log"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/b-open-io/livefeed/transport"
)

var upgrader = websocket.FastHTTPUpgrader{
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

// registerWS registers the bidirectional WebSocket route. The client drives
// the session with subscribe and replay frames; the server pushes event
// frames as they are published and replays journal history on request.
func registerWS(group fiber.Router, config *Config) {
	group.Get("/ws", func(c *fiber.Ctx) error {
		if !config.Capabilities.WebSocket {
			return fiber.NewError(fiber.StatusNotImplemented, "websocket disabled")
		}
		err := upgrader.Upgrade(c.Context(), func(conn *websocket.Conn) {
			handleWS(config, conn)
		})
		if err != nil {
			log.Printf("ws upgrade failed: %v", err)
		}
		return nil
	})
}

func handleWS(config *Config, conn *websocket.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(config.Context)
	defer cancel()

	// Single writer goroutine; readers and replays feed it through out.
	out := make(chan transport.WSFrame, 100)
	go func() {
		for {
			select {
			case frame, ok := <-out:
				if !ok {
					return
				}
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var frame transport.WSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case transport.FrameSubscribe:
			if len(frame.Topics) == 0 {
				continue
			}
			live, err := config.Bus.Subscribe(ctx, frame.Topics)
			if err != nil {
				log.Printf("ws bus subscribe error: %v", err)
				return
			}
			go func() {
				for ev := range live {
					e := ev
					send(ctx, out, transport.WSFrame{Type: transport.FrameEvent, Event: &e})
				}
			}()
			for topic, after := range frame.After {
				go replay(ctx, config, out, topic, after)
			}
		case transport.FrameReplay:
			if frame.Topic != "" {
				go replay(ctx, config, out, frame.Topic, frame.Cursor)
			}
		case transport.FramePing:
			send(ctx, out, transport.WSFrame{Type: transport.FramePong})
		}
	}
}

// replay pages journal history after the cursor into the outbound channel.
func replay(ctx context.Context, config *Config, out chan<- transport.WSFrame, topic string, after uint64) {
	for {
		events, err := config.Journal.After(ctx, topic, after, 0)
		if err != nil || len(events) == 0 {
			return
		}
		for _, ev := range events {
			e := ev
			if !send(ctx, out, transport.WSFrame{Type: transport.FrameEvent, Event: &e}) {
				return
			}
			after = ev.Sequence
		}
	}
}

func send(ctx context.Context, out chan<- transport.WSFrame, frame transport.WSFrame) bool {
	select {
	case out <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
