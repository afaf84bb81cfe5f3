// Command feedd serves the update feed: publish on one side, poll/longpoll/
// SSE/WebSocket delivery on the other.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"

	"github.com/b-open-io/livefeed/bus"
	"github.com/b-open-io/livefeed/config"
	"github.com/b-open-io/livefeed/internal/utils"
	"github.com/b-open-io/livefeed/journal"
	"github.com/b-open-io/livefeed/routes"
)

var (
	cfg        config.Server
	journalURL string
	busURL     string
	port       int
)

func init() {
	cfg = config.LoadServer()

	flag.IntVar(&port, "p", cfg.Port, "Port to listen on")
	flag.StringVar(&journalURL, "journal", cfg.JournalURL, "Journal connection string")
	flag.StringVar(&busURL, "bus", cfg.BusURL, "Bus connection string")
	flag.Parse()
}

func main() {
	jrnl, err := journal.CreateJournal(journalURL)
	if err != nil {
		log.Fatalf("Failed to create journal %s: %v", utils.SanitizeConnectionString(journalURL), err)
	}
	defer jrnl.Close()

	b, err := bus.CreateBus(busURL)
	if err != nil {
		log.Fatalf("Failed to create bus %s: %v", utils.SanitizeConnectionString(busURL), err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	routes.Register(app.Group("/v1"), &routes.Config{
		Journal:      jrnl,
		Bus:          b,
		Capabilities: cfg.Capabilities,
		Context:      ctx,
		NextPollHint: cfg.NextPollHint,
	})

	go func() {
		slog.Info("feedd listening",
			"port", port,
			"journal", utils.SanitizeConnectionString(journalURL),
			"bus", utils.SanitizeConnectionString(busURL),
			"websocket", cfg.Capabilities.WebSocket,
			"streaming", cfg.Capabilities.Streaming,
			"longpoll", cfg.Capabilities.LongPoll)
		if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Shutting down", "signal", sig.String())

	cancel()
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
