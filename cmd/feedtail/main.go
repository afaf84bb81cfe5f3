// Command feedtail subscribes to topics on an update server and prints
// events as they arrive, logging transport state changes. Useful for
// watching fallback and recovery behavior live.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/b-open-io/livefeed/config"
	"github.com/b-open-io/livefeed/feed"
	"github.com/b-open-io/livefeed/supervisor"
)

var (
	cfg       config.Client
	serverURL string
	topicsArg string
)

func init() {
	cfg = config.LoadClient()

	flag.StringVar(&serverURL, "server", cfg.ServerURL, "Update server root URL")
	flag.StringVar(&topicsArg, "topics", "", "Comma-separated topics to follow")
	flag.Parse()
}

func main() {
	if topicsArg == "" {
		log.Fatal("at least one topic is required (-topics a,b,c)")
	}
	topics := strings.Split(topicsArg, ",")

	sup := supervisor.New(supervisor.Options{
		BaseURL:      serverURL,
		Capabilities: cfg.Capabilities,
	})
	defer sup.Close()

	sup.OnStateChange(func(state feed.ConnectionState) {
		slog.Info("connection state changed", "state", state.String())
	})

	for _, topic := range topics {
		_, err := sup.Subscribe(topic, func(ev feed.Event) {
			log.Printf("[%s] #%d %s", ev.Topic, ev.Sequence, ev.Payload)
		})
		if err != nil {
			log.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	slog.Info("following topics", "server", serverURL, "topics", topics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("stopping", "signal", sig.String())
}
