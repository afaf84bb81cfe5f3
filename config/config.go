// Package config loads server and client settings from the environment,
// with .env support. Backends are selected by connection string, matching
// the journal and bus factories.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/b-open-io/livefeed/feed"
)

// Server holds the feedd configuration.
type Server struct {
	Port         int
	JournalURL   string
	BusURL       string
	Capabilities feed.Capabilities
	NextPollHint time.Duration
}

// Client holds the feedtail configuration.
type Client struct {
	ServerURL    string
	Capabilities feed.Capabilities
}

// LoadServer reads server configuration from .env and the environment.
//
//	PORT            listen port (default 3000)
//	JOURNAL         journal connection string (memory://, redis://, mongodb://, *.db)
//	BUS             bus connection string (channels://, redis://)
//	DISABLE_WS      "true" turns the WebSocket route off
//	DISABLE_SSE     "true" turns the SSE route off
//	DISABLE_LONGPOLL "true" turns the longpoll route off
//	POLL_HINT_MS    next-poll hint for fixed-interval clients
func LoadServer() Server {
	godotenv.Load(".env")

	return Server{
		Port:       envInt("PORT", 3000),
		JournalURL: os.Getenv("JOURNAL"),
		BusURL:     os.Getenv("BUS"),
		Capabilities: feed.Capabilities{
			WebSocket: !envBool("DISABLE_WS"),
			Streaming: !envBool("DISABLE_SSE"),
			LongPoll:  !envBool("DISABLE_LONGPOLL"),
		},
		NextPollHint: time.Duration(envInt("POLL_HINT_MS", 0)) * time.Millisecond,
	}
}

// LoadClient reads client configuration from .env and the environment.
//
//	SERVER_URL      update server root (default http://localhost:3000)
//	DISABLE_WS, DISABLE_SSE, DISABLE_LONGPOLL as for the server
func LoadClient() Client {
	godotenv.Load(".env")

	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:3000"
	}
	return Client{
		ServerURL: serverURL,
		Capabilities: feed.Capabilities{
			WebSocket: !envBool("DISABLE_WS"),
			Streaming: !envBool("DISABLE_SSE"),
			LongPoll:  !envBool("DISABLE_LONGPOLL"),
		},
	}
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}
