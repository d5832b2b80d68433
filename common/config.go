package common

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	logger "github.com/kthomas/go-logger"
)

var (
	// Log is the configured logger
	Log *logger.Logger

	// ConsumeNATSStreamingSubscriptions causes the ledger packages to establish
	// their NATS subscriptions at startup when true
	ConsumeNATSStreamingSubscriptions bool

	// DistributedLockingEnabled guards the redis-backed per-record locks; when
	// false (no REDIS_HOSTS configured) instruction serialization relies on
	// database row locks alone
	DistributedLockingEnabled bool

	// ListenAddr is the `host:port` on which the instruction API is served
	ListenAddr string
)

func init() {
	godotenv.Load()

	requireLogger()

	ConsumeNATSStreamingSubscriptions = strings.ToLower(os.Getenv("CONSUME_NATS_STREAMING_SUBSCRIPTIONS")) == "true"

	DistributedLockingEnabled = os.Getenv("REDIS_HOSTS") != ""

	ListenAddr = os.Getenv("LISTEN_ADDR")
	if ListenAddr == "" {
		listenPort := os.Getenv("PORT")
		if listenPort == "" {
			listenPort = "8080"
		}
		ListenAddr = ":" + listenPort
	}
}

func requireLogger() {
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "INFO"
	}

	var endpoint *string
	if os.Getenv("SYSLOG_ENDPOINT") != "" {
		endpt := os.Getenv("SYSLOG_ENDPOINT")
		endpoint = &endpt
	}

	Log = logger.NewLogger("avellum", lvl, endpoint)
}
