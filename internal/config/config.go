package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prefsync/prefsync/internal/domain/conflict"
)

// Config holds agent configuration.
type Config struct {
	// PeerID identifies this agent instance; generated when empty.
	PeerID     string
	ServerAddr string
	Namespace  string

	// StorageDSN selects the durable store: "mem://", "file:///path",
	// "bolt:///path/db.bolt" or a postgres:// URL.
	StorageDSN string

	// RelayURL points at a relay hub ("ws://host/ws"); SharedDir enables
	// the shared-directory transport. With neither set the agent runs on
	// an in-process channel.
	RelayURL  string
	SharedDir string

	BackendURL     string
	RequestTimeout time.Duration

	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	ConflictStrategy  conflict.Strategy

	MaxConcurrent    int
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration

	StateSizeCeiling int
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	heartbeat := parseDuration(getenv("HEARTBEAT_INTERVAL", "5s"), 5*time.Second)
	cfg := &Config{
		PeerID:            os.Getenv("PEER_ID"),
		ServerAddr:        getenv("SERVER_ADDR", "127.0.0.1:8090"),
		Namespace:         getenv("NAMESPACE", "prefsync"),
		StorageDSN:        getenv("STORAGE_DSN", "mem://"),
		RelayURL:          os.Getenv("RELAY_URL"),
		SharedDir:         os.Getenv("SHARED_DIR"),
		BackendURL:        getenv("BACKEND_URL", "http://localhost:8080"),
		RequestTimeout:    parseDuration(getenv("REQUEST_TIMEOUT", "10s"), 10*time.Second),
		HeartbeatInterval: heartbeat,
		PeerTimeout:       parseDuration(os.Getenv("PEER_TIMEOUT"), 5*heartbeat),
		ConflictStrategy:  conflict.Strategy(getenv("CONFLICT_STRATEGY", string(conflict.StrategyTimestamp))),
		MaxConcurrent:     parseInt(getenv("MAX_CONCURRENT", "5"), 5),
		MaxAttempts:       parseInt(getenv("MAX_ATTEMPTS", "3"), 3),
		BackoffBase:       parseDuration(getenv("BACKOFF_BASE", "500ms"), 500*time.Millisecond),
		BackoffMax:        parseDuration(getenv("BACKOFF_MAX", "30s"), 30*time.Second),
		CircuitThreshold:  parseInt(getenv("CIRCUIT_THRESHOLD", "5"), 5),
		CircuitCooldown:   parseDuration(getenv("CIRCUIT_COOLDOWN", "30s"), 30*time.Second),
		StateSizeCeiling:  parseInt(getenv("STATE_SIZE_CEILING", "65536"), 64*1024),
	}
	if !cfg.ConflictStrategy.Valid() {
		return nil, fmt.Errorf("unknown CONFLICT_STRATEGY %q", cfg.ConflictStrategy)
	}
	if cfg.RelayURL != "" && cfg.SharedDir != "" {
		return nil, fmt.Errorf("RELAY_URL and SHARED_DIR are mutually exclusive")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
