// Package config collects the server's environment configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the server binary reads from the environment.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// DatabaseURL selects the Postgres store when set.
	DatabaseURL string
	// BoltPath selects the embedded bbolt store when set (and DatabaseURL
	// is not).
	BoltPath string
	// RedisAddr enables the cross-node relay when set.
	RedisAddr string

	FlushInterval  time.Duration
	MaxBatch       int
	HistoryLimit   int
	EvictGrace     time.Duration
	HeartbeatGrace time.Duration
}

// FromEnv reads configuration with sensible defaults for local use.
func FromEnv() Config {
	return Config{
		Addr:           getenv("LISTEN_ADDR", ":8081"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		BoltPath:       os.Getenv("BOLT_PATH"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		FlushInterval:  getdur("FLUSH_INTERVAL_MS", 75) * time.Millisecond,
		MaxBatch:       getint("MAX_BATCH", 64),
		HistoryLimit:   getint("HISTORY_LIMIT", 1000),
		EvictGrace:     getdur("EVICT_GRACE_MS", 5000) * time.Millisecond,
		HeartbeatGrace: getdur("HEARTBEAT_GRACE_MS", 30000) * time.Millisecond,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getdur(key string, defMillis int) time.Duration {
	return time.Duration(getint(key, defMillis))
}
