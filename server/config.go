package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claudebench/claudebench/store"
)

// Config is assembled from environment variables; every option has a
// workable default so a bare `claudebench` starts against localhost.
type Config struct {
	ListenAddr    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string

	InstanceID string
	Roles      []string

	PoolWorkers    int
	PoolQueueDepth int

	// GatewayRate is the local per-process admission limit in requests per
	// second; the cross-process limit lives in the store's fixed windows.
	GatewayRate  float64
	GatewayBurst int

	Store store.Config
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMs(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func loadConfig() Config {
	hostname, _ := os.Hostname()
	defaultID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	cfg := Config{
		ListenAddr:    envStr("CB_LISTEN_ADDR", ":8080"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		PostgresURL:   os.Getenv("POSTGRES_URL"),

		InstanceID: envStr("CB_INSTANCE_ID", defaultID),

		PoolWorkers:    envInt("CB_POOL_WORKERS", 8),
		PoolQueueDepth: envInt("CB_POOL_QUEUE", 512),

		GatewayRate:  float64(envInt("CB_GATEWAY_RATE", 200)),
		GatewayBurst: envInt("CB_GATEWAY_BURST", 50),

		Store: store.Config{
			HeartbeatTimeout:  envMs("CB_HEARTBEAT_TIMEOUT_MS", 30*time.Second),
			LeaderLease:       envMs("CB_LEADER_LEASE_MS", 30*time.Second),
			RateLimitWindow:   envMs("CB_RATE_LIMIT_WINDOW_MS", time.Minute),
			DefaultCapacity:   envInt("CB_DEFAULT_CAPACITY", 10),
			ProcessedEventTTL: envMs("CB_PROCESSED_EVENT_TTL_MS", 24*time.Hour),
			StreamTrimMaxLen:  int64(envInt("CB_STREAM_TRIM_MAX_LEN", 10000)),
			AutoAssignDelay:   envMs("CB_AUTO_ASSIGN_DELAY_MS", 30*time.Second),
			SnapshotEveryN:    envInt("CB_SNAPSHOT_EVERY_N", 100),
		},
	}

	for _, role := range strings.Split(envStr("CB_ROLES", "worker"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			cfg.Roles = append(cfg.Roles, role)
		}
	}
	return cfg
}
