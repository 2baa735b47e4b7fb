package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/claudebench/claudebench/observability"
)

// RedisStore is the production Store. It holds three logical connections so
// a subscriber blocked in PSUBSCRIBE can never starve the command path or a
// publish: cmd for commands and scripts, pub for fan-out, sub for blocking
// subscriptions.
type RedisStore struct {
	cmd *redis.Client
	pub *redis.Client
	sub *redis.Client

	cfg Config

	// Preloaded Lua script SHAs, keyed by symbolic script name.
	mu   sync.Mutex
	shas map[string]string
}

func NewRedisStore(addr, password string, db int, cfg Config) (*RedisStore, error) {
	opts := func() *redis.Options {
		return &redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
			// Connection-level blips retry below the handler boundary
			// with capped backoff; higher-level retries belong to the
			// caller.
			MaxRetries:      3,
			MinRetryBackoff: 50 * time.Millisecond,
			MaxRetryBackoff: 2 * time.Second,
		}
	}

	s := &RedisStore{
		cmd:  redis.NewClient(opts()),
		pub:  redis.NewClient(opts()),
		sub:  redis.NewClient(opts()),
		cfg:  cfg.Normalize(),
		shas: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cmd.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if err := s.loadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// loadScripts preloads the whole catalog so every call site runs by SHA.
func (s *RedisStore) loadScripts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, src := range scriptSources {
		sha, err := s.cmd.ScriptLoad(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("load script %s: %w", name, err)
		}
		s.shas[name] = sha
	}
	log.Printf("store: preloaded %d lua scripts", len(scriptSources))
	return nil
}

func (s *RedisStore) sha(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shas[name]
}

// eval runs a named catalog script and parses the {ok, detail} reply. A
// NOSCRIPT reply (Redis restarted, script cache flushed) reloads the source
// and retries once.
func (s *RedisStore) eval(ctx context.Context, name string, keys []string, args ...interface{}) (bool, interface{}, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.cmd.EvalSha(ctx, s.sha(name), keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		sha, loadErr := s.cmd.ScriptLoad(ctx, scriptSources[name]).Result()
		if loadErr != nil {
			return false, nil, fmt.Errorf("reload script %s: %w", name, loadErr)
		}
		s.mu.Lock()
		s.shas[name] = sha
		s.mu.Unlock()
		res, err = s.cmd.EvalSha(ctx, sha, keys, args...).Result()
	}
	if err != nil {
		return false, nil, fmt.Errorf("script %s: %w", name, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, nil, fmt.Errorf("script %s: unexpected reply %T", name, res)
	}
	code, ok := reply[0].(int64)
	if !ok {
		return false, nil, fmt.Errorf("script %s: unexpected ok field %T", name, reply[0])
	}
	return code == 1, reply[1], nil
}

func detailString(detail interface{}) string {
	switch v := detail.(type) {
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func detailInt(detail interface{}) int64 {
	if v, ok := detail.(int64); ok {
		return v
	}
	return 0
}

func (s *RedisStore) Close() error {
	if err := s.sub.Close(); err != nil {
		log.Printf("store: closing subscriber connection: %v", err)
	}
	if err := s.pub.Close(); err != nil {
		log.Printf("store: closing publisher connection: %v", err)
	}
	return s.cmd.Close()
}
