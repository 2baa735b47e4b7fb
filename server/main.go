package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claudebench/claudebench/bus"
	"github.com/claudebench/claudebench/instance"
	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/scheduler"
	"github.com/claudebench/claudebench/session"
	"github.com/claudebench/claudebench/store"
	"github.com/claudebench/claudebench/task"
)

func main() {
	cfg := loadConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if cfg.RedisAddr != "" {
		redisStore, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Store)
		if err != nil {
			log.Fatalf("connect redis %s: %v", cfg.RedisAddr, err)
		}
		st = redisStore
		log.Printf("connected to redis at %s", cfg.RedisAddr)
	} else {
		// Standalone dev mode: single-process, no cross-instance
		// coordination.
		st = store.NewMemoryStore(cfg.Store)
		log.Printf("REDIS_ADDR not set, using in-memory store (standalone mode)")
	}
	defer st.Close()

	var mirror *store.TaskMirror
	if cfg.PostgresURL != "" {
		var err error
		mirror, err = store.NewTaskMirror(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer mirror.Close()
		log.Printf("task history mirror enabled")
	}

	pool := bus.NewPool(cfg.PoolWorkers, cfg.PoolQueueDepth)
	eventBus := bus.New(st, pool)

	registry := runtime.NewRegistry(st, eventBus, runtime.RegistryOptions{
		InstanceID: cfg.InstanceID,
		Persist:    persistHook(st, mirror),
	})

	taskHandlers := &task.Handlers{Mirror: mirror}
	if err := taskHandlers.Register(registry); err != nil {
		log.Fatalf("register task handlers: %v", err)
	}
	instanceHandlers := &instance.Handlers{Cfg: cfg.Store.Normalize()}
	if err := instanceHandlers.Register(registry); err != nil {
		log.Fatalf("register instance handlers: %v", err)
	}
	processor := &session.Processor{Store: st, Bus: eventBus, Cfg: cfg.Store.Normalize()}
	if err := processor.RegisterHandlers(registry); err != nil {
		log.Fatalf("register session handlers: %v", err)
	}
	if err := processor.Start(ctx); err != nil {
		log.Fatalf("start session processor: %v", err)
	}

	// Join the fleet before the scheduler starts sweeping.
	registerSelf(ctx, registry, cfg)

	sched := scheduler.New(registry, st, cfg.Store.Normalize(), scheduler.Options{InstanceID: cfg.InstanceID})
	sched.Start(ctx)

	gateway := NewGateway(registry, cfg.GatewayRate, cfg.GatewayBurst)
	feed := NewEventFeed(eventBus)

	mux := http.NewServeMux()
	mux.Handle("/rpc", gateway)
	mux.HandleFunc("/inventory", gateway.handleInventory)
	mux.Handle("/ws", feed)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("claudebench instance %s listening on %s", cfg.InstanceID, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	feed.Shutdown()
	sched.Stop()
	eventBus.Close()
	_ = pool.Close(shutdownCtx)
	cancel()
}

func registerSelf(ctx context.Context, registry *runtime.Registry, cfg Config) {
	params, _ := json.Marshal(map[string]interface{}{"id": cfg.InstanceID, "roles": cfg.Roles})
	result, err := registry.Execute(ctx, "system.register", params, map[string]string{"source": "startup"})
	if err != nil {
		log.Fatalf("register instance %s: %v", cfg.InstanceID, err)
	}
	var out struct {
		BecameLeader bool `json:"becameLeader"`
	}
	_ = json.Unmarshal(result, &out)
	if out.BecameLeader {
		log.Printf("instance %s acquired leadership", cfg.InstanceID)
	}
}

// persistHook mirrors completed tasks into Postgres. The runtime swallows
// errors from here after logging; a missing mirror disables the hook.
func persistHook(st store.Store, mirror *store.TaskMirror) runtime.PersistHook {
	if mirror == nil {
		return nil
	}
	return func(ctx context.Context, event string, result json.RawMessage) error {
		if event != "task.complete" {
			return nil
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(result, &out); err != nil || out.ID == "" {
			return err
		}
		t, err := st.GetTask(ctx, out.ID)
		if err != nil {
			return err
		}
		return mirror.MirrorTask(ctx, t)
	}
}
