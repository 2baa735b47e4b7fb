package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/claudebench/claudebench/bus"
	"github.com/claudebench/claudebench/observability"
	"github.com/claudebench/claudebench/store"
)

// Registry is the name-indexed handler table and the single execution entry
// point shared by transports, the scheduler and internal calls.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
	breakers map[string]*Breaker

	store      store.Store
	bus        *bus.EventBus
	instanceID string
	persist    PersistHook

	breakerThreshold int
	breakerCooldown  time.Duration
}

type RegistryOptions struct {
	InstanceID       string
	Persist          PersistHook
	BreakerThreshold int           // consecutive failures before opening, default 5
	BreakerCooldown  time.Duration // open duration before the half-open probe, default 30s
}

func NewRegistry(st store.Store, eb *bus.EventBus, opts RegistryOptions) *Registry {
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	return &Registry{
		handlers:         make(map[string]*Handler),
		breakers:         make(map[string]*Breaker),
		store:            st,
		bus:              eb,
		instanceID:       opts.InstanceID,
		persist:          opts.Persist,
		breakerThreshold: opts.BreakerThreshold,
		breakerCooldown:  opts.BreakerCooldown,
	}
}

// Register installs a handler descriptor. Re-registering an event replaces
// the descriptor but keeps the breaker so state survives reconfiguration.
func (r *Registry) Register(h *Handler) error {
	if h == nil || h.Event == "" || h.Body == nil {
		return fmt.Errorf("register: event and body required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Event] = h
	if _, ok := r.breakers[h.Event]; !ok {
		r.breakers[h.Event] = NewBreaker(h.Event, r.breakerThreshold, r.breakerCooldown)
	}
	return nil
}

// Inventory lists every registered handler, sorted by event name.
func (r *Registry) Inventory() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, HandlerInfo{
			Event:       h.Event,
			Description: h.Description,
			RateLimit:   h.RateLimit,
			TimeoutMs:   h.Timeout.Milliseconds(),
			Persist:     h.Persist,
			HasFallback: len(h.Fallback) > 0,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Event < infos[j].Event })
	return infos
}

// BreakerFor exposes breaker state for health surfaces.
func (r *Registry) BreakerFor(event string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[event]
}

func (r *Registry) counter(ctx context.Context, name string) {
	if err := r.store.IncrCounter(ctx, name, 1); err != nil {
		log.Printf("runtime: counter %s: %v", name, err)
	}
}

// Execute runs event through the full pipeline. The returned error is always
// a typed *Error; transports map it to their wire codes.
func (r *Registry) Execute(ctx context.Context, event string, params json.RawMessage, caller map[string]string) (json.RawMessage, *Error) {
	r.mu.RLock()
	h := r.handlers[event]
	br := r.breakers[event]
	r.mu.RUnlock()
	if h == nil {
		return nil, Errorf(KindNotFound, "unknown event %s", event)
	}

	start := time.Now()
	result, execErr := r.run(ctx, h, br, params, caller)
	observability.HandlerLatency.WithLabelValues(event).Observe(time.Since(start).Seconds())
	outcome := "success"
	if execErr != nil {
		outcome = string(execErr.Kind)
	}
	observability.HandlerOutcomes.WithLabelValues(event, outcome).Inc()
	return result, execErr
}

func (r *Registry) run(ctx context.Context, h *Handler, br *Breaker, params json.RawMessage, caller map[string]string) (json.RawMessage, *Error) {
	if h.Validate != nil {
		if verr := h.Validate(params); verr != nil {
			return nil, verr
		}
	}

	if h.RateLimit > 0 {
		allowed, remainingMs, err := r.store.AllowRate(ctx, h.Event, h.RateLimit)
		if err != nil {
			return nil, WrapStoreErr(err)
		}
		if !allowed {
			observability.RateLimited.WithLabelValues(h.Event, "rejected").Inc()
			r.counter(ctx, "ratelimit:"+h.Event+":rejected")
			return nil, &Error{
				Kind:    KindRateLimited,
				Message: "rate limit exceeded for " + h.Event,
				Detail:  map[string]string{"remainingMs": strconv.FormatInt(remainingMs, 10)},
			}
		}
		observability.RateLimited.WithLabelValues(h.Event, "allowed").Inc()
		r.counter(ctx, "ratelimit:"+h.Event+":allowed")
	}

	if br != nil && !br.Allow() {
		r.counter(ctx, "circuit:"+h.Event+":fallback")
		if len(h.Fallback) > 0 {
			return h.Fallback, nil
		}
		return nil, &Error{
			Kind:    KindCircuitOpen,
			Message: "circuit open for " + h.Event,
			Detail:  map[string]string{"state": br.State().String()},
		}
	}

	var cacheKey string
	if h.CacheTTL > 0 {
		cacheKey = store.CacheKey(h.Event, canonicalParams(params))
		if cached, hit, err := r.store.CacheGet(ctx, cacheKey); err == nil && hit {
			observability.CacheHits.WithLabelValues(h.Event).Inc()
			if br != nil {
				br.RecordSuccess()
			}
			return json.RawMessage(cached), nil
		}
	}

	result, bodyErr := r.invoke(ctx, h, params, caller)
	if bodyErr != nil {
		if br != nil {
			br.RecordFailure()
		}
		if bodyErr.Kind == KindTimeout {
			observability.Timeouts.WithLabelValues(h.Event).Inc()
			r.counter(ctx, "timeout:"+h.Event+":timedOut")
		} else {
			r.counter(ctx, "circuit:"+h.Event+":failure")
		}
		return nil, bodyErr
	}
	if br != nil {
		br.RecordSuccess()
	}
	r.counter(ctx, "circuit:"+h.Event+":success")

	if cacheKey != "" {
		if err := r.store.CacheSet(ctx, cacheKey, string(result), h.CacheTTL); err != nil {
			log.Printf("runtime: cache set %s: %v", h.Event, err)
		}
	}

	if h.Persist && r.persist != nil {
		if err := r.persist(ctx, h.Event, result); err != nil {
			observability.PersistFailures.Inc()
			log.Printf("runtime: persist hook %s: %v", h.Event, err)
		}
	}
	return result, nil
}

// invoke runs the body under the handler timeout. The body receives a
// cancellable context; the select guards the wait, not the script itself.
func (r *Registry) invoke(ctx context.Context, h *Handler, params json.RawMessage, caller map[string]string) (json.RawMessage, *Error) {
	ec := &EventContext{
		InstanceID: r.instanceID,
		Caller:     caller,
		Store:      r.store,
		Bus:        r.bus,
	}

	bodyCtx := ctx
	var cancel context.CancelFunc
	if h.Timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.Body(bodyCtx, ec, params)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, Errorf(KindTimeout, "%s timed out after %s", h.Event, h.Timeout)
			}
			return nil, AsError(out.err)
		}
		return out.result, nil
	case <-bodyCtx.Done():
		if errors.Is(bodyCtx.Err(), context.DeadlineExceeded) {
			return nil, Errorf(KindTimeout, "%s timed out after %s", h.Event, h.Timeout)
		}
		return nil, Errorf(KindServiceUnavailable, "%s cancelled", h.Event)
	}
}

// canonicalParams compacts the JSON so semantically equal payloads share a
// cache key regardless of insignificant whitespace.
func canonicalParams(params json.RawMessage) string {
	if len(params) == 0 {
		return "{}"
	}
	var v interface{}
	if err := json.Unmarshal(params, &v); err != nil {
		return string(params)
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return string(params)
	}
	return string(doc)
}
