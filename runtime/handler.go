package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/claudebench/claudebench/bus"
	"github.com/claudebench/claudebench/store"
)

// PersistHook mirrors a successful result into the relational store. Failures
// are logged by the runtime, never surfaced to the caller.
type PersistHook func(ctx context.Context, event string, result json.RawMessage) error

// EventContext is handed to every handler body.
type EventContext struct {
	InstanceID string
	Caller     map[string]string
	Store      store.Store
	Bus        *bus.EventBus
}

// Publish forwards to the bus; bodies use this instead of holding the bus so
// tests can run handlers with a nil bus.
func (ec *EventContext) Publish(ctx context.Context, eventType string, payload interface{}) error {
	if ec.Bus == nil {
		return nil
	}
	return ec.Bus.PublishJSON(ctx, eventType, payload)
}

// Handler declares one public operation. The registry wraps Body with the
// validate, rate-limit, timeout, breaker and cache stages in that order.
type Handler struct {
	Event       string
	Description string

	// RateLimit is invocations per window, 0 disables. The window length
	// comes from store.Config.
	RateLimit int
	// Timeout bounds the body, 0 disables.
	Timeout time.Duration
	// CacheTTL enables the response cache keyed by (event, params), 0
	// disables.
	CacheTTL time.Duration
	// Persist mirrors successful results through the registry's hook.
	Persist bool
	// Fallback is returned verbatim while the circuit is open. Nil means
	// callers get a CircuitOpen error instead.
	Fallback json.RawMessage

	Validate func(params json.RawMessage) *Error
	Body     func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error)
}

// HandlerInfo is the machine-readable inventory entry transports project.
type HandlerInfo struct {
	Event       string `json:"event"`
	Description string `json:"description"`
	RateLimit   int    `json:"rateLimit"`
	TimeoutMs   int64  `json:"timeoutMs"`
	Persist     bool   `json:"persist"`
	HasFallback bool   `json:"hasFallback"`
}

// decodeInto is the shared strict decoder for handler params.
func decodeInto(params json.RawMessage, v interface{}) *Error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams("", "malformed params: "+err.Error())
	}
	return nil
}

// DecodeParams is the exported form used by handler packages.
func DecodeParams(params json.RawMessage, v interface{}) *Error {
	return decodeInto(params, v)
}
