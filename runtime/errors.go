package runtime

import (
	"errors"
	"fmt"

	"github.com/claudebench/claudebench/store"
)

// Kind classifies handler failures. Every kind has a stable numeric code so
// transports can project errors without inspecting messages.
type Kind string

const (
	KindInvalidParams      Kind = "invalid_params"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindCircuitOpen        Kind = "circuit_open"
	KindUnauthorized       Kind = "unauthorized"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// Error is the typed failure record that crosses the runtime boundary.
// Detail carries small structured context: the field path for validation,
// remaining milliseconds for rate limits, breaker state for circuit opens.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// RPCCode maps the kind to its JSON-RPC error code.
func (e *Error) RPCCode() int {
	switch e.Kind {
	case KindInvalidParams:
		return -32602
	case KindNotFound:
		return -32601
	case KindRateLimited:
		return -32000
	case KindCircuitOpen:
		return -32001
	case KindUnauthorized:
		return -32002
	default:
		return -32603
	}
}

func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidParams(field, message string) *Error {
	return &Error{Kind: KindInvalidParams, Message: message, Detail: map[string]string{"field": field}}
}

// WrapStoreErr converts store sentinel errors into their caller-visible kind.
// Anything unrecognized becomes Internal with a redacted message so raw store
// details never escape the runtime.
func WrapStoreErr(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrTaskNotFound):
		return Errorf(KindNotFound, "task not found")
	case errors.Is(err, store.ErrTaskExists):
		return Errorf(KindConflict, "task already exists")
	case errors.Is(err, store.ErrTaskCompleted):
		return Errorf(KindConflict, "task already completed")
	case errors.Is(err, store.ErrTaskNotAssigned):
		return Errorf(KindConflict, "task not assigned")
	case errors.Is(err, store.ErrTargetDenied):
		return Errorf(KindConflict, "target worker is denied for this task")
	case errors.Is(err, store.ErrNotRegistered):
		return Errorf(KindNotFound, "instance not registered")
	case errors.Is(err, store.ErrWorkerAtCapacity):
		return Errorf(KindConflict, "worker queue at capacity")
	default:
		return Errorf(KindInternal, "store operation failed")
	}
}

// AsError normalizes handler body returns: a *Error passes through, anything
// else is wrapped as Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return WrapStoreErr(err)
}
