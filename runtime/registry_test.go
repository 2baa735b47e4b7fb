package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/claudebench/claudebench/store"
)

func testRegistry(t *testing.T, opts RegistryOptions) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(store.Config{
		RateLimitWindow: 80 * time.Millisecond,
	})
	t.Cleanup(func() { st.Close() })
	if opts.InstanceID == "" {
		opts.InstanceID = "test-1"
	}
	return NewRegistry(st, nil, opts), st
}

func TestExecuteUnknownEvent(t *testing.T) {
	r, _ := testRegistry(t, RegistryOptions{})
	_, err := r.Execute(context.Background(), "no.such.event", nil, nil)
	if err == nil || err.Kind != KindNotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
	if err.RPCCode() != -32601 {
		t.Fatalf("code = %d, want -32601", err.RPCCode())
	}
}

func TestExecuteValidation(t *testing.T) {
	r, _ := testRegistry(t, RegistryOptions{})
	r.Register(&Handler{
		Event: "echo",
		Validate: func(params json.RawMessage) *Error {
			var p struct {
				Text string `json:"text"`
			}
			if err := DecodeParams(params, &p); err != nil {
				return err
			}
			if p.Text == "" {
				return InvalidParams("text", "text is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error) {
			return params, nil
		},
	})

	_, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`), nil)
	if err == nil || err.Kind != KindInvalidParams {
		t.Fatalf("got %v, want InvalidParams", err)
	}
	if err.Detail["field"] != "text" {
		t.Fatalf("detail = %v", err.Detail)
	}

	result, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), nil)
	if err != nil {
		t.Fatalf("valid call failed: %v", err)
	}
	if string(result) != `{"text":"hi"}` {
		t.Fatalf("result = %s", result)
	}
}

func TestExecuteRateLimit(t *testing.T) {
	r, _ := testRegistry(t, RegistryOptions{})
	r.Register(&Handler{
		Event:     "limited",
		RateLimit: 2,
		Body: func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Execute(ctx, "limited", nil, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := r.Execute(ctx, "limited", nil, nil)
	if err == nil || err.Kind != KindRateLimited {
		t.Fatalf("got %v, want RateLimited", err)
	}
	if err.Detail["remainingMs"] == "" {
		t.Fatalf("missing remainingMs detail: %v", err.Detail)
	}
	if err.RPCCode() != -32000 {
		t.Fatalf("code = %d, want -32000", err.RPCCode())
	}

	// Window slides past, admission resumes.
	time.Sleep(100 * time.Millisecond)
	if _, err := r.Execute(ctx, "limited", nil, nil); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestExecuteCircuitFallback(t *testing.T) {
	r, _ := testRegistry(t, RegistryOptions{BreakerThreshold: 2, BreakerCooldown: 40 * time.Millisecond})
	calls := 0
	r.Register(&Handler{
		Event:    "flaky",
		Fallback: json.RawMessage(`{"claimed":false}`),
		Body: func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, errors.New("backend down")
		},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Execute(ctx, "flaky", nil, nil); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}

	// Circuit is open: fallback returned, body not invoked.
	result, err := r.Execute(ctx, "flaky", nil, nil)
	if err != nil {
		t.Fatalf("fallback path errored: %v", err)
	}
	if string(result) != `{"claimed":false}` {
		t.Fatalf("fallback = %s", result)
	}
	if calls != 2 {
		t.Fatalf("body ran %d times, want 2", calls)
	}

	// After cooldown one probe runs the body again.
	time.Sleep(50 * time.Millisecond)
	r.Execute(ctx, "flaky", nil, nil)
	if calls != 3 {
		t.Fatalf("probe did not run body: calls = %d", calls)
	}
}

func TestExecuteCircuitOpenWithoutFallback(t *testing.T) {
	r, _ := testRegistry(t, RegistryOptions{BreakerThreshold: 1, BreakerCooldown: time.Second})
	r.Register(&Handler{
		Event: "fragile",
		Body: func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("nope")
		},
	})

	ctx := context.Background()
	r.Execute(ctx, "fragile", nil, nil)
	_, err := r.Execute(ctx, "fragile", nil, nil)
	if err == nil || err.Kind != KindCircuitOpen {
		t.Fatalf("got %v, want CircuitOpen", err)
	}
	if err.RPCCode() != -32001 {
		t.Fatalf("code = %d, want -32001", err.RPCCode())
	}
}

func TestExecuteTimeout(t *testing.T) {
	r, _ := testRegistry(t, RegistryOptions{})
	r.Register(&Handler{
		Event:   "slow",
		Timeout: 30 * time.Millisecond,
		Body: func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error) {
			select {
			case <-time.After(time.Second):
				return json.RawMessage(`{}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	start := time.Now()
	_, err := r.Execute(context.Background(), "slow", nil, nil)
	if err == nil || err.Kind != KindTimeout {
		t.Fatalf("got %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestExecuteResponseCache(t *testing.T) {
	r, _ := testRegistry(t, RegistryOptions{})
	calls := 0
	r.Register(&Handler{
		Event:    "cached",
		CacheTTL: time.Second,
		Body: func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error) {
			calls++
			return json.RawMessage(`{"n":1}`), nil
		},
	})

	ctx := context.Background()
	r.Execute(ctx, "cached", json.RawMessage(`{"q": 1}`), nil)
	// Same params modulo whitespace share the cache entry.
	result, err := r.Execute(ctx, "cached", json.RawMessage(`{"q":1}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `{"n":1}` {
		t.Fatalf("result = %s", result)
	}
	if calls != 1 {
		t.Fatalf("body ran %d times, want 1", calls)
	}

	r.Execute(ctx, "cached", json.RawMessage(`{"q":2}`), nil)
	if calls != 2 {
		t.Fatalf("distinct params hit the cache: calls = %d", calls)
	}
}

func TestPersistHookFailureIsSwallowed(t *testing.T) {
	persistErr := errors.New("mirror down")
	r, _ := testRegistry(t, RegistryOptions{
		Persist: func(ctx context.Context, event string, result json.RawMessage) error {
			return persistErr
		},
	})
	r.Register(&Handler{
		Event:   "persisted",
		Persist: true,
		Body: func(ctx context.Context, ec *EventContext, params json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"t-1"}`), nil
		},
	})

	result, err := r.Execute(context.Background(), "persisted", nil, nil)
	if err != nil {
		t.Fatalf("persist failure leaked: %v", err)
	}
	if string(result) != `{"id":"t-1"}` {
		t.Fatalf("result = %s", result)
	}
}

func TestWrapStoreErr(t *testing.T) {
	cases := []struct {
		in   error
		kind Kind
	}{
		{store.ErrTaskNotFound, KindNotFound},
		{store.ErrTaskExists, KindConflict},
		{store.ErrTaskCompleted, KindConflict},
		{store.ErrTargetDenied, KindConflict},
		{store.ErrNotRegistered, KindNotFound},
		{errors.New("raw redis error"), KindInternal},
	}
	for _, tc := range cases {
		if got := WrapStoreErr(tc.in); got.Kind != tc.kind {
			t.Fatalf("WrapStoreErr(%v).Kind = %v, want %v", tc.in, got.Kind, tc.kind)
		}
	}
	// Redacted: raw store detail must not leak.
	if msg := WrapStoreErr(errors.New("dial tcp 10.0.0.1: refused")).Message; msg != "store operation failed" {
		t.Fatalf("internal message leaked: %q", msg)
	}
}
