package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/claudebench/claudebench/instance"
	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
	"github.com/claudebench/claudebench/task"
)

func testGateway(t *testing.T, perSecond float64, burst int) (*Gateway, *store.MemoryStore) {
	t.Helper()
	cfg := store.Config{}.Normalize()
	st := store.NewMemoryStore(cfg)
	t.Cleanup(func() { st.Close() })
	r := runtime.NewRegistry(st, nil, runtime.RegistryOptions{InstanceID: "i1"})
	if err := (&task.Handlers{}).Register(r); err != nil {
		t.Fatal(err)
	}
	if err := (&instance.Handlers{Cfg: cfg}).Register(r); err != nil {
		t.Fatal(err)
	}
	return NewGateway(r, perSecond, burst), st
}

func callRPC(t *testing.T, g *Gateway, body string) rpcResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	var resp rpcResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestGatewayRoundTrip(t *testing.T) {
	g, _ := testGateway(t, 100, 100)

	resp := callRPC(t, g, `{"jsonrpc":"2.0","id":1,"method":"task.create","params":{"text":"hello","priority":75}}`)
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("id = %s", resp.ID)
	}
	var created store.Task
	if err := json.Unmarshal(resp.Result, &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != store.TaskPending || created.Priority != 75 {
		t.Fatalf("created = %+v", created)
	}
}

func TestGatewayErrorCodes(t *testing.T) {
	g, _ := testGateway(t, 100, 100)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{not json`, -32700},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, -32600},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"no.such.event"}`, -32601},
		{"invalid params", `{"jsonrpc":"2.0","id":1,"method":"task.create","params":{"priority":50}}`, -32602},
	}
	for _, tc := range cases {
		resp := callRPC(t, g, tc.body)
		if resp.Error == nil || resp.Error.Code != tc.code {
			t.Fatalf("%s: error = %+v, want code %d", tc.name, resp.Error, tc.code)
		}
	}
}

func TestGatewayValidationDetail(t *testing.T) {
	g, _ := testGateway(t, 100, 100)

	resp := callRPC(t, g, `{"jsonrpc":"2.0","id":7,"method":"task.create","params":{"text":"x","priority":500}}`)
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("error = %+v", resp.Error)
	}
	detail, _ := resp.Error.Data.(map[string]interface{})
	if detail["field"] != "priority" {
		t.Fatalf("detail = %v", resp.Error.Data)
	}
}

func TestGatewayAdmissionLimit(t *testing.T) {
	g, _ := testGateway(t, 1, 2)

	ok, limited := 0, 0
	for i := 0; i < 5; i++ {
		resp := callRPC(t, g, `{"jsonrpc":"2.0","id":1,"method":"system.health"}`)
		switch {
		case resp.Error == nil:
			ok++
		case resp.Error.Code == -32000:
			limited++
		default:
			t.Fatalf("unexpected error %+v", resp.Error)
		}
	}
	if ok == 0 || limited == 0 {
		t.Fatalf("ok=%d limited=%d, want both nonzero", ok, limited)
	}
}

func TestGatewayRejectsGet(t *testing.T) {
	g, _ := testGateway(t, 100, 100)
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInventoryLists(t *testing.T) {
	g, _ := testGateway(t, 100, 100)
	req := httptest.NewRequest(http.MethodGet, "/inventory", nil)
	rec := httptest.NewRecorder()
	g.handleInventory(rec, req)

	var inventory []runtime.HandlerInfo
	if err := json.NewDecoder(rec.Body).Decode(&inventory); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, h := range inventory {
		seen[h.Event] = true
	}
	for _, want := range []string{"task.create", "task.claim", "system.register", "system.check_health"} {
		if !seen[want] {
			t.Fatalf("inventory missing %s (have %v)", want, seen)
		}
	}
}
