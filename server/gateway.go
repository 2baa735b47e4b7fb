package main

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/claudebench/claudebench/observability"
	"github.com/claudebench/claudebench/runtime"
)

// Gateway is the JSON-RPC 2.0 projection of the registry. Method names map
// one-to-one with event names; typed errors project to their stable codes.
type Gateway struct {
	registry *runtime.Registry
	limiter  *rate.Limiter
}

func NewGateway(registry *runtime.Registry, perSecond float64, burst int) *Gateway {
	return &Gateway{
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	if req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32600, Message: "method required"}})
		return
	}

	// Local admission guard ahead of the store-backed per-event windows.
	if !g.limiter.Allow() {
		observability.GatewayRateLimited.WithLabelValues("rpc").Inc()
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: -32000, Message: "gateway saturated"}})
		return
	}

	caller := map[string]string{"transport": "jsonrpc", "remote": r.RemoteAddr}
	result, execErr := g.registry.Execute(r.Context(), req.Method, req.Params, caller)
	if execErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code:    execErr.RPCCode(),
			Message: execErr.Message,
			Data:    execErr.Detail,
		}})
		return
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// handleInventory serves the machine-readable handler inventory.
func (g *Gateway) handleInventory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.registry.Inventory())
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
