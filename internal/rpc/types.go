package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Request is a JSON-RPC 2.0 call envelope. Params is kept raw; each handler
// decodes its own parameter struct.
type Request struct {
	JsonRpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JsonRpc string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

// HandlerFunc executes one method. A non-nil *RpcError becomes the response's
// error member; otherwise the returned value becomes result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *RpcError)

// MethodRegistry maps method names to handlers.
type MethodRegistry struct {
	mu      sync.RWMutex
	methods map[string]HandlerFunc
}

// NewMethodRegistry creates an empty registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]HandlerFunc)}
}

// Register adds a handler; registering a name twice is a wiring bug and
// returns an error.
func (r *MethodRegistry) Register(name string, h HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("rpc: method %q already registered", name)
	}
	r.methods[name] = h
	return nil
}

// MustRegister is Register for static wiring at startup.
func (r *MethodRegistry) MustRegister(name string, h HandlerFunc) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Get looks up a handler by method name.
func (r *MethodRegistry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// Methods returns the registered method names, sorted.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeParams unmarshals params into dst. Absent params decode as an empty
// object so handlers only validate their own required fields.
func decodeParams(params json.RawMessage, dst any) *RpcError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return errInvalidParams("invalid params: %v", err)
	}
	return nil
}

type ctxKey int

const clientMetaKey ctxKey = iota

// clientMeta carries request origin details into handlers that record them,
// such as write_submit filling event metadata.
type clientMeta struct {
	ip        string
	userAgent string
}

func withClientMeta(ctx context.Context, meta clientMeta) context.Context {
	return context.WithValue(ctx, clientMetaKey, meta)
}

func clientMetaFrom(ctx context.Context) clientMeta {
	meta, _ := ctx.Value(clientMetaKey).(clientMeta)
	return meta
}
