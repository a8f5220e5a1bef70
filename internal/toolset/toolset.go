// Package toolset is the closed catalog of tools this adapter exposes to
// callers: declarative schemas, explicit parameter validation, and the
// handlers that turn a tool call into one or more upstream REST calls.
package toolset

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/quietloop/projectbridge/internal/rpcerr"
)

// Handler executes a validated tool call and returns its JSON-serializable
// result.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Validator checks a tool call's raw parameters, returning an
// *rpcerr.Error (via the caller) naming the first offending field.
type Validator func(params map[string]any) error

// Def describes one tool in the catalog: its advertised schema, whether
// its result is cacheable and for how long, and whether it mutates
// upstream state (mutating tools never consult the response cache and are
// the only tools eligible for idempotency markers).
type Def struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Mutating    bool
	CacheTTLSec int // 0 disables caching for read tools with no stable answer
	Validate    Validator
	Handle      Handler
}

// Registry is the ordered, named collection of tool definitions the
// JSON-RPC dispatcher and the manifest endpoint both read from.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Def
	order []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Def)}
}

// Register adds def to the catalog under its Name.
func (r *Registry) Register(def *Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.defs[def.Name] = def
}

// Get returns the Def for name, if registered.
func (r *Registry) Get(name string) (*Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// All returns every Def in registration order, for the manifest endpoint
// and the dispatcher's listTools result.
func (r *Registry) All() []*Def {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Def, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// DecodeParams unmarshals raw JSON-RPC params into a string-keyed map, the
// shape every Validator and Handler operates on.
func DecodeParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// RejectUnknownParams fails a call that supplies a field schema doesn't
// declare, so a caller's typo or a stale client's extra field surfaces as
// an invalid-params error rather than being silently ignored.
func RejectUnknownParams(schema *jsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	for key := range params {
		if _, ok := schema.Properties[key]; !ok {
			return rpcerr.InvalidParam(key, "unknown parameter %q", key)
		}
	}
	return nil
}
