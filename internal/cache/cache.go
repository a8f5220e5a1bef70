// Package cache memoizes read-tool results in the shared key-value store,
// keyed by a deterministic fingerprint of the tool name and its
// parameters, so that repeated identical read calls don't re-hit the
// upstream APIs within the tool's configured TTL.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/metrics"
)

const keyPrefix = "cache:"

// ResponseCache wraps the key-value store with cache-shaped lookups.
type ResponseCache struct {
	store *kvstore.Store
}

// New wraps store as a ResponseCache.
func New(store *kvstore.Store) *ResponseCache {
	return &ResponseCache{store: store}
}

// Fingerprint derives a stable cache key from a tool name and its
// parameters: params are re-marshaled with sorted keys so that two
// logically identical calls with differently-ordered JSON object keys
// collide on the same fingerprint.
func Fingerprint(tool string, params map[string]any) string {
	canonical := canonicalize(params)
	blob, _ := json.Marshal(canonical)

	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(blob)
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// canonicalize walks params recursively, producing an ordered
// representation that json.Marshal renders deterministically — plain Go
// maps don't guarantee key order, so sort.Strings fixes it before marshal.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{Key: k, Value: canonicalize(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

type keyValue struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}

// Get returns the cached JSON payload for (tool, params), if present and
// unexpired, unmarshaling it into out.
func (c *ResponseCache) Get(tool string, params map[string]any, out any) bool {
	key := Fingerprint(tool, params)
	blob, err := c.store.Get(key)
	if err != nil {
		metrics.RecordCacheLookup(tool, "miss")
		return false
	}
	if err := json.Unmarshal(blob, out); err != nil {
		metrics.RecordCacheLookup(tool, "miss")
		return false
	}
	metrics.RecordCacheLookup(tool, "hit")
	return true
}

// Set stores value under the fingerprint of (tool, params) for ttl.
func (c *ResponseCache) Set(tool string, params map[string]any, value any, ttl time.Duration) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.SetTTL(Fingerprint(tool, params), blob, ttl)
}

// Bypass records that a lookup was skipped entirely (mutating tools never
// consult the cache), kept distinct from a miss so the hit-ratio metric
// reflects only cacheable traffic.
func Bypass(tool string) {
	metrics.RecordCacheLookup(tool, "bypass")
}
