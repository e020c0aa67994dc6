// Package cache implements the idempotent result cache keyed by request
// fingerprint. Entries are tenant-scoped and carry a TTL. Concurrent
// requests for the same fingerprint share a single build: one builder
// runs, every waiter observes the same result.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/telemetry"
)

const keyPrefix = "relay:cache"

// deterministicTypes are request types whose output is reproducible
// enough to cache when sampling is disabled.
var deterministicTypes = map[core.RequestType]bool{
	core.TypeText:          true,
	core.TypeCode:          true,
	core.TypeAnalysis:      true,
	core.TypeEmbedding:     true,
	core.TypeDocumentation: true,
	core.TypeExplanation:   true,
}

// Cacheable reports whether a preprocessed request may be served from
// or stored into the cache: deterministic type, temperature pinned to
// zero (or absent), and no user-specific context.
func Cacheable(pre *core.PreprocessedRequest) bool {
	req := pre.Request
	if !deterministicTypes[req.Type] {
		return false
	}
	if req.UserID != "" || req.SessionID != "" {
		return false
	}
	if temp, ok := req.Parameters["temperature"]; ok {
		switch v := temp.(type) {
		case float64:
			if v != 0 {
				return false
			}
		case int:
			if v != 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// BuildFunc produces the response for a cache miss.
type BuildFunc func(ctx context.Context) (*core.ProcessedResponse, error)

type inflight struct {
	done chan struct{}
	resp *core.ProcessedResponse
	err  error
}

// ResponseCache stores processed responses in a KVStore.
type ResponseCache struct {
	store  core.KVStore
	ttl    time.Duration
	logger core.Logger
	bus    *events.Bus

	mu       sync.Mutex
	building map[string]*inflight
}

// New creates a ResponseCache over the given store.
func New(store core.KVStore, ttl time.Duration, logger core.Logger, bus *events.Bus) *ResponseCache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ResponseCache{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		bus:      bus,
		building: make(map[string]*inflight),
	}
}

func (c *ResponseCache) key(tenantID, fingerprint string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, tenantID, fingerprint)
}

// Get returns the cached response for a fingerprint, if present.
// The returned copy has Cached set.
func (c *ResponseCache) Get(ctx context.Context, tenantID, fingerprint string) (*core.ProcessedResponse, bool) {
	raw, found, err := c.store.Get(ctx, c.key(tenantID, fingerprint))
	if err != nil {
		c.logger.Warn("Cache lookup failed", map[string]interface{}{
			"operation":   "cache_get",
			"tenant_id":   tenantID,
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return nil, false
	}
	if !found {
		return nil, false
	}

	var resp core.ProcessedResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.logger.Warn("Cache entry corrupt, evicting", map[string]interface{}{
			"operation":   "cache_get",
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		_ = c.store.Delete(ctx, c.key(tenantID, fingerprint))
		return nil, false
	}
	resp.Cached = true
	return &resp, true
}

// GetOrBuild returns the cached response or runs build, guaranteeing
// at most one concurrent builder per (tenant, fingerprint). Waiters
// observe the builder's result. Build errors are not cached.
func (c *ResponseCache) GetOrBuild(ctx context.Context, tenantID, fingerprint string, build BuildFunc) (*core.ProcessedResponse, error) {
	if resp, ok := c.Get(ctx, tenantID, fingerprint); ok {
		c.emit(events.CacheHit, resp.RequestID, tenantID, fingerprint)
		telemetry.Counter("cache.hits", "tenant", tenantID)
		return resp, nil
	}
	c.emit(events.CacheMiss, "", tenantID, fingerprint)
	telemetry.Counter("cache.misses", "tenant", tenantID)

	key := c.key(tenantID, fingerprint)

	c.mu.Lock()
	if fl, ok := c.building[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			if fl.err != nil {
				return nil, fl.err
			}
			cp := *fl.resp
			cp.Cached = true
			return &cp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.building[key] = fl
	c.mu.Unlock()

	resp, err := build(ctx)
	fl.resp, fl.err = resp, err

	c.mu.Lock()
	delete(c.building, key)
	c.mu.Unlock()
	close(fl.done)

	if err != nil {
		return nil, err
	}

	c.Put(ctx, tenantID, fingerprint, resp)
	return resp, nil
}

// Put stores a processed response. Degraded responses are never
// cached: a later attempt should get the chance to do better.
func (c *ResponseCache) Put(ctx context.Context, tenantID, fingerprint string, resp *core.ProcessedResponse) {
	if resp == nil || !resp.Success || resp.Degraded {
		return
	}
	stored := *resp
	stored.Cached = false // the flag is set on read, not on write

	data, err := json.Marshal(&stored)
	if err != nil {
		c.logger.Error("Cache marshal failed", map[string]interface{}{
			"operation":   "cache_put",
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return
	}
	if err := c.store.Set(ctx, c.key(tenantID, fingerprint), string(data), c.ttl); err != nil {
		c.logger.Warn("Cache store failed", map[string]interface{}{
			"operation":   "cache_put",
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return
	}
	c.emit(events.ResponseCached, resp.RequestID, tenantID, fingerprint)
}

// Invalidate removes a cached entry.
func (c *ResponseCache) Invalidate(ctx context.Context, tenantID, fingerprint string) error {
	return c.store.Delete(ctx, c.key(tenantID, fingerprint))
}

func (c *ResponseCache) emit(kind events.Kind, requestID, tenantID, fingerprint string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(kind, requestID, map[string]interface{}{
		"tenant_id":   tenantID,
		"fingerprint": fingerprint,
	})
}
