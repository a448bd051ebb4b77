// Package cachebridge implements the Cache Bridge (spec.md §4.7): a group
// of SYSTEM-scoped routes under /api/_internal/* that front the shared
// Cache table over plain HTTP, so short-lived worker processes that don't
// share this process's memory can still read/write the same cache entries
// over localhost.
//
// The in-process sharedtables.Cache table is always the first stop; when an
// overflow store is configured (internal/cache's Redis client), a miss
// falls through to it and a write goes through to it too, so an entry
// survives this process restarting and stays visible to a worker that
// never talks to this particular instance.
package cachebridge

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/relaygate/channelserver/internal/apperror"
	"github.com/relaygate/channelserver/internal/cache"
	"github.com/relaygate/channelserver/internal/models"
	"github.com/relaygate/channelserver/internal/router"
	"github.com/relaygate/channelserver/internal/sharedtables"
)

// Bridge wires the shared Cache table to the overflow store and exposes
// router-registerable handlers for it.
type Bridge struct {
	table    *sharedtables.Cache
	overflow *cache.Cache // nil or IsEnabled()==false means local-table-only
}

// New builds a Bridge. overflow may be nil.
func New(table *sharedtables.Cache, overflow *cache.Cache) *Bridge {
	return &Bridge{table: table, overflow: overflow}
}

// RegisterRoutes adds the _internal/cache/* SYSTEM routes to r.
func (b *Bridge) RegisterRoutes(r *router.Router) {
	r.Register([]string{"GET"}, "/api/_internal/cache/metrics", models.ScopeSystem, b.handleMetrics)
	r.Register([]string{"GET"}, "/api/_internal/cache/:key", models.ScopeSystem, b.handleGet)
	r.Register([]string{"PUT", "POST"}, "/api/_internal/cache/:key", models.ScopeSystem, b.handleSet)
	r.Register([]string{"DELETE"}, "/api/_internal/cache/:key", models.ScopeSystem, b.handleDelete)
}

func keyFromArgs(rc *models.RequestContext) (string, error) {
	key, _ := rc.Query["key"].(string)
	if key == "" {
		return "", apperror.Input("missing key path parameter")
	}
	return key, nil
}

// handleGet returns {found:false} rather than an error on a miss: a miss is
// an expected, routine outcome for a cache, not a failure (spec.md §4.7:
// "readers return nothing for expired rows").
func (b *Bridge) handleGet(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
	key, err := keyFromArgs(rc)
	if err != nil {
		return nil, err
	}

	if data, ok := b.table.Get(key); ok {
		return map[string]interface{}{"key": key, "found": true, "value": base64.StdEncoding.EncodeToString(data)}, nil
	}

	if b.overflow != nil && b.overflow.IsEnabled() {
		var encoded string
		if err := b.overflow.Get(ctx, cacheOverflowKey(key), &encoded); err == nil {
			data, decodeErr := base64.StdEncoding.DecodeString(encoded)
			if decodeErr == nil {
				// Backfill the in-process table so the next read doesn't
				// need the overflow round-trip.
				_ = b.table.Set(key, data, 0)
				return map[string]interface{}{"key": key, "found": true, "value": encoded}, nil
			}
		}
	}

	return map[string]interface{}{"key": key, "found": false}, nil
}

func (b *Bridge) handleSet(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
	key, err := keyFromArgs(rc)
	if err != nil {
		return nil, err
	}
	value, _ := rc.Args["value"].(string)
	if value == "" {
		return nil, apperror.Input("missing value field")
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, apperror.Input("value must be base64-encoded")
	}

	var expiresAt int64
	if ttl, ok := rc.Args["ttl_seconds"].(float64); ok && ttl > 0 {
		expiresAt = time.Now().Unix() + int64(ttl)
	}

	if err := b.table.Set(key, data, expiresAt); err != nil {
		return nil, apperror.Exhausted("cache table at capacity")
	}

	if b.overflow != nil && b.overflow.IsEnabled() {
		ttl := time.Duration(0)
		if expiresAt > 0 {
			ttl = time.Until(time.Unix(expiresAt, 0))
		}
		if err := b.overflow.Set(ctx, cacheOverflowKey(key), value, ttl); err != nil {
			// Best-effort: the in-process table already has the
			// authoritative row for this process, so a failed mirror to
			// the overflow store degrades cross-process visibility, not
			// this write's durability.
			return map[string]interface{}{"key": key, "stored": true, "overflow_mirrored": false}, nil
		}
	}

	return map[string]interface{}{"key": key, "stored": true, "overflow_mirrored": b.overflow != nil && b.overflow.IsEnabled()}, nil
}

func (b *Bridge) handleDelete(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
	key, err := keyFromArgs(rc)
	if err != nil {
		return nil, err
	}
	b.table.Delete(key)
	if b.overflow != nil && b.overflow.IsEnabled() {
		_ = b.overflow.Delete(ctx, cacheOverflowKey(key))
	}
	return map[string]interface{}{"key": key, "deleted": true}, nil
}

func (b *Bridge) handleMetrics(ctx context.Context, rc *models.RequestContext) (interface{}, error) {
	stats := b.table.Stats()
	resp := map[string]interface{}{
		"rows":     stats.Rows,
		"capacity": stats.Capacity,
	}
	if b.overflow != nil && b.overflow.IsEnabled() {
		overflowStats, err := b.overflow.GetStats(ctx)
		if err == nil {
			resp["overflow"] = overflowStats
		}
	}
	return resp, nil
}

func cacheOverflowKey(key string) string {
	return "channelserver:cachebridge:" + key
}
