// Package redisadapter implements the storage.Adapter contract over a
// Redis-compatible backing store, with every key prefixed so that
// distinct tenants can never observe each other's data. It replaces
// the O(N) KEYS primitive named in the design notes with SCAN cursors,
// per the REDESIGN FLAG resolution in SPEC_FULL.md §9.
package redisadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/relaykv/relaykv/internal/logging"
	"github.com/relaykv/relaykv/internal/storage"
)

var log = logging.Get("redisadapter")

const scanBatchSize = 256

// Adapter is a namespaced storage.Adapter backed by Redis. The same
// *redis.Client is shared across every tenant's Adapter; go-redis
// connections are safe for concurrent use, so no extra request queue
// is needed (see §5).
type Adapter struct {
	client   *redis.Client
	prefix   string
	registry *storage.Registry
	bus      *storage.Bus
}

// New builds an Adapter whose keys are all rooted at
// "{prefix}:{collection}:{key}".
func New(client *redis.Client, prefix string) *Adapter {
	return &Adapter{
		client:   client,
		prefix:   prefix,
		registry: storage.NewRegistry(),
		bus:      storage.NewBus(),
	}
}

// Registry exposes the adapter's schema registry so callers can
// install per-(collection,key) validators.
func (a *Adapter) Registry() *storage.Registry { return a.registry }

func (a *Adapter) storageKey(collection, key string) string {
	return fmt.Sprintf("%s:%s:%s", a.prefix, collection, key)
}

func (a *Adapter) collectionPattern(collection string) string {
	if collection == "" {
		return a.prefix + ":*"
	}
	return fmt.Sprintf("%s:%s:*", a.prefix, collection)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage.Adapter)
// --------------------------------------------------------------------------

func (a *Adapter) Get(ctx context.Context, collection, key string) (json.RawMessage, bool, error) {
	raw, err := a.client.Get(ctx, a.storageKey(collection, key)).Bytes()
	if err == redis.Nil {
		a.bus.Emit(storage.Event{Kind: storage.EventGet, Collection: collection, Key: key})
		return nil, false, nil
	}
	if err != nil {
		wrapped := storage.NewBackendError("get failed", err)
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: wrapped})
		return nil, false, wrapped
	}

	if err := a.registry.Validate(collection, key, raw); err != nil {
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: err})
		return nil, false, err
	}

	a.bus.Emit(storage.Event{Kind: storage.EventGet, Collection: collection, Key: key, Value: raw})
	return raw, true, nil
}

func (a *Adapter) Has(ctx context.Context, collection, key string) (bool, error) {
	n, err := a.client.Exists(ctx, a.storageKey(collection, key)).Result()
	if err != nil {
		wrapped := storage.NewBackendError("exists failed", err)
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: wrapped})
		return false, wrapped
	}
	return n > 0, nil
}

func (a *Adapter) Set(ctx context.Context, collection, key string, value json.RawMessage) error {
	if err := a.registry.Validate(collection, key, value); err != nil {
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: err})
		return err
	}

	if err := a.client.Set(ctx, a.storageKey(collection, key), []byte(value), 0).Err(); err != nil {
		wrapped := storage.NewBackendError("set failed", err)
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: wrapped})
		return wrapped
	}

	a.bus.Emit(storage.Event{Kind: storage.EventSet, Collection: collection, Key: key, Value: value})
	return nil
}

func (a *Adapter) Delete(ctx context.Context, collection, key string) (bool, error) {
	n, err := a.client.Del(ctx, a.storageKey(collection, key)).Result()
	if err != nil {
		wrapped := storage.NewBackendError("delete failed", err)
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Key: key, Err: wrapped})
		return false, wrapped
	}

	removed := n > 0
	if removed {
		a.bus.Emit(storage.Event{Kind: storage.EventDelete, Collection: collection, Key: key})
	}
	return removed, nil
}

func (a *Adapter) Clear(ctx context.Context, collection string) (int, error) {
	keys, err := a.scan(ctx, a.collectionPattern(collection))
	if err != nil {
		wrapped := storage.NewBackendError("clear scan failed", err)
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Err: wrapped})
		return 0, wrapped
	}
	if len(keys) == 0 {
		a.bus.Emit(storage.Event{Kind: storage.EventClear, Collection: collection, Count: 0})
		return 0, nil
	}

	n, err := a.client.Del(ctx, keys...).Result()
	if err != nil {
		wrapped := storage.NewBackendError("clear failed", err)
		a.bus.Emit(storage.Event{Kind: storage.EventError, Collection: collection, Err: wrapped})
		return 0, wrapped
	}

	a.bus.Emit(storage.Event{Kind: storage.EventClear, Collection: collection, Count: int(n)})
	return int(n), nil
}

func (a *Adapter) Size(ctx context.Context, collection string) (int, error) {
	keys, err := a.scan(ctx, a.collectionPattern(collection))
	if err != nil {
		return 0, storage.NewBackendError("size scan failed", err)
	}
	return len(keys), nil
}

func (a *Adapter) Keys(ctx context.Context, collection string) ([]string, error) {
	if collection == "" {
		return nil, storage.NewValidationError("keys requires a collection")
	}

	full, err := a.scan(ctx, a.collectionPattern(collection))
	if err != nil {
		return nil, storage.NewBackendError("keys scan failed", err)
	}

	stripPrefix := fmt.Sprintf("%s:%s:", a.prefix, collection)
	bare := make([]string, 0, len(full))
	for _, k := range full {
		bare = append(bare, strings.TrimPrefix(k, stripPrefix))
	}
	return bare, nil
}

func (a *Adapter) Events() *storage.Bus { return a.bus }

func (a *Adapter) Close() error {
	a.bus.Close()
	return nil
}

// scan enumerates every key matching pattern using SCAN cursors, never
// blocking Redis with an O(N) KEYS call. Best-effort snapshot
// semantics, matching the design note's acknowledgment that cursor
// scans are not a behavioral change from KEYS.
func (a *Adapter) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		result []string
	)
	for {
		keys, next, err := a.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, err
		}
		result = append(result, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}
