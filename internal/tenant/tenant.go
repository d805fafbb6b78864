// Package tenant implements the bucket manager (component C): it maps
// a client token to a tenant-id, owns that tenant's metadata record,
// and hands out a namespaced storage.Adapter per tenant. Tenant
// identity is a content-derived hash of the token, used purely as a
// storage-key prefix — never as a security boundary, which remains the
// handshake's job.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"

	"github.com/relaykv/relaykv/internal/logging"
	"github.com/relaykv/relaykv/internal/metrics"
	"github.com/relaykv/relaykv/internal/redisadapter"
	"github.com/relaykv/relaykv/internal/storage"
)

var log = logging.Get("tenant")

const (
	allUsersKey          = "all_users"
	metadataKeyPrefix    = "user_metadata:"
	dataKeyPrefix        = "user_data:"
	tenantIDPrefix       = "user_"
)

// Metadata is the persisted record for one tenant.
type Metadata struct {
	UserID         string `json:"userId"`
	CreatedAt      int64  `json:"createdAt"`
	LastAccessedAt int64  `json:"lastAccessedAt"`
	IsActive       bool   `json:"isActive"`

	// IsAdmin is a capability flag resolved entirely server-side (see
	// SPEC_FULL.md §9): it is never deserialized from a client-supplied
	// frame and has no wire representation in the request protocol.
	IsAdmin bool `json:"isAdmin"`
}

// DeriveID computes the tenant-id for token. This is a pure,
// non-cryptographic function of the token — collisions are tolerable
// key-prefix noise, not a security concern, so FNV-1a is enough.
func DeriveID(token string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("%s%016x", tenantIDPrefix, h.Sum64())
}

type bucket struct {
	metadata Metadata
	adapter  *redisadapter.Adapter
}

// Manager is the bucket manager. A single Manager is shared by every
// connection on a server; tenant adapters are created lazily and
// cached for the process lifetime.
type Manager struct {
	client *redis.Client
	cache  *xsync.MapOf[string, *bucket]
}

// New builds a Manager sharing client with every tenant adapter it
// creates.
func New(client *redis.Client) *Manager {
	return &Manager{
		client: client,
		cache:  xsync.NewMapOf[string, *bucket](),
	}
}

// Initialize loads every known tenant-id from all_users and hydrates
// the in-memory cache. Tenants whose metadata fails to decode are
// logged and skipped — not a hard failure, matching the adapter-level
// schema-validation tolerance elsewhere in the fabric.
func (m *Manager) Initialize(ctx context.Context) error {
	ids, err := m.client.SMembers(ctx, allUsersKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("tenant: failed to list all_users: %w", err)
	}

	for _, id := range ids {
		meta, err := m.loadMetadata(ctx, id)
		if err != nil {
			log.Warnf("skipping tenant %s: %v", id, err)
			continue
		}
		m.cache.Store(id, &bucket{
			metadata: *meta,
			adapter:  redisadapter.New(m.client, dataKeyPrefix+id),
		})
	}

	log.Infof("loaded %d tenant(s)", len(ids))
	metrics.SetTenantTotal(m.cache.Size())
	return nil
}

func (m *Manager) loadMetadata(ctx context.Context, tenantID string) (*Metadata, error) {
	raw, err := m.client.Get(ctx, metadataKeyPrefix+tenantID).Bytes()
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

func (m *Manager) saveMetadata(ctx context.Context, tenantID string, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := m.client.Set(ctx, metadataKeyPrefix+tenantID, raw, 0).Err(); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// EnsureUserBucket returns the tenant's storage adapter, creating the
// metadata record and adapter on first access. lastAccessedAt is
// refreshed on every call.
func (m *Manager) EnsureUserBucket(ctx context.Context, token string) (storage.Adapter, error) {
	tenantID := DeriveID(token)
	now := time.Now().UnixMilli()

	if b, ok := m.cache.Load(tenantID); ok {
		b.metadata.LastAccessedAt = now
		if err := m.saveMetadata(ctx, tenantID, b.metadata); err != nil {
			log.Warnf("failed to persist lastAccessedAt for %s: %v", tenantID, err)
		}
		return b.adapter, nil
	}

	meta := Metadata{
		UserID:         tenantID,
		CreatedAt:      now,
		LastAccessedAt: now,
		IsActive:       true,
	}
	if err := m.saveMetadata(ctx, tenantID, meta); err != nil {
		return nil, fmt.Errorf("tenant: create bucket for %s: %w", tenantID, err)
	}
	if err := m.client.SAdd(ctx, allUsersKey, tenantID).Err(); err != nil {
		return nil, fmt.Errorf("tenant: index bucket for %s: %w", tenantID, err)
	}

	b := &bucket{
		metadata: meta,
		adapter:  redisadapter.New(m.client, dataKeyPrefix+tenantID),
	}
	m.cache.Store(tenantID, b)
	metrics.SetTenantTotal(m.cache.Size())
	log.Infof("created tenant bucket %s", tenantID)
	return b.adapter, nil
}

// GetUserBucket returns the tenant's adapter only if it already
// exists; it never creates one.
func (m *Manager) GetUserBucket(token string) (storage.Adapter, bool) {
	b, ok := m.cache.Load(DeriveID(token))
	if !ok {
		return nil, false
	}
	return b.adapter, true
}

// DeleteUserBucket clears the tenant's data, removes its metadata and
// index entry, and evicts it from the cache.
func (m *Manager) DeleteUserBucket(ctx context.Context, tenantID string) error {
	b, ok := m.cache.Load(tenantID)
	if !ok {
		return storage.NewValidationError("unknown tenant: " + tenantID)
	}

	if _, err := b.adapter.Clear(ctx, ""); err != nil {
		return fmt.Errorf("tenant: clear data for %s: %w", tenantID, err)
	}
	if err := m.client.Del(ctx, metadataKeyPrefix+tenantID).Err(); err != nil {
		return fmt.Errorf("tenant: delete metadata for %s: %w", tenantID, err)
	}
	if err := m.client.SRem(ctx, allUsersKey, tenantID).Err(); err != nil {
		return fmt.Errorf("tenant: unindex %s: %w", tenantID, err)
	}

	_ = b.adapter.Close()
	m.cache.Delete(tenantID)
	metrics.SetTenantTotal(m.cache.Size())
	log.Infof("deleted tenant bucket %s", tenantID)
	return nil
}

// Metadata returns the cached metadata record for tenantID.
func (m *Manager) Metadata(tenantID string) (Metadata, bool) {
	b, ok := m.cache.Load(tenantID)
	if !ok {
		return Metadata{}, false
	}
	return b.metadata, true
}

// GrantAdmin flips the admin capability flag for tenantID. There is no
// wire-reachable equivalent: this is an operator-side call only, per
// the admin-authority resolution in SPEC_FULL.md §9.
func (m *Manager) GrantAdmin(ctx context.Context, tenantID string, admin bool) error {
	b, ok := m.cache.Load(tenantID)
	if !ok {
		return storage.NewValidationError("unknown tenant: " + tenantID)
	}
	b.metadata.IsAdmin = admin
	return m.saveMetadata(ctx, tenantID, b.metadata)
}

// IsAdmin reports whether tenantID currently carries the admin
// capability flag.
func (m *Manager) IsAdmin(tenantID string) bool {
	b, ok := m.cache.Load(tenantID)
	return ok && b.metadata.IsAdmin
}

// ListUsers returns every tenant currently known to the in-memory
// cache. This is deliberately bounded to the cache snapshot rather
// than issuing an unbounded SMEMBERS all_users at request time (see
// SPEC_FULL.md §10).
func (m *Manager) ListUsers() []Metadata {
	var out []Metadata
	m.cache.Range(func(_ string, b *bucket) bool {
		out = append(out, b.metadata)
		return true
	})
	return out
}
