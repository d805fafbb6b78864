package wsserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/relaykv/relaykv/internal/storage"
	"github.com/relaykv/relaykv/internal/tenant"
)

// fakeAdapter is an in-memory storage.Adapter used in place of
// internal/redisadapter so the FSM/dispatcher tests exercise no live
// Redis. It supports schema registration so S6 (schema-violation-no-
// broadcast) can be exercised the same way a real Adapter would.
type fakeAdapter struct {
	mu       sync.Mutex
	data     map[string]json.RawMessage
	registry *storage.Registry
	bus      *storage.Bus
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		data:     make(map[string]json.RawMessage),
		registry: storage.NewRegistry(),
		bus:      storage.NewBus(),
	}
}

func fakeAdapterKey(collection, key string) string { return collection + ":" + key }

func (a *fakeAdapter) Get(ctx context.Context, collection, key string) (json.RawMessage, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.data[fakeAdapterKey(collection, key)]
	return v, ok, nil
}

func (a *fakeAdapter) Has(ctx context.Context, collection, key string) (bool, error) {
	_, ok, err := a.Get(ctx, collection, key)
	return ok, err
}

func (a *fakeAdapter) Set(ctx context.Context, collection, key string, value json.RawMessage) error {
	if err := a.registry.Validate(collection, key, value); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[fakeAdapterKey(collection, key)] = value
	return nil
}

func (a *fakeAdapter) Delete(ctx context.Context, collection, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := fakeAdapterKey(collection, key)
	_, ok := a.data[k]
	delete(a.data, k)
	return ok, nil
}

func (a *fakeAdapter) Clear(ctx context.Context, collection string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	prefix := collection + ":"
	for k := range a.data {
		if collection == "" || strings.HasPrefix(k, prefix) {
			delete(a.data, k)
			n++
		}
	}
	return n, nil
}

func (a *fakeAdapter) Size(ctx context.Context, collection string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	prefix := collection + ":"
	for k := range a.data {
		if collection == "" || strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n, nil
}

func (a *fakeAdapter) Keys(ctx context.Context, collection string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := collection + ":"
	var out []string
	for k := range a.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	return out, nil
}

func (a *fakeAdapter) Events() *storage.Bus { return a.bus }

func (a *fakeAdapter) Close() error {
	a.bus.Close()
	return nil
}

var _ storage.Adapter = (*fakeAdapter)(nil)

// fakeTenantStore is an in-memory TenantStore, keyed the same way
// *tenant.Manager keys its cache (DeriveID(token)), so tests can
// authenticate with an arbitrary token and still exercise admin gating.
type fakeTenantStore struct {
	mu      sync.Mutex
	buckets map[string]*fakeAdapter
	admins  map[string]bool
}

func newFakeTenantStore() *fakeTenantStore {
	return &fakeTenantStore{
		buckets: make(map[string]*fakeAdapter),
		admins:  make(map[string]bool),
	}
}

func (f *fakeTenantStore) EnsureUserBucket(ctx context.Context, token string) (storage.Adapter, error) {
	id := tenant.DeriveID(token)
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.buckets[id]; ok {
		return a, nil
	}
	a := newFakeAdapter()
	f.buckets[id] = a
	return a, nil
}

func (f *fakeTenantStore) DeleteUserBucket(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[tenantID]; !ok {
		return storage.NewValidationError("unknown tenant: " + tenantID)
	}
	delete(f.buckets, tenantID)
	return nil
}

func (f *fakeTenantStore) Metadata(tenantID string) (tenant.Metadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.buckets[tenantID]
	return tenant.Metadata{UserID: tenantID, IsAdmin: f.admins[tenantID]}, ok
}

func (f *fakeTenantStore) IsAdmin(tenantID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[tenantID]
}

func (f *fakeTenantStore) grantAdmin(token string) {
	id := tenant.DeriveID(token)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admins[id] = true
}

func (f *fakeTenantStore) ListUsers() []tenant.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tenant.Metadata, 0, len(f.buckets))
	for id := range f.buckets {
		out = append(out, tenant.Metadata{UserID: id, IsAdmin: f.admins[id]})
	}
	return out
}

var _ TenantStore = (*fakeTenantStore)(nil)
