// Package storage defines the uniform key-value contract every tenant
// bucket is accessed through (collections of string keys, JSON-encoded
// values, optional per-(collection,key) schema validation) plus the
// local, in-process event bus adapters use to notify subscribers of
// mutations. This is intentionally decoupled from any channel-broker
// broadcast: local events and cross-connection broadcasts are two
// separate mechanisms, per the source's own design notes.
package storage

import (
	"context"
	"encoding/json"
)

// Adapter is the uniform, asynchronous key-value contract every
// storage backend (a namespaced Redis adapter, a remote client
// adapter, or a test double) implements.
type Adapter interface {
	// Get returns the stored, schema-validated value for (collection,
	// key), or (nil, false, nil) if absent.
	Get(ctx context.Context, collection, key string) (value json.RawMessage, found bool, err error)

	// Has reports whether a value is stored for (collection, key).
	Has(ctx context.Context, collection, key string) (bool, error)

	// Set validates value against any schema registered for
	// (collection, key), persists it, and emits a local "set" event.
	// The write never happens if validation fails.
	Set(ctx context.Context, collection, key string, value json.RawMessage) error

	// Delete removes (collection, key). The boolean reports whether a
	// value was actually removed.
	Delete(ctx context.Context, collection, key string) (bool, error)

	// Clear removes every key in collection, or every collection when
	// collection is empty, returning the number of keys removed.
	Clear(ctx context.Context, collection string) (int, error)

	// Size counts the keys in collection, or across every collection
	// when collection is empty.
	Size(ctx context.Context, collection string) (int, error)

	// Keys lists the bare key names stored in collection.
	Keys(ctx context.Context, collection string) ([]string, error)

	// Events returns the adapter's local event bus.
	Events() *Bus

	// Close releases resources and unsubscribes every local handler.
	Close() error
}

// SchemaRegistry is implemented by anything that can validate a value
// destined for (collection, key) before it is written, or on read-back.
type SchemaRegistry interface {
	// RegisterSchema installs a validator for (collection, key). A nil
	// validator removes any previously registered schema.
	RegisterSchema(collection, key string, schema *Schema)

	// Validate checks value against whatever schema is registered for
	// (collection, key); returns nil if no schema is registered.
	Validate(collection, key string, value json.RawMessage) error
}
