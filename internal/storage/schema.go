package storage

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FieldType is the JSON type a Field's value must decode as.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Field describes one required or optional member of a schema-checked
// JSON object.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is a minimal, dynamically-registerable validator for the
// shape of a stored value. The pack carries no general-purpose
// dynamic JSON-schema library (go-playground/validator/v10, wired in
// internal/gateway for the static presence payload shapes, works against
// Go struct tags and cannot validate a schema chosen at runtime per
// (collection, key)), so this is a small bespoke validator rather than
// a stdlib fallback for something a library already solves.
type Schema struct {
	Fields []Field
}

// NewSchema builds a Schema from its fields.
func NewSchema(fields ...Field) *Schema {
	return &Schema{Fields: fields}
}

// Validate decodes value as a JSON object and checks every required
// field is present with a matching type; present-but-untyped optional
// fields are not checked further.
func (s *Schema) Validate(value json.RawMessage) error {
	var obj map[string]interface{}
	if err := json.Unmarshal(value, &obj); err != nil {
		return fmt.Errorf("value is not a JSON object: %w", err)
	}

	for _, f := range s.Fields {
		v, present := obj[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if !matchesType(v, f.Type) {
			return fmt.Errorf("field %q: expected %s", f.Name, f.Type)
		}
	}
	return nil
}

func matchesType(v interface{}, t FieldType) bool {
	switch t {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		_, ok := v.(float64)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]interface{})
		return ok
	case FieldArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

// Registry is a thread-safe SchemaRegistry keyed by (collection, key).
type Registry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*Schema
}

type schemaKey struct {
	collection, key string
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[schemaKey]*Schema)}
}

func (r *Registry) RegisterSchema(collection, key string, schema *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := schemaKey{collection, key}
	if schema == nil {
		delete(r.schemas, k)
		return
	}
	r.schemas[k] = schema
}

func (r *Registry) Validate(collection, key string, value json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaKey{collection, key}]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(value); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}
