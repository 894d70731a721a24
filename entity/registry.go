package entity

import (
	"errors"
	"fmt"
)

// ErrUnknownType is returned when no descriptor covers an entity type.
var ErrUnknownType = errors.New("entity: unknown entity type")

// ValidationError wraps a descriptor validation failure so handlers can
// map it to a 4xx without string matching.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("entity: invalid %s: %s", e.Field, e.Reason)
}

// ValidatorFunc checks a candidate value before any mutation is accepted.
type ValidatorFunc func(value map[string]interface{}) error

// Descriptor declares the schema surface of one entity type: the keys it
// owns, which keys must transit the vault, and its validator.
type Descriptor struct {
	Type          string
	OwnedKeys     []string
	SensitiveKeys []string
	Validate      ValidatorFunc
}

// Registry resolves entity types to descriptors. It replaces dynamic
// model lookup by name with a static table built at startup.
type Registry struct {
	descriptors map[string]*Descriptor
}

func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.descriptors[d.Type] = d
	}
	return r
}

// Resolve returns the descriptor for entityType.
func (r *Registry) Resolve(entityType string) (*Descriptor, error) {
	d, ok := r.descriptors[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, entityType)
	}
	return d, nil
}

// Types lists the registered entity types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.descriptors))
	for t := range r.descriptors {
		out = append(out, t)
	}
	return out
}

func requireString(value map[string]interface{}, field string) error {
	v, ok := value[field]
	if !ok {
		return &ValidationError{Field: field, Reason: "required"}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return &ValidationError{Field: field, Reason: "must be a non-empty string"}
	}
	return nil
}

func requireNumber(value map[string]interface{}, field string) error {
	v, ok := value[field]
	if !ok {
		return &ValidationError{Field: field, Reason: "required"}
	}
	switch v.(type) {
	case float64, float32, int, int64:
		return nil
	}
	return &ValidationError{Field: field, Reason: "must be a number"}
}

// DefaultRegistry covers the financial entity types the tracker manages.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&Descriptor{
			Type:          "transaction",
			OwnedKeys:     []string{"amount", "category", "currency", "description", "notes", "accountNumber", "occurredAt", "deductible"},
			SensitiveKeys: []string{"notes", "accountNumber"},
			Validate: func(value map[string]interface{}) error {
				if err := requireNumber(value, "amount"); err != nil {
					return err
				}
				return requireString(value, "category")
			},
		},
		&Descriptor{
			Type:      "budget",
			OwnedKeys: []string{"name", "limit", "period", "category"},
			Validate: func(value map[string]interface{}) error {
				if err := requireString(value, "name"); err != nil {
					return err
				}
				return requireNumber(value, "limit")
			},
		},
		&Descriptor{
			Type:      "policy",
			OwnedKeys: []string{"name", "rules", "enabled"},
			Validate: func(value map[string]interface{}) error {
				return requireString(value, "name")
			},
		},
		&Descriptor{
			Type:          "workspace",
			OwnedKeys:     []string{"name", "ownerId", "parentId", "inherit", "active", "billingAccount"},
			SensitiveKeys: []string{"billingAccount"},
			Validate: func(value map[string]interface{}) error {
				if err := requireString(value, "name"); err != nil {
					return err
				}
				return requireString(value, "ownerId")
			},
		},
	)
}
