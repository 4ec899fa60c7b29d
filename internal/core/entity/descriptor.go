package entity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tallyhq/tallyd/internal/core/vclock"
)

// Descriptor declares one managed entity type: the value keys it owns, which
// of them are sensitive, and its validation rules. Descriptors are static;
// the registry resolves them by type name.
type Descriptor struct {
	// Type is the entity type name as it appears in requests and keys.
	Type string

	// Keys is the set of value keys the type owns; payloads carrying other
	// keys are rejected.
	Keys []string

	// Sensitive lists the keys that must be vault ciphertext at rest.
	Sensitive []string

	// Required lists keys that must be present on create.
	Required []string

	// Check runs type-specific validation over the fields present in value.
	// It sees the full merged value on applies and the bare patch on
	// enqueue, so it must only judge keys that are present.
	Check func(value map[string]any) error

	// Indexes hints which value keys the read path filters by.
	Indexes []string

	// Resolution selects how concurrent writes on this type are settled.
	// The zero value is last-writer-wins.
	Resolution vclock.Policy

	owned map[string]bool
}

func (d *Descriptor) ownedKey(key string) bool {
	if d.owned == nil {
		d.owned = make(map[string]bool, len(d.Keys))
		for _, k := range d.Keys {
			d.owned[k] = true
		}
	}
	return d.owned[key]
}

// ValidateValue checks value against the descriptor. With partial set,
// required keys may be absent (update patches); key ownership and field
// checks always apply.
func (d *Descriptor) ValidateValue(value map[string]any, partial bool) error {
	for key := range value {
		if !d.ownedKey(key) {
			return fmt.Errorf("%w: %s does not own key %q", ErrValidation, d.Type, key)
		}
	}
	if !partial {
		for _, key := range d.Required {
			if v, ok := value[key]; !ok || v == nil {
				return fmt.Errorf("%w: %s requires %q", ErrValidation, d.Type, key)
			}
		}
	}
	if d.Check != nil {
		if err := d.Check(value); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// IsSensitive reports whether key is declared sensitive.
func (d *Descriptor) IsSensitive(key string) bool {
	for _, s := range d.Sensitive {
		if s == key {
			return true
		}
	}
	return false
}

// Registry resolves entity types to their descriptors.
type Registry struct {
	types map[string]*Descriptor
}

// NewRegistry builds a registry over the given descriptors.
func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{types: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor; duplicate type names are refused.
func (r *Registry) Register(d *Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("%w: descriptor without a type name", ErrUnknownType)
	}
	if _, dup := r.types[d.Type]; dup {
		return fmt.Errorf("entity type %q registered twice", d.Type)
	}
	for _, s := range d.Sensitive {
		if !d.ownedKey(s) {
			return fmt.Errorf("entity type %q marks unowned key %q sensitive", d.Type, s)
		}
	}
	r.types[d.Type] = d
	return nil
}

// Resolve returns the descriptor for entityType.
func (r *Registry) Resolve(entityType string) (*Descriptor, error) {
	d, ok := r.types[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, entityType)
	}
	return d, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default returns the registry of the tracker's built-in entity types.
func Default() *Registry {
	r, err := NewRegistry(
		TransactionDescriptor(),
		BudgetDescriptor(),
		PolicyDescriptor(),
		AccountLinkDescriptor(),
	)
	if err != nil {
		panic(err)
	}
	return r
}

// TransactionDescriptor describes a recorded financial transaction.
func TransactionDescriptor() *Descriptor {
	return &Descriptor{
		Type:      "transaction",
		Keys:      []string{"amount", "category", "note", "merchant", "occurredAt"},
		Sensitive: []string{"note"},
		Required:  []string{"amount"},
		Indexes:   []string{"category", "occurredAt"},
		Check: func(value map[string]any) error {
			if raw, ok := value["amount"]; ok {
				if _, ok := asNumber(raw); !ok {
					return fmt.Errorf("amount must be a number, got %T", raw)
				}
			}
			return requireStrings(value, "category", "merchant", "occurredAt")
		},
	}
}

// BudgetDescriptor describes a spending budget.
func BudgetDescriptor() *Descriptor {
	periods := map[string]bool{"weekly": true, "monthly": true, "quarterly": true, "yearly": true}
	return &Descriptor{
		Type:     "budget",
		Keys:     []string{"name", "limitAmount", "period", "categories"},
		Required: []string{"name", "limitAmount", "period"},
		Indexes:  []string{"period"},
		Check: func(value map[string]any) error {
			if raw, ok := value["limitAmount"]; ok {
				n, ok := asNumber(raw)
				if !ok {
					return fmt.Errorf("limitAmount must be a number, got %T", raw)
				}
				if n < 0 {
					return fmt.Errorf("limitAmount must be >= 0, got %v", n)
				}
			}
			if raw, ok := value["period"]; ok {
				p, _ := raw.(string)
				if !periods[p] {
					return fmt.Errorf("period must be weekly, monthly, quarterly, or yearly; got %v", raw)
				}
			}
			return requireStrings(value, "name")
		},
	}
}

// PolicyDescriptor describes an approval policy rule.
func PolicyDescriptor() *Descriptor {
	return &Descriptor{
		Type:      "policy",
		Keys:      []string{"name", "rule", "approverId", "active"},
		Sensitive: []string{"approverId"},
		Required:  []string{"name", "rule"},
		Check: func(value map[string]any) error {
			if raw, ok := value["rule"]; ok {
				if s, _ := raw.(string); strings.TrimSpace(s) == "" {
					return fmt.Errorf("rule must be a non-empty string")
				}
			}
			if raw, ok := value["active"]; ok && raw != nil {
				if _, isBool := raw.(bool); !isBool {
					return fmt.Errorf("active must be a bool, got %T", raw)
				}
			}
			return requireStrings(value, "name")
		},
	}
}

// AccountLinkDescriptor describes a linked bank account.
func AccountLinkDescriptor() *Descriptor {
	return &Descriptor{
		Type:      "account_link",
		Keys:      []string{"institution", "accountNumber", "routingNumber", "alias"},
		Sensitive: []string{"accountNumber", "routingNumber"},
		Required:  []string{"institution", "accountNumber"},
		Check: func(value map[string]any) error {
			return requireStrings(value, "institution", "accountNumber", "routingNumber", "alias")
		},
	}
}

// asNumber accepts the numeric shapes that reach us from JSON, CBOR, and Go
// callers.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// requireStrings validates that each named key, when present and non-nil,
// holds a string.
func requireStrings(value map[string]any, keys ...string) error {
	for _, key := range keys {
		raw, ok := value[key]
		if !ok || raw == nil {
			continue
		}
		if _, isString := raw.(string); !isString {
			return fmt.Errorf("%s must be a string, got %T", key, raw)
		}
	}
	return nil
}
