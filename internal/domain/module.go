package domain

import (
	"sort"
	"time"
)

// Field types with numeric values.
const (
	FieldNumber   = "number"
	FieldCurrency = "currency"
)

// FieldDef describes one field of a schema.
type FieldDef struct {
	Type        string         `json:"type" yaml:"type"`
	Label       string         `json:"label" yaml:"label"`
	Required    bool           `json:"required,omitempty" yaml:"required,omitempty"`
	Options     []string       `json:"options,omitempty" yaml:"options,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// IsNumeric returns true for fields aggregated as numbers.
func (f FieldDef) IsNumeric() bool {
	return f.Type == FieldNumber || f.Type == FieldCurrency
}

// Schema is a named field set inside a module.
type Schema struct {
	Label   string              `json:"label,omitempty" yaml:"label,omitempty"`
	Version int                 `json:"version,omitempty" yaml:"version,omitempty"`
	Fields  map[string]FieldDef `json:"fields,omitempty" yaml:"fields,omitempty"`
	Effects []EffectRule        `json:"effects,omitempty" yaml:"effects,omitempty"`
}

// EffectiveVersion returns the schema version, defaulting to 1.
func (s Schema) EffectiveVersion() int {
	if s.Version <= 0 {
		return 1
	}
	return s.Version
}

// RequiredFields returns the keys of required fields in sorted order.
func (s Schema) RequiredFields() []string {
	var keys []string
	for key, f := range s.Fields {
		if f.Required {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// FieldKeys returns all field keys in sorted order.
func (s Schema) FieldKeys() []string {
	keys := make([]string, 0, len(s.Fields))
	for key := range s.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Module groups one or more schemas owned by a user.
type Module struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Schemas     map[string]Schema `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	Settings    map[string]any    `json:"settings,omitempty" yaml:"settings,omitempty"`
	CreatedAt   time.Time         `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time         `json:"updatedAt" yaml:"-"`
}

// SchemaKeys returns the module's schema keys in sorted order.
func (m *Module) SchemaKeys() []string {
	keys := make([]string, 0, len(m.Schemas))
	for key := range m.Schemas {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DefaultSchemaKey is assumed for entries written without a schema key.
const DefaultSchemaKey = "default"

// Entry is one record conforming to a schema.
type Entry struct {
	ID            string         `json:"id"`
	ModuleID      string         `json:"moduleId"`
	SchemaKey     string         `json:"schemaKey"`
	SchemaVersion int            `json:"schemaVersion"`
	Data          map[string]any `json:"data"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}
