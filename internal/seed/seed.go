// Package seed loads module definitions from YAML files.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/effects"
)

// File is the top-level document of a seed file.
type File struct {
	Modules []*domain.Module `yaml:"modules"`
}

// ModuleWriter persists module definitions.
type ModuleWriter interface {
	UpsertModule(ctx context.Context, userID string, module *domain.Module) error
}

// LoadFile reads and validates the module definitions in path.
func LoadFile(path string) ([]*domain.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	modules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return modules, nil
}

// Parse decodes and validates a seed document.
func Parse(data []byte) ([]*domain.Module, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse modules: %w", err)
	}
	if len(f.Modules) == 0 {
		return nil, errors.New("no modules defined")
	}

	seen := make(map[string]bool, len(f.Modules))
	var errs []error
	for i, m := range f.Modules {
		if m == nil {
			errs = append(errs, fmt.Errorf("modules[%d]: empty definition", i))
			continue
		}
		if m.ID != "" && seen[m.ID] {
			errs = append(errs, fmt.Errorf("modules[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		for _, err := range validateModule(m) {
			errs = append(errs, fmt.Errorf("module %q: %w", m.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Modules, nil
}

// Import writes modules for userID and returns how many were written.
func Import(ctx context.Context, w ModuleWriter, userID string, modules []*domain.Module) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user id is required")
	}
	for i, m := range modules {
		if err := w.UpsertModule(ctx, userID, m); err != nil {
			return i, fmt.Errorf("upsert module %q: %w", m.ID, err)
		}
	}
	return len(modules), nil
}

func validateModule(m *domain.Module) []error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(m.Schemas) == 0 {
		errs = append(errs, errors.New("at least one schema is required"))
	}
	for _, key := range m.SchemaKeys() {
		schema := m.Schemas[key]
		for _, field := range schema.FieldKeys() {
			def := schema.Fields[field]
			if def.Type == "" {
				errs = append(errs, fmt.Errorf("schema %q field %q: type is required", key, field))
			}
		}
		for i, rule := range schema.Effects {
			if err := validateEffect(rule); err != nil {
				errs = append(errs, fmt.Errorf("schema %q effects[%d]: %w", key, i, err))
			}
		}
	}
	return errs
}

func validateEffect(rule domain.EffectRule) error {
	if rule.ReferenceField == "" || rule.TargetField == "" {
		return errors.New("referenceField and targetField are required")
	}
	switch rule.Type {
	case domain.EffectAdjustReference:
		if rule.Operation != domain.OperationAdd && rule.Operation != domain.OperationSubtract {
			return fmt.Errorf("unknown operation %q", rule.Operation)
		}
		if rule.AmountField == "" {
			if rule.Amount == nil {
				return errors.New("amount or amountField is required")
			}
			if _, ok := effects.ToNumber(rule.Amount); !ok {
				return fmt.Errorf("amount %v is not a number", rule.Amount)
			}
		}
	case domain.EffectSetReference:
		if rule.SourceField == "" && rule.Value == nil {
			return errors.New("value or sourceField is required")
		}
	default:
		return fmt.Errorf("unknown effect type %q", rule.Type)
	}
	return nil
}
