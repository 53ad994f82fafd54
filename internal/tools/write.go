package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/effects"
	"github.com/ashureev/aj-server/internal/store"
)

type createEntryInput struct {
	ModuleID  string         `json:"moduleId"`
	SchemaKey string         `json:"schemaKey"`
	Data      map[string]any `json:"data"`
}

type createEntryOutput struct {
	ID             string         `json:"id"`
	SchemaKey      string         `json:"schemaKey"`
	Data           map[string]any `json:"data"`
	CreatedAt      string         `json:"createdAt"`
	EffectsWarning string         `json:"effectsWarning,omitempty"`
}

type createEntriesInput struct {
	ModuleID  string `json:"moduleId"`
	SchemaKey string `json:"schemaKey"`
	Entries   []struct {
		Data map[string]any `json:"data"`
	} `json:"entries"`
}

type createEntriesOutput struct {
	Created        int      `json:"created"`
	IDs            []string `json:"ids"`
	SchemaKey      string   `json:"schemaKey"`
	CreatedAt      string   `json:"createdAt"`
	EffectsWarning string   `json:"effectsWarning,omitempty"`
}

type updateEntryInput struct {
	ModuleID string `json:"moduleId"`
	EntryID  string `json:"entryId"`
	Data     object `json:"data"`
}

type updateEntryOutput struct {
	ID             string         `json:"id"`
	SchemaKey      string         `json:"schemaKey"`
	Data           map[string]any `json:"data"`
	UpdatedAt      string         `json:"updatedAt"`
	EffectsWarning string         `json:"effectsWarning,omitempty"`
}

type updateEntriesInput struct {
	ModuleID string `json:"moduleId"`
	Entries  []struct {
		EntryID string `json:"entryId"`
		Data    object `json:"data"`
	} `json:"entries"`
}

type updateEntriesOutput struct {
	Updated        int      `json:"updated"`
	IDs            []string `json:"ids"`
	UpdatedAt      string   `json:"updatedAt"`
	EffectsWarning string   `json:"effectsWarning,omitempty"`
}

func decodeInput(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return inputErrorf("Invalid input: %v", err)
	}
	return nil
}

func (d *Dispatcher) loadModule(ctx context.Context, userID, moduleID string) (*domain.Module, error) {
	module, err := d.store.GetModule(ctx, userID, moduleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, inputErrorf("Module %q not found.", moduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}
	return module, nil
}

func lookupSchema(module *domain.Module, schemaKey string) (domain.Schema, error) {
	schema, ok := module.Schemas[schemaKey]
	if !ok {
		return domain.Schema{}, inputErrorf("Schema %q not found. Available: %s",
			schemaKey, strings.Join(module.SchemaKeys(), ", "))
	}
	return schema, nil
}

func missingRequired(schema domain.Schema, data map[string]any) []string {
	var missing []string
	for _, key := range schema.RequiredFields() {
		if v, ok := data[key]; !ok || v == nil {
			missing = append(missing, key)
		}
	}
	return missing
}

func unknownFields(schema domain.Schema, data object) []string {
	var unknown []string
	for _, key := range data.keys {
		if _, ok := schema.Fields[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	return unknown
}

func (d *Dispatcher) createEntry(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	var in createEntryInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	if in.SchemaKey == "" {
		in.SchemaKey = domain.DefaultSchemaKey
	}
	if in.Data == nil {
		in.Data = map[string]any{}
	}

	module, err := d.loadModule(ctx, userID, in.ModuleID)
	if err != nil {
		return nil, err
	}
	schema, err := lookupSchema(module, in.SchemaKey)
	if err != nil {
		return nil, err
	}
	if missing := missingRequired(schema, in.Data); len(missing) > 0 {
		return nil, inputErrorf("Missing required fields: %s", strings.Join(missing, ", "))
	}

	entry := &domain.Entry{SchemaKey: in.SchemaKey, SchemaVersion: schema.EffectiveVersion(), Data: in.Data}
	if err := d.store.InsertEntries(ctx, userID, module.ID, []*domain.Entry{entry}); err != nil {
		return nil, fmt.Errorf("write entry: %w", err)
	}

	warning := d.propagate(ctx, userID, module.ID, []trigger{{rules: schema.Effects, data: in.Data}})
	return createEntryOutput{
		ID:             entry.ID,
		SchemaKey:      in.SchemaKey,
		Data:           in.Data,
		CreatedAt:      isoTime(entry.CreatedAt),
		EffectsWarning: warning,
	}, nil
}

func (d *Dispatcher) createEntries(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	var in createEntriesInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	if len(in.Entries) == 0 {
		return nil, inputErrorf("entries must be a non-empty array.")
	}
	if len(in.Entries) > d.cfg.MaxBatch {
		return nil, inputErrorf("Maximum %d entries per batch.", d.cfg.MaxBatch)
	}
	if in.SchemaKey == "" {
		in.SchemaKey = domain.DefaultSchemaKey
	}

	module, err := d.loadModule(ctx, userID, in.ModuleID)
	if err != nil {
		return nil, err
	}
	schema, err := lookupSchema(module, in.SchemaKey)
	if err != nil {
		return nil, err
	}

	entries := make([]*domain.Entry, 0, len(in.Entries))
	triggers := make([]trigger, 0, len(in.Entries))
	for i, e := range in.Entries {
		data := e.Data
		if data == nil {
			data = map[string]any{}
		}
		if missing := missingRequired(schema, data); len(missing) > 0 {
			return nil, inputErrorf("Entry %d: missing required fields: %s", i+1, strings.Join(missing, ", "))
		}
		entries = append(entries, &domain.Entry{SchemaKey: in.SchemaKey, SchemaVersion: schema.EffectiveVersion(), Data: data})
		triggers = append(triggers, trigger{rules: schema.Effects, data: data})
	}

	if err := d.store.InsertEntries(ctx, userID, module.ID, entries); err != nil {
		return nil, fmt.Errorf("write entries: %w", err)
	}
	d.logger.Info("batch created entries", "user_id", userID, "module_id", module.ID, "schema_key", in.SchemaKey, "count", len(entries))

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	warning := d.propagate(ctx, userID, module.ID, triggers)
	return createEntriesOutput{
		Created:        len(entries),
		IDs:            ids,
		SchemaKey:      in.SchemaKey,
		CreatedAt:      isoTime(entries[0].CreatedAt),
		EffectsWarning: warning,
	}, nil
}

func (d *Dispatcher) loadEntry(ctx context.Context, userID, moduleID, entryID string) (*domain.Entry, error) {
	entry, err := d.store.GetEntry(ctx, userID, moduleID, entryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, inputErrorf("Entry %q not found.", entryID)
	}
	if err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	if entry.SchemaKey == "" {
		entry.SchemaKey = domain.DefaultSchemaKey
	}
	return entry, nil
}

func (d *Dispatcher) updateEntry(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	var in updateEntryInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}

	module, err := d.loadModule(ctx, userID, in.ModuleID)
	if err != nil {
		return nil, err
	}
	entry, err := d.loadEntry(ctx, userID, module.ID, in.EntryID)
	if err != nil {
		return nil, err
	}

	// Entries of a schema that no longer exists accept any field.
	schema, hasSchema := module.Schemas[entry.SchemaKey]
	if hasSchema {
		if unknown := unknownFields(schema, in.Data); len(unknown) > 0 {
			return nil, inputErrorf("Unknown fields for schema %q: %s", entry.SchemaKey, strings.Join(unknown, ", "))
		}
	}

	changes := in.Data.Map()
	if err := d.store.MergeEntryFields(ctx, userID, module.ID, map[string]map[string]any{entry.ID: changes}); err != nil {
		return nil, fmt.Errorf("update entry: %w", err)
	}

	warning := d.propagate(ctx, userID, module.ID, []trigger{{rules: schema.Effects, data: merged(entry.Data, changes)}})

	updated, err := d.store.GetEntry(ctx, userID, module.ID, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("read back entry: %w", err)
	}
	return updateEntryOutput{
		ID:             updated.ID,
		SchemaKey:      entry.SchemaKey,
		Data:           updated.Data,
		UpdatedAt:      isoTime(updated.UpdatedAt),
		EffectsWarning: warning,
	}, nil
}

func (d *Dispatcher) updateEntries(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	var in updateEntriesInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	if len(in.Entries) == 0 {
		return nil, inputErrorf("entries must be a non-empty array.")
	}
	if len(in.Entries) > d.cfg.MaxBatch {
		return nil, inputErrorf("Maximum %d entries per batch.", d.cfg.MaxBatch)
	}

	module, err := d.loadModule(ctx, userID, in.ModuleID)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]map[string]any, len(in.Entries))
	existing := make(map[string]*domain.Entry, len(in.Entries))
	ids := make([]string, 0, len(in.Entries))
	for _, e := range in.Entries {
		entry, ok := existing[e.EntryID]
		if !ok {
			entry, err = d.loadEntry(ctx, userID, module.ID, e.EntryID)
			if err != nil {
				return nil, err
			}
			existing[e.EntryID] = entry
		}
		if schema, ok := module.Schemas[entry.SchemaKey]; ok {
			if unknown := unknownFields(schema, e.Data); len(unknown) > 0 {
				return nil, inputErrorf("Entry %q: unknown fields for schema %q: %s",
					e.EntryID, entry.SchemaKey, strings.Join(unknown, ", "))
			}
		}
		if updates[entry.ID] == nil {
			updates[entry.ID] = map[string]any{}
		}
		for k, v := range e.Data.Map() {
			updates[entry.ID][k] = v
		}
		ids = append(ids, e.EntryID)
	}

	if err := d.store.MergeEntryFields(ctx, userID, module.ID, updates); err != nil {
		return nil, fmt.Errorf("update entries: %w", err)
	}
	d.logger.Info("batch updated entries", "user_id", userID, "module_id", module.ID, "count", len(in.Entries))

	triggers := make([]trigger, 0, len(updates))
	seen := make(map[string]bool, len(updates))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		entry := existing[id]
		triggers = append(triggers, trigger{
			rules: module.Schemas[entry.SchemaKey].Effects,
			data:  merged(entry.Data, updates[id]),
		})
	}
	warning := d.propagate(ctx, userID, module.ID, triggers)

	first, err := d.store.GetEntry(ctx, userID, module.ID, ids[0])
	if err != nil {
		return nil, fmt.Errorf("read back entry: %w", err)
	}
	return updateEntriesOutput{
		Updated:        len(in.Entries),
		IDs:            ids,
		UpdatedAt:      isoTime(first.UpdatedAt),
		EffectsWarning: warning,
	}, nil
}

func merged(base, changes map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(changes))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// trigger is one written entry whose schema rules may fire.
type trigger struct {
	rules []domain.EffectRule
	data  map[string]any
}

// propagate evaluates the effect rules of every trigger against the module's
// current entries and applies the combined update map once. The write that
// caused it has already committed, so a failure only yields a warning.
// Candidates are read outside the merge transaction, so concurrent writes
// against the same target can lose an adjustment.
func (d *Dispatcher) propagate(ctx context.Context, userID, moduleID string, triggers []trigger) string {
	hasRules := false
	for _, t := range triggers {
		if len(t.rules) > 0 {
			hasRules = true
			break
		}
	}
	if !hasRules {
		return ""
	}

	entries, err := d.store.ListEntries(ctx, userID, moduleID, "")
	if err != nil {
		d.logger.Warn("schema effects failed, entry was still written", "user_id", userID, "module_id", moduleID, "error", err)
		return "Effects could not be applied: " + err.Error()
	}
	candidates := make([]effects.Record, 0, len(entries))
	for _, e := range entries {
		candidates = append(candidates, effects.Record{ID: e.ID, Data: e.Data})
	}

	batch := effects.NewBatch(candidates)
	for _, t := range triggers {
		batch.Add(t.rules, t.data)
	}
	if err := effects.Apply(ctx, d.store, userID, moduleID, batch.Updates()); err != nil {
		d.logger.Warn("schema effects failed, entry was still written", "user_id", userID, "module_id", moduleID, "error", err)
		return "Effects could not be applied: " + err.Error()
	}
	return ""
}
