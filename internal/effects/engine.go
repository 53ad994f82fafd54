// Package effects computes and applies derived updates that a write to one
// entry propagates to the entries it references.
package effects

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ashureev/aj-server/internal/domain"
)

// UpdateMap maps an entry ID to the partial field updates for that entry.
type UpdateMap map[string]map[string]any

// Record is a candidate entry a rule may reference.
type Record struct {
	ID   string
	Data map[string]any
}

// Batch accumulates updates over one or more triggering writes. Later rules
// read values already accumulated in the batch, so several adjustments to
// the same field compose instead of overwriting each other.
type Batch struct {
	byID    map[string]Record
	updates UpdateMap
}

// NewBatch indexes the candidate records. Rules referencing an ID missing
// from candidates are skipped.
func NewBatch(candidates []Record) *Batch {
	byID := make(map[string]Record, len(candidates))
	for _, r := range candidates {
		byID[r.ID] = r
	}
	return &Batch{byID: byID, updates: make(UpdateMap)}
}

// Add evaluates rules in order against trigger, the field set of the entry
// that changed.
func (b *Batch) Add(rules []domain.EffectRule, trigger map[string]any) {
	for _, rule := range rules {
		switch rule.Type {
		case domain.EffectAdjustReference:
			b.adjust(rule, trigger)
		case domain.EffectSetReference:
			b.set(rule, trigger)
		}
	}
}

// Updates returns the accumulated update map. It is empty when no rule fired.
func (b *Batch) Updates() UpdateMap {
	return b.updates
}

// ComputeUpdates evaluates rules for a single triggering write.
func ComputeUpdates(rules []domain.EffectRule, trigger map[string]any, candidates []Record) UpdateMap {
	b := NewBatch(candidates)
	b.Add(rules, trigger)
	return b.Updates()
}

func (b *Batch) target(rule domain.EffectRule, trigger map[string]any) (Record, bool) {
	if rule.ReferenceField == "" || rule.TargetField == "" {
		return Record{}, false
	}
	id := referenceID(trigger[rule.ReferenceField])
	if id == "" {
		return Record{}, false
	}
	rec, ok := b.byID[id]
	return rec, ok
}

func (b *Batch) adjust(rule domain.EffectRule, trigger map[string]any) {
	if rule.Operation != domain.OperationAdd && rule.Operation != domain.OperationSubtract {
		return
	}
	rec, ok := b.target(rule, trigger)
	if !ok {
		return
	}

	// A literal amount wins over amountField.
	var amount float64
	if rule.Amount != nil {
		amount, ok = ToNumber(rule.Amount)
	} else {
		if rule.AmountField == "" {
			return
		}
		amount, ok = ToNumber(trigger[rule.AmountField])
	}
	if !ok {
		return
	}

	current, ok := b.currentValue(rec, rule.TargetField)
	if !ok {
		current = 0
	}
	if rule.Operation == domain.OperationAdd {
		current += amount
	} else {
		current -= amount
	}
	b.put(rec.ID, rule.TargetField, current)
}

func (b *Batch) set(rule domain.EffectRule, trigger map[string]any) {
	rec, ok := b.target(rule, trigger)
	if !ok {
		return
	}
	var value any
	if rule.SourceField != "" {
		value = trigger[rule.SourceField]
	} else {
		value = rule.Value
	}
	if value == nil {
		return
	}
	b.put(rec.ID, rule.TargetField, value)
}

// currentValue prefers the value accumulated in this batch over the stored one.
func (b *Batch) currentValue(rec Record, field string) (float64, bool) {
	if fields, ok := b.updates[rec.ID]; ok {
		if v, ok := fields[field]; ok {
			return ToNumber(v)
		}
	}
	return ToNumber(rec.Data[field])
}

func (b *Batch) put(id, field string, value any) {
	fields, ok := b.updates[id]
	if !ok {
		fields = make(map[string]any)
		b.updates[id] = fields
	}
	fields[field] = value
}

func referenceID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// ToNumber converts JSON- and YAML-decoded values to float64. Strings are
// parsed after trimming; empty strings, NaN and infinities do not parse.
func ToNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
