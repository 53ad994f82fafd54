package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/ashureev/aj-server/internal/domain"
)

type queryFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

type queryEntriesInput struct {
	ModuleID  string        `json:"moduleId"`
	SchemaKey string        `json:"schemaKey"`
	Filters   []queryFilter `json:"filters"`
	OrderBy   string        `json:"orderBy"`
	Limit     *float64      `json:"limit"`
}

type entryView struct {
	ID        string         `json:"id"`
	SchemaKey string         `json:"schemaKey"`
	Data      map[string]any `json:"data"`
	CreatedAt string         `json:"createdAt"`
}

type queryEntriesOutput struct {
	Count   int         `json:"count"`
	Entries []entryView `json:"entries"`
}

func (d *Dispatcher) queryLimit(requested *float64) int {
	if requested == nil {
		return d.cfg.QueryDefaultLimit
	}
	// Clamp as a float; out-of-range int conversion is undefined.
	if *requested >= float64(d.cfg.QueryMaxLimit) {
		return d.cfg.QueryMaxLimit
	}
	if *requested < 1 {
		return 1
	}
	return int(*requested)
}

func (d *Dispatcher) queryEntries(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	var in queryEntriesInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	limit := d.queryLimit(in.Limit)

	module, err := d.loadModule(ctx, userID, in.ModuleID)
	if err != nil {
		return nil, err
	}
	entries, err := d.store.ListEntries(ctx, userID, module.ID, in.SchemaKey)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}

	matched := entries[:0:0]
	for _, e := range entries {
		if matchesAll(e.Data, in.Filters) {
			matched = append(matched, e)
		}
	}

	// The store order (newest first, then ID) is the tie-breaker.
	if in.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			return orderedBefore(matched[i].Data, matched[j].Data, in.OrderBy)
		})
	}

	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := queryEntriesOutput{Count: len(matched), Entries: make([]entryView, 0, len(matched))}
	for _, e := range matched {
		out.Entries = append(out.Entries, viewOf(e))
	}
	return out, nil
}

func viewOf(e *domain.Entry) entryView {
	sk := e.SchemaKey
	if sk == "" {
		sk = domain.DefaultSchemaKey
	}
	return entryView{ID: e.ID, SchemaKey: sk, Data: e.Data, CreatedAt: isoTime(e.CreatedAt)}
}

func matchesAll(data map[string]any, filters []queryFilter) bool {
	for _, f := range filters {
		if !matches(data[f.Field], f.Op, f.Value) {
			return false
		}
	}
	return true
}

// matches compares like-typed values only: numbers numerically, strings
// lexically. Mixed types are unequal and never ordered.
func matches(actual any, op string, expected any) bool {
	switch op {
	case "==":
		return equalValues(actual, expected)
	case "!=":
		return !equalValues(actual, expected)
	}

	cmp, ok := compareValues(actual, expected)
	if !ok {
		return false
	}
	switch op {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return true
}

func equalValues(a, b any) bool {
	if an, ok := jsonNumber(a); ok {
		bn, ok := jsonNumber(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	// Objects and arrays never compare equal.
	return false
}

func compareValues(a, b any) (int, bool) {
	if an, ok := jsonNumber(a); ok {
		bn, ok := jsonNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	switch {
	case as < bs:
		return -1, true
	case as > bs:
		return 1, true
	}
	return 0, true
}

// typeRank orders mixed-type values: booleans, numbers, strings, then the rest.
func typeRank(v any) int {
	if _, ok := jsonNumber(v); ok {
		return 2
	}
	switch v.(type) {
	case bool:
		return 1
	case string:
		return 3
	}
	return 4
}

// orderedBefore sorts by field descending with missing values last.
func orderedBefore(a, b map[string]any, field string) bool {
	av, aok := a[field]
	bv, bok := b[field]
	aok = aok && av != nil
	bok = bok && bv != nil
	if !aok || !bok {
		return aok && !bok
	}
	ra, rb := typeRank(av), typeRank(bv)
	if ra != rb {
		return ra > rb
	}
	if ra == 1 {
		return av.(bool) && !bv.(bool)
	}
	cmp, ok := compareValues(av, bv)
	return ok && cmp > 0
}

// jsonNumber accepts real numbers only, never numeric strings.
func jsonNumber(v any) (float64, bool) {
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
	case json.Number:
		parsed, err := n.Float64()
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

type getModuleSummaryInput struct {
	ModuleID  string `json:"moduleId"`
	SchemaKey string `json:"schemaKey"`
}

type aggregate struct {
	Sum float64 `json:"sum"`
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type recentEntry struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt string         `json:"createdAt"`
}

type schemaSummary struct {
	Label             string               `json:"label"`
	EntryCount        int                  `json:"entryCount"`
	RecentEntries     []recentEntry        `json:"recentEntries"`
	NumericAggregates map[string]aggregate `json:"numericAggregates,omitempty"`
}

type moduleSummaryOutput struct {
	ModuleName   string                   `json:"moduleName"`
	TotalEntries int                      `json:"totalEntries"`
	Schemas      map[string]schemaSummary `json:"schemas"`
}

func (d *Dispatcher) getModuleSummary(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	var in getModuleSummaryInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	module, err := d.loadModule(ctx, userID, in.ModuleID)
	if err != nil {
		return nil, err
	}
	entries, err := d.store.ListEntries(ctx, userID, module.ID, in.SchemaKey)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	bySchema := make(map[string][]*domain.Entry)
	for _, e := range entries {
		sk := e.SchemaKey
		if sk == "" {
			sk = domain.DefaultSchemaKey
		}
		bySchema[sk] = append(bySchema[sk], e)
	}

	out := moduleSummaryOutput{
		ModuleName:   module.Name,
		TotalEntries: len(entries),
		Schemas:      make(map[string]schemaSummary, len(bySchema)),
	}
	for sk, group := range bySchema {
		schema := module.Schemas[sk]
		summary := schemaSummary{
			Label:         schema.Label,
			EntryCount:    len(group),
			RecentEntries: make([]recentEntry, 0, d.cfg.SummaryRecent),
		}
		if summary.Label == "" {
			summary.Label = sk
		}
		for i, e := range group {
			if i == d.cfg.SummaryRecent {
				break
			}
			summary.RecentEntries = append(summary.RecentEntries, recentEntry{ID: e.ID, Data: e.Data, CreatedAt: isoTime(e.CreatedAt)})
		}

		for _, key := range schema.FieldKeys() {
			if !schema.Fields[key].IsNumeric() {
				continue
			}
			if agg, ok := aggregateField(group, key); ok {
				if summary.NumericAggregates == nil {
					summary.NumericAggregates = make(map[string]aggregate)
				}
				summary.NumericAggregates[key] = agg
			}
		}
		out.Schemas[sk] = summary
	}
	return out, nil
}

func aggregateField(entries []*domain.Entry, key string) (aggregate, bool) {
	var agg aggregate
	n := 0
	for _, e := range entries {
		v, ok := jsonNumber(e.Data[key])
		if !ok {
			continue
		}
		if n == 0 || v < agg.Min {
			agg.Min = v
		}
		if n == 0 || v > agg.Max {
			agg.Max = v
		}
		agg.Sum += v
		n++
	}
	if n == 0 {
		return aggregate{}, false
	}
	agg.Avg = math.Round(agg.Sum/float64(n)*100) / 100
	return agg, true
}
