package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Describe renders a tool call as a one-line description for the approval
// UI. Field order follows the order the model wrote them in.
func Describe(name string, input json.RawMessage) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(input, &top); err != nil {
		return fallbackDescription(name, input)
	}

	switch KindOf(name) {
	case KindCreateEntry:
		return fmt.Sprintf("Create entry in %q: %s", stringField(top["schemaKey"]), describeData(top["data"]))
	case KindUpdateEntry:
		return fmt.Sprintf("Update entry %s: %s", stringField(top["entryId"]), describeData(top["data"]))
	case KindCreateEntries:
		var entries []json.RawMessage
		if err := json.Unmarshal(top["entries"], &entries); err != nil {
			return fallbackDescription(name, input)
		}
		noun := "entries"
		if len(entries) == 1 {
			noun = "entry"
		}
		return fmt.Sprintf("Create %d %s in %q", len(entries), noun, stringField(top["schemaKey"]))
	case KindUpdateEntries:
		var entries []struct {
			EntryID string `json:"entryId"`
		}
		if err := json.Unmarshal(top["entries"], &entries); err != nil {
			return fallbackDescription(name, input)
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.EntryID)
		}
		noun := "entries"
		if len(entries) == 1 {
			noun = "entry"
		}
		return fmt.Sprintf("Update %d %s: %s", len(entries), noun, strings.Join(ids, ", "))
	}
	return fallbackDescription(name, input)
}

func fallbackDescription(name string, input json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		return fmt.Sprintf("%s(%s)", name, string(input))
	}
	return fmt.Sprintf("%s(%s)", name, buf.String())
}

func describeData(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	fields, err := orderedFields(raw)
	if err != nil {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Key+": "+displayValue(f.Value))
	}
	return strings.Join(parts, ", ")
}

// displayValue prints strings unquoted and everything else as compact JSON.
func displayValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return displayValue(raw)
}
