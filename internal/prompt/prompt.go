// Package prompt renders the system prompt: assistant rules, the user's
// module schemas and the screen the user is looking at.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/aj-server/internal/domain"
)

const intro = "You are AJ, a personal assistant that helps users manage their data. " +
	"You operate within an app where users have created modules (like " +
	"expense trackers, fitness logs, habit trackers, etc.). Each module " +
	"has its own data schema.\n\n" +
	"Your job is to help users create, read, and update entries in their " +
	"modules through natural conversation. Always be concise and helpful."

const rules = "RULES:\n" +
	"- ONLY operate on modules the user already has. If the user asks to " +
	"add data that doesn't fit any existing module, tell them they need " +
	"to create that module first. Never invent module IDs or schema keys.\n" +
	"- Use the tools provided to perform data operations. Never make up data.\n" +
	"- Always match field keys exactly as defined in the schema.\n" +
	"- For enum fields, only use values from the options list.\n" +
	"- For reference fields, use getModuleSummary or queryEntries first " +
	"to find the correct entry ID.\n" +
	"- For write operations (creating or updating entries), always call " +
	"the tool directly. The app shows the user an approval card before " +
	"anything is saved. Do NOT ask for confirmation in text first.\n" +
	"- For deletions, confirm with the user in text before proceeding.\n" +
	"- When the user mentions an amount without specifying a module, " +
	"use context to infer which module they mean.\n" +
	"- When creating multiple entries at once (e.g. a week of meals, " +
	"several expenses, a batch of workouts), ALWAYS use createEntries " +
	"instead of calling createEntry multiple times. Same for updates: " +
	"use updateEntries to update several entries in one call.\n" +
	"- Keep responses short. After creating/updating data, briefly " +
	"confirm what was done."

const noModules = "USER'S MODULES:\nThe user has no modules yet. They need to create " +
	"modules through the module builder before you can help with data."

// BuildSystemPrompt renders the prompt for one request. Modules are listed
// by ID so the output is stable for a given input.
func BuildSystemPrompt(modules []*domain.Module, now time.Time, screen *domain.ScreenContext) string {
	sections := []string{
		intro + "\n\n" + fmt.Sprintf("Today's date is %s.", now.UTC().Format("2006-01-02")),
		rules,
	}

	if len(modules) == 0 {
		sections = append(sections, noModules)
	} else {
		sorted := make([]*domain.Module, len(modules))
		copy(sorted, modules)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

		blocks := make([]string, 0, len(sorted))
		for _, m := range sorted {
			blocks = append(blocks, formatModule(m))
		}
		sections = append(sections, "USER'S MODULES:\n"+strings.Join(blocks, "\n\n"))
	}

	if line := describeScreen(modules, screen); line != "" {
		sections = append(sections, "CURRENT CONTEXT:\n"+line)
	}
	return strings.Join(sections, "\n\n")
}

func formatModule(m *domain.Module) string {
	lines := []string{fmt.Sprintf("Module %q (id: %s)", m.Name, m.ID)}
	if m.Description != "" {
		lines = append(lines, "  Description: "+m.Description)
	}
	for _, key := range m.SchemaKeys() {
		lines = append(lines, formatSchema(key, m.Schemas[key]))
	}
	if len(m.Settings) > 0 {
		lines = append(lines, "  Settings: "+compactJSON(m.Settings))
	}
	return strings.Join(lines, "\n")
}

func formatSchema(key string, s domain.Schema) string {
	label := s.Label
	if label == "" {
		label = key
	}
	lines := []string{fmt.Sprintf("  Schema %q (%s):", key, label)}
	if len(s.Fields) == 0 {
		lines = append(lines, "    (no fields defined)")
	}
	for _, fieldKey := range s.FieldKeys() {
		lines = append(lines, formatField(fieldKey, s.Fields[fieldKey]))
	}
	return strings.Join(lines, "\n")
}

func formatField(key string, f domain.FieldDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "    - %s (%s): %q", key, f.Type, f.Label)
	if f.Required {
		b.WriteString(" [required]")
	}
	if len(f.Options) > 0 {
		fmt.Fprintf(&b, " options=[%s]", strings.Join(f.Options, ", "))
	}
	if len(f.Constraints) > 0 {
		b.WriteString(" constraints=" + compactJSON(f.Constraints))
	}
	return b.String()
}

func describeScreen(modules []*domain.Module, screen *domain.ScreenContext) string {
	if screen == nil {
		return ""
	}
	switch screen.Type {
	case domain.ScreenDashboard:
		return "The user is on the dashboard."
	case domain.ScreenModulesList:
		return "The user is viewing their modules list."
	case domain.ScreenModule:
		if screen.ModuleID == "" {
			return ""
		}
		line := fmt.Sprintf("The user is viewing module %q", screen.ModuleID)
		for _, m := range modules {
			if m.ID == screen.ModuleID {
				line += fmt.Sprintf(" (%s)", m.Name)
				break
			}
		}
		if screen.ScreenID != "" {
			line += fmt.Sprintf(", screen %q", screen.ScreenID)
		}
		return line + ". Assume requests refer to this module unless the user says otherwise."
	}
	return ""
}

// compactJSON encodes maps with sorted keys.
func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
