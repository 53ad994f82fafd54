package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/ashureev/aj-server/internal/domain"
)

var testNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func TestBuildSystemPromptWithoutModules(t *testing.T) {
	t.Parallel()

	got := BuildSystemPrompt(nil, testNow, nil)
	for _, want := range []string{
		"Today's date is 2026-03-14.",
		"ONLY operate on modules the user already has",
		"user has no modules yet",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(got, "CURRENT CONTEXT") {
		t.Error("expected no context section without a screen")
	}
}

func TestBuildSystemPromptRendersSchemas(t *testing.T) {
	t.Parallel()

	modules := []*domain.Module{{
		ID:   "mod1",
		Name: "Expenses",
		Schemas: map[string]domain.Schema{
			"expense": {
				Label: "Expense",
				Fields: map[string]domain.FieldDef{
					"amount":   {Type: "currency", Label: "Amount", Required: true},
					"category": {Type: "enumType", Label: "Category", Options: []string{"Food", "Transport"}},
					"rating":   {Type: "number", Label: "Rating", Constraints: map[string]any{"max": 5, "min": 1}},
				},
			},
			"empty": {},
		},
		Settings: map[string]any{"monthlyBudget": 2000, "currency": "USD"},
	}}

	got := BuildSystemPrompt(modules, testNow, nil)
	for _, want := range []string{
		`Module "Expenses" (id: mod1)`,
		`Schema "expense" (Expense):`,
		`- amount (currency): "Amount" [required]`,
		`options=[Food, Transport]`,
		`constraints={"max":5,"min":1}`,
		`Schema "empty" (empty):`,
		"(no fields defined)",
		`Settings: {"currency":"USD","monthlyBudget":2000}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\n%s", want, got)
		}
	}
}

func TestBuildSystemPromptScreenContext(t *testing.T) {
	t.Parallel()

	modules := []*domain.Module{{ID: "mod1", Name: "Test"}}
	tests := []struct {
		screen *domain.ScreenContext
		want   string
	}{
		{&domain.ScreenContext{Type: domain.ScreenDashboard}, "user is on the dashboard"},
		{&domain.ScreenContext{Type: domain.ScreenModulesList}, "viewing their modules list"},
		{&domain.ScreenContext{Type: domain.ScreenModule, ModuleID: "mod1"}, `viewing module "mod1" (Test)`},
	}
	for _, tt := range tests {
		if got := BuildSystemPrompt(modules, testNow, tt.screen); !strings.Contains(got, tt.want) {
			t.Errorf("screen %q: prompt missing %q", tt.screen.Type, tt.want)
		}
	}
}
