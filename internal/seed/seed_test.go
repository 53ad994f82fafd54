package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/aj-server/internal/domain"
)

const financeYAML = `
modules:
  - id: finance
    name: Finance
    description: Money in and out
    schemas:
      account:
        label: Accounts
        fields:
          name: {type: text, label: Name, required: true}
          balance: {type: currency, label: Balance}
      expense:
        label: Expenses
        fields:
          amount: {type: currency, label: Amount, required: true}
          account: {type: reference, label: Account}
        effects:
          - type: adjust_reference
            referenceField: account
            targetField: balance
            operation: subtract
            amountField: amount
`

func TestParse(t *testing.T) {
	modules, err := Parse([]byte(financeYAML))
	require.NoError(t, err)
	require.Len(t, modules, 1)

	m := modules[0]
	assert.Equal(t, "finance", m.ID)
	assert.Equal(t, []string{"account", "expense"}, m.SchemaKeys())
	assert.Equal(t, []string{"amount"}, m.Schemas["expense"].RequiredFields())
	require.Len(t, m.Schemas["expense"].Effects, 1)
	assert.Equal(t, domain.OperationSubtract, m.Schemas["expense"].Effects[0].Operation)
}

func TestParseRejectsInvalidEffects(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want string
	}{
		{"unknown type", "{type: explode, referenceField: a, targetField: b}", `unknown effect type "explode"`},
		{"unknown operation", "{type: adjust_reference, referenceField: a, targetField: b, operation: multiply, amount: 1}", `unknown operation "multiply"`},
		{"missing amount", "{type: adjust_reference, referenceField: a, targetField: b, operation: add}", "amount or amountField is required"},
		{"non-numeric amount", "{type: adjust_reference, referenceField: a, targetField: b, operation: add, amount: lots}", "is not a number"},
		{"set without value", "{type: set_reference, referenceField: a, targetField: b}", "value or sourceField is required"},
		{"missing target", "{type: set_reference, referenceField: a, value: done}", "referenceField and targetField are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := "modules:\n  - id: m\n    name: M\n    schemas:\n      s:\n        effects:\n          - " + tt.rule + "\n"
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseReportsEveryProblem(t *testing.T) {
	doc := `
modules:
  - id: a
    name: A
    schemas:
      s: {fields: {x: {label: X}}}
  - id: a
    schemas: {}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `field "x": type is required`)
	assert.Contains(t, msg, `duplicate id "a"`)
	assert.Contains(t, msg, "name is required")
	assert.Contains(t, msg, "at least one schema is required")
}

type recordingWriter struct {
	got map[string][]string
}

func (r *recordingWriter) UpsertModule(_ context.Context, userID string, m *domain.Module) error {
	r.got[userID] = append(r.got[userID], m.ID)
	return nil
}

func TestLoadFileAndImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finance.yaml")
	require.NoError(t, os.WriteFile(path, []byte(financeYAML), 0o600))

	modules, err := LoadFile(path)
	require.NoError(t, err)

	w := &recordingWriter{got: map[string][]string{}}
	n, err := Import(context.Background(), w, "u1", modules)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"finance"}, w.got["u1"])

	_, err = Import(context.Background(), w, " ", modules)
	assert.Error(t, err)
}
