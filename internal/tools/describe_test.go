package tools

import (
	"encoding/json"
	"testing"
)

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{
			name:  "create keeps written key order",
			tool:  "createEntry",
			input: `{"moduleId":"fin","schemaKey":"expense","data":{"note":"coffee","amount":12,"paid":true}}`,
			want:  `Create entry in "expense": note: coffee, amount: 12, paid: true`,
		},
		{
			name:  "update",
			tool:  "updateEntry",
			input: `{"moduleId":"fin","entryId":"e1","data":{"amount":4.5,"tags":["a","b"]}}`,
			want:  `Update entry e1: amount: 4.5, tags: ["a","b"]`,
		},
		{
			name:  "batch create",
			tool:  "createEntries",
			input: `{"moduleId":"fin","schemaKey":"meal","entries":[{"data":{}},{"data":{}}]}`,
			want:  `Create 2 entries in "meal"`,
		},
		{
			name:  "batch update",
			tool:  "updateEntries",
			input: `{"moduleId":"fin","entries":[{"entryId":"a","data":{}},{"entryId":"b","data":{}}]}`,
			want:  `Update 2 entries: a, b`,
		},
		{
			name:  "other tools fall back to compact json",
			tool:  "queryEntries",
			input: `{ "moduleId": "fin" }`,
			want:  `queryEntries({"moduleId":"fin"})`,
		},
		{
			name:  "null data",
			tool:  "createEntry",
			input: `{"schemaKey":"x","data":null}`,
			want:  `Create entry in "x": `,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Describe(tt.tool, json.RawMessage(tt.input)); got != tt.want {
				t.Fatalf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObjectKeepsKeyOrder(t *testing.T) {
	t.Parallel()

	var o object
	if err := json.Unmarshal([]byte(`{"b":1,"a":{"x":2},"c":null}`), &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"b", "a", "c"}
	if len(o.keys) != len(want) {
		t.Fatalf("keys = %v, want %v", o.keys, want)
	}
	for i := range want {
		if o.keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", o.keys, want)
		}
	}
	if _, ok := o.Map()["c"]; !ok {
		t.Fatal("expected null member to be kept")
	}
}
