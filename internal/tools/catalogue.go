package tools

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/aj-server/internal/llm"
)

// Kind identifies a tool. The set is closed: every Kind has a handler and an
// approval classification.
type Kind int

// Tool kinds.
const (
	KindUnknown Kind = iota
	KindCreateEntry
	KindCreateEntries
	KindQueryEntries
	KindUpdateEntry
	KindUpdateEntries
	KindGetModuleSummary
)

var kindNames = map[Kind]string{
	KindCreateEntry:      "createEntry",
	KindCreateEntries:    "createEntries",
	KindQueryEntries:     "queryEntries",
	KindUpdateEntry:      "updateEntry",
	KindUpdateEntries:    "updateEntries",
	KindGetModuleSummary: "getModuleSummary",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// approvalRequired lists the kinds that write user data.
var approvalRequired = map[Kind]bool{
	KindCreateEntry:   true,
	KindCreateEntries: true,
	KindUpdateEntry:   true,
	KindUpdateEntries: true,
}

// KindOf resolves a tool name. Unknown names map to KindUnknown.
func KindOf(name string) Kind {
	return kindsByName[name]
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// RequiresApproval reports whether a call must be confirmed by the user
// before it runs.
func (k Kind) RequiresApproval() bool {
	return approvalRequired[k]
}

// RequiresApproval classifies a tool by name. Unknown tools are
// auto-executable; the dispatcher answers them with an error.
func RequiresApproval(name string) bool {
	return KindOf(name).RequiresApproval()
}

type definition struct {
	kind        Kind
	description string
	schema      string
}

// catalogue is the ordered list of tools advertised to the model.
var catalogue = []definition{
	{
		kind: KindCreateEntry,
		description: "Create a new data entry in a module. Use this when the user wants " +
			"to add, log, or record something (an expense, a workout, a habit " +
			"check-in, etc.). Always confirm the module and data before creating.",
		schema: `{
			"type": "object",
			"properties": {
				"moduleId": {"type": "string", "description": "The ID of the module to create the entry in."},
				"schemaKey": {"type": "string", "description": "The schema key within the module (e.g. 'default', 'transactions', 'accounts'). Use 'default' if the module has only one schema."},
				"data": {"type": "object", "description": "The entry data as key-value pairs matching the schema field keys. Use the exact field keys from the schema."}
			},
			"required": ["moduleId", "schemaKey", "data"]
		}`,
	},
	{
		kind: KindCreateEntries,
		description: "Create multiple entries in a module at once. Use this instead of " +
			"createEntry when the user wants to add several items in one go, " +
			"e.g. a week of meals, multiple expenses, a batch of habits. " +
			"All entries use the same schema. Maximum 50 entries per call.",
		schema: `{
			"type": "object",
			"properties": {
				"moduleId": {"type": "string", "description": "The ID of the module to create the entries in."},
				"schemaKey": {"type": "string", "description": "The schema key within the module (e.g. 'default'). All entries in the batch use this schema."},
				"entries": {
					"type": "array",
					"description": "Array of entries to create.",
					"items": {
						"type": "object",
						"properties": {
							"data": {"type": "object", "description": "The entry data as key-value pairs matching the schema field keys."}
						},
						"required": ["data"]
					}
				}
			},
			"required": ["moduleId", "schemaKey", "entries"]
		}`,
	},
	{
		kind: KindQueryEntries,
		description: "Query and read entries from a module. Use this to look up, search, " +
			"list, or check existing data. Returns entries matching the filters.",
		schema: `{
			"type": "object",
			"properties": {
				"moduleId": {"type": "string", "description": "The ID of the module to query."},
				"schemaKey": {"type": "string", "description": "Optional schema key to filter by. Omit to query all schemas."},
				"filters": {
					"type": "array",
					"description": "Optional filters to narrow results.",
					"items": {
						"type": "object",
						"properties": {
							"field": {"type": "string", "description": "The data field key."},
							"op": {"type": "string", "enum": ["==", "!=", ">", "<", ">=", "<="], "description": "Comparison operator."},
							"value": {"description": "The value to compare against."}
						},
						"required": ["field", "op", "value"]
					}
				},
				"orderBy": {"type": "string", "description": "Field key to order results by. Defaults to createdAt."},
				"limit": {"type": "number", "description": "Max entries to return (default 20, max 50)."}
			},
			"required": ["moduleId"]
		}`,
	},
	{
		kind: KindUpdateEntry,
		description: "Update an existing entry in a module. Use this to modify, change, " +
			"or correct data that already exists. Performs a partial merge: " +
			"only the provided fields are changed.",
		schema: `{
			"type": "object",
			"properties": {
				"moduleId": {"type": "string", "description": "The ID of the module containing the entry."},
				"entryId": {"type": "string", "description": "The ID of the entry to update."},
				"data": {"type": "object", "description": "The fields to update as key-value pairs. Only provided fields are changed; others are left untouched."}
			},
			"required": ["moduleId", "entryId", "data"]
		}`,
	},
	{
		kind: KindUpdateEntries,
		description: "Update multiple existing entries in a module at once. Use this " +
			"instead of updateEntry when the user wants to change several items, " +
			"e.g. mark a batch of meals as eaten, update multiple habit statuses. " +
			"Each entry can have different fields updated. Maximum 50 per call.",
		schema: `{
			"type": "object",
			"properties": {
				"moduleId": {"type": "string", "description": "The ID of the module containing the entries."},
				"entries": {
					"type": "array",
					"description": "Array of entries to update.",
					"items": {
						"type": "object",
						"properties": {
							"entryId": {"type": "string", "description": "The ID of the entry to update."},
							"data": {"type": "object", "description": "The fields to update as key-value pairs. Only provided fields are changed."}
						},
						"required": ["entryId", "data"]
					}
				}
			},
			"required": ["moduleId", "entries"]
		}`,
	},
	{
		kind: KindGetModuleSummary,
		description: "Get an overview of a module's data without fetching every entry. " +
			"Returns entry counts, recent entries, and numeric field aggregates. " +
			"Use this to answer questions like 'how much did I spend this month' " +
			"or 'show me my recent workouts' without pulling all data.",
		schema: `{
			"type": "object",
			"properties": {
				"moduleId": {"type": "string", "description": "The ID of the module to summarize."},
				"schemaKey": {"type": "string", "description": "Optional schema key to narrow the summary to one schema."}
			},
			"required": ["moduleId"]
		}`,
	},
}

// Definitions returns the tool catalogue in the provider's format.
func Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(catalogue))
	for _, d := range catalogue {
		defs = append(defs, llm.ToolDefinition{
			Name:        d.kind.String(),
			Description: d.description,
			InputSchema: json.RawMessage(d.schema),
		})
	}
	return defs
}
