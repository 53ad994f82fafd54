// Package tools implements the data tools the assistant may call and the
// dispatcher that turns every call into a result string.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashureev/aj-server/internal/domain"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result answers a Call. Content is always a JSON document; failures are
// encoded as {"error": "..."}.
type Result struct {
	ID      string
	Content string
}

// IsError reports whether the result carries an error envelope.
func (r Result) IsError() bool {
	var env struct {
		Error *string `json:"error"`
	}
	return json.Unmarshal([]byte(r.Content), &env) == nil && env.Error != nil
}

// Store is the persistence the tools need.
type Store interface {
	GetModule(ctx context.Context, userID, moduleID string) (*domain.Module, error)
	GetEntry(ctx context.Context, userID, moduleID, entryID string) (*domain.Entry, error)
	ListEntries(ctx context.Context, userID, moduleID, schemaKey string) ([]*domain.Entry, error)
	InsertEntries(ctx context.Context, userID, moduleID string, entries []*domain.Entry) error
	MergeEntryFields(ctx context.Context, userID, moduleID string, updates map[string]map[string]any) error
}

// Config bounds tool behaviour.
type Config struct {
	MaxBatch          int
	QueryDefaultLimit int
	QueryMaxLimit     int
	SummaryRecent     int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxBatch:          50,
		QueryDefaultLimit: 20,
		QueryMaxLimit:     50,
		SummaryRecent:     5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.QueryMaxLimit <= 0 {
		c.QueryMaxLimit = def.QueryMaxLimit
	}
	if c.QueryDefaultLimit <= 0 {
		c.QueryDefaultLimit = def.QueryDefaultLimit
	}
	if c.QueryDefaultLimit > c.QueryMaxLimit {
		c.QueryDefaultLimit = c.QueryMaxLimit
	}
	if c.SummaryRecent <= 0 {
		c.SummaryRecent = def.SummaryRecent
	}
	return c
}

// InputError is a validation failure whose message is shown to the model
// verbatim.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func inputErrorf(format string, args ...any) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

type handlerFunc func(d *Dispatcher, ctx context.Context, userID string, input json.RawMessage) (any, error)

var handlers = map[Kind]handlerFunc{
	KindCreateEntry:      (*Dispatcher).createEntry,
	KindCreateEntries:    (*Dispatcher).createEntries,
	KindQueryEntries:     (*Dispatcher).queryEntries,
	KindUpdateEntry:      (*Dispatcher).updateEntry,
	KindUpdateEntries:    (*Dispatcher).updateEntries,
	KindGetModuleSummary: (*Dispatcher).getModuleSummary,
}

// Dispatcher routes tool calls to their implementations.
type Dispatcher struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	schemas map[Kind]*jsonschema.Schema
	now     func() time.Time
}

// NewDispatcher compiles the input schemas of every catalogued tool.
func NewDispatcher(store Store, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		schemas: make(map[Kind]*jsonschema.Schema, len(catalogue)),
		now:     time.Now,
	}

	for _, def := range catalogue {
		if _, ok := handlers[def.kind]; !ok {
			return nil, fmt.Errorf("tool %s has no handler", def.kind)
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://aj.local/tools/%s.schema.json", def.kind)
		if err := c.AddResource(url, strings.NewReader(def.schema)); err != nil {
			return nil, fmt.Errorf("load schema for %s: %w", def.kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", def.kind, err)
		}
		d.schemas[def.kind] = compiled
	}
	return d, nil
}

// Execute runs one call. It never fails: every error, including a panic in
// a handler, is returned as an error envelope in Result.Content.
func (d *Dispatcher) Execute(ctx context.Context, userID string, call Call) (res Result) {
	res.ID = call.ID
	logger := d.logger.With("tool", call.Name, "tool_use_id", call.ID, "user_id", userID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool panicked", "panic", r)
			res.Content = errorContent(fmt.Sprintf("Tool execution failed: %v", r))
		}
	}()

	kind := KindOf(call.Name)
	handler, ok := handlers[kind]
	if !ok {
		logger.Warn("unknown tool requested")
		res.Content = errorContent("Unknown tool: " + call.Name)
		return res
	}

	logger.Info("executing tool")
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	var out any
	err := d.validate(kind, input)
	if err == nil {
		out, err = handler(d, ctx, userID, input)
	}
	if err != nil {
		var inErr *InputError
		if errors.As(err, &inErr) {
			logger.Info("tool rejected input", "error", inErr.Message)
			res.Content = errorContent(inErr.Message)
			return res
		}
		logger.Error("tool failed", "error", err)
		res.Content = errorContent("Tool execution failed: " + err.Error())
		return res
	}

	data, err := json.Marshal(out)
	if err != nil {
		logger.Error("encode tool result", "error", err)
		res.Content = errorContent("Tool execution failed: " + err.Error())
		return res
	}
	res.Content = string(data)
	return res
}

func (d *Dispatcher) validate(kind Kind, input json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return inputErrorf("Invalid input for %s: %v", kind, err)
	}
	schema, ok := d.schemas[kind]
	if !ok {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		return inputErrorf("Invalid input for %s: %s", kind, validationMessage(err))
	}
	return nil
}

// validationMessage reduces a schema error to its most specific cause.
func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}

func errorContent(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"Tool execution failed"}`
	}
	return string(data)
}

// isoTime renders timestamps the way tool results expose them.
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
