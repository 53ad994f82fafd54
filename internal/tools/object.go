package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type field struct {
	Key   string
	Value json.RawMessage
}

// orderedFields splits a JSON object into its members in the order they
// were written.
func orderedFields(raw json.RawMessage) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}

	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields = append(fields, field{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

// object is a decoded JSON object that remembers its key order.
type object struct {
	keys   []string
	values map[string]any
}

func (o *object) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		o.keys, o.values = nil, map[string]any{}
		return nil
	}
	fields, err := orderedFields(b)
	if err != nil {
		return err
	}
	o.keys = o.keys[:0]
	o.values = make(map[string]any, len(fields))
	for _, f := range fields {
		var v any
		if err := json.Unmarshal(f.Value, &v); err != nil {
			return err
		}
		if _, dup := o.values[f.Key]; !dup {
			o.keys = append(o.keys, f.Key)
		}
		o.values[f.Key] = v
	}
	return nil
}

// Map returns the object's values, never nil.
func (o object) Map() map[string]any {
	if o.values == nil {
		return map[string]any{}
	}
	return o.values
}
