package queue

import (
	"encoding/json"
	"fmt"
)

// WithField returns a copy of the JSON object doc with field set to value.
func WithField(doc json.RawMessage, field string, value any) (json.RawMessage, error) {
	obj, err := object(doc)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", field, err)
	}
	obj[field] = b
	return json.Marshal(obj)
}

// WithoutField returns a copy of the JSON object doc with field removed.
func WithoutField(doc json.RawMessage, field string) (json.RawMessage, error) {
	obj, err := object(doc)
	if err != nil {
		return nil, err
	}
	delete(obj, field)
	return json.Marshal(obj)
}

// IntField reads an integer field, returning 0 when it is absent or null.
func IntField(doc json.RawMessage, field string) (int, error) {
	obj, err := object(doc)
	if err != nil {
		return 0, err
	}
	raw, ok := obj[field]
	if !ok || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return n, nil
}

func object(doc json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		return nil, ErrNotObject
	}
	return obj, nil
}
