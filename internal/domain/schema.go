package domain

import (
	"encoding/json"
	"fmt"
)

// FieldType is the type tag of a dataset field definition.
type FieldType string

const (
	FieldTypeString FieldType = "str"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
	FieldTypeList   FieldType = "list"
	FieldTypeDict   FieldType = "dict"
)

// FieldDefinition describes one column of a requested dataset.
type FieldDefinition struct {
	Name        string      `json:"name"`
	Type        FieldType   `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// RowSchema is a validated record type resolved at runtime from a list of
// field definitions.
type RowSchema struct {
	Name   string
	Fields []FieldDefinition
}

// ResolveRowSchema parses a JSON field-definition list into a RowSchema.
// A single object is accepted and treated as a one-element list.
func ResolveRowSchema(name string, definitionsJSON string) (*RowSchema, error) {
	raw := []byte(definitionsJSON)

	var fields []FieldDefinition
	if err := json.Unmarshal(raw, &fields); err != nil {
		var single FieldDefinition
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("invalid field definitions: %w", err)
		}
		fields = []FieldDefinition{single}
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("field definitions are empty")
	}

	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case FieldTypeString, FieldTypeInt, FieldTypeFloat, FieldTypeBool,
			FieldTypeList, FieldTypeDict:
		default:
			return nil, fmt.Errorf("unsupported type %q for field %q", f.Type, f.Name)
		}
	}

	if name == "" {
		name = "DynamicRow"
	}
	return &RowSchema{Name: name, Fields: fields}, nil
}

// Validate checks one row against the schema: required fields present,
// values matching their type tags. Missing optional fields are filled with
// their defaults.
func (s *RowSchema) Validate(row map[string]interface{}) error {
	for _, f := range s.Fields {
		val, ok := row[f.Name]
		if !ok || val == nil {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			if f.Default != nil {
				row[f.Name] = f.Default
			}
			continue
		}
		if !matchesType(val, f.Type) {
			return fmt.Errorf("field %q: %T does not match type %q", f.Name, val, f.Type)
		}
	}
	return nil
}

func matchesType(val interface{}, t FieldType) bool {
	switch t {
	case FieldTypeString:
		_, ok := val.(string)
		return ok
	case FieldTypeInt:
		switch v := val.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON numbers decode as float64.
			return v == float64(int64(v))
		}
		return false
	case FieldTypeFloat:
		switch val.(type) {
		case float32, float64, int, int64:
			return true
		}
		return false
	case FieldTypeBool:
		_, ok := val.(bool)
		return ok
	case FieldTypeList:
		_, ok := val.([]interface{})
		return ok
	case FieldTypeDict:
		_, ok := val.(map[string]interface{})
		return ok
	}
	return false
}
