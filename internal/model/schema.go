package model

import (
	"encoding/json"
	"fmt"
)

// FieldKind is the shape a field's values must have. Value contents are
// not validated beyond a basic kind match.
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindNumber     FieldKind = "number"
	KindBool       FieldKind = "bool"
	KindIDList     FieldKind = "id_list"
	KindScalarList FieldKind = "scalar_list"
)

// Schema is the collection/field shape registry consulted by the writer
// before any mutation is admitted. A permissive schema accepts unknown
// collections and fields (values still have to be valid JSON scalars or
// lists); a strict one rejects them.
type Schema struct {
	collections map[string]map[string]FieldKind
	permissive  bool
}

func NewSchema() *Schema {
	return &Schema{collections: make(map[string]map[string]FieldKind)}
}

// Permissive returns a schema that admits any collection and field.
func Permissive() *Schema {
	s := NewSchema()
	s.permissive = true
	return s
}

func (s *Schema) Register(collection string, fields map[string]FieldKind) {
	reg := make(map[string]FieldKind, len(fields))
	for f, k := range fields {
		reg[f] = k
	}
	s.collections[collection] = reg
}

func (s *Schema) HasCollection(collection string) bool {
	if s.permissive {
		return true
	}
	_, ok := s.collections[collection]
	return ok
}

// CheckField validates one field value against the registry. A nil (JSON
// null) value is always acceptable here: null means "remove the field"
// and is handled by the apply path.
func (s *Schema) CheckField(collection, field string, value json.RawMessage) error {
	if isNull(value) {
		return nil
	}
	fields, ok := s.collections[collection]
	if !ok {
		if s.permissive {
			return checkAnyValue(collection, field, value)
		}
		return &Error{Code: EValidation, Msg: fmt.Sprintf("unknown collection %q", collection)}
	}
	kind, ok := fields[field]
	if !ok {
		if s.permissive {
			return checkAnyValue(collection, field, value)
		}
		return &Error{Code: EValidation, Msg: fmt.Sprintf("unknown field %s/%s", collection, field)}
	}
	if err := checkKind(kind, value); err != nil {
		return &Error{Code: EValidation, Msg: fmt.Sprintf("field %s/%s: %v", collection, field, err)}
	}
	return nil
}

// CheckListUpdate validates an element-wise edit of a list field. The
// target must hold a list kind; elements are checked like list values.
func (s *Schema) CheckListUpdate(collection, field string, elements []json.RawMessage) error {
	fields, ok := s.collections[collection]
	if !ok {
		if s.permissive {
			return checkListElements(collection, field, elements)
		}
		return &Error{Code: EValidation, Msg: fmt.Sprintf("unknown collection %q", collection)}
	}
	kind, ok := fields[field]
	if !ok {
		if s.permissive {
			return checkListElements(collection, field, elements)
		}
		return &Error{Code: EValidation, Msg: fmt.Sprintf("unknown field %s/%s", collection, field)}
	}
	if kind != KindIDList && kind != KindScalarList {
		return &Error{Code: EValidation, Msg: fmt.Sprintf("field %s/%s is not a list", collection, field)}
	}
	encoded, err := json.Marshal(elements)
	if err != nil {
		return &Error{Code: EInternal, Err: err}
	}
	if err := checkKind(kind, encoded); err != nil {
		return &Error{Code: EValidation, Msg: fmt.Sprintf("field %s/%s: %v", collection, field, err)}
	}
	return nil
}

func checkListElements(collection, field string, elements []json.RawMessage) error {
	for _, el := range elements {
		var decoded any
		if err := json.Unmarshal(el, &decoded); err != nil {
			return &Error{Code: EValidation, Msg: fmt.Sprintf("field %s/%s: invalid JSON list element", collection, field)}
		}
		switch decoded.(type) {
		case string, float64, bool:
		default:
			return &Error{Code: EValidation, Msg: fmt.Sprintf("field %s/%s: list elements must be scalars", collection, field)}
		}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}

func checkAnyValue(collection, field string, value json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return &Error{Code: EValidation, Msg: fmt.Sprintf("field %s/%s: invalid JSON", collection, field)}
	}
	if _, ok := decoded.(map[string]any); ok {
		return &Error{Code: EValidation, Msg: fmt.Sprintf("field %s/%s: nested objects are not supported", collection, field)}
	}
	return nil
}

func checkKind(kind FieldKind, value json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("invalid JSON")
	}
	switch kind {
	case KindString:
		if _, ok := decoded.(string); !ok {
			return fmt.Errorf("expected string")
		}
	case KindNumber:
		if _, ok := decoded.(float64); !ok {
			return fmt.Errorf("expected number")
		}
	case KindBool:
		if _, ok := decoded.(bool); !ok {
			return fmt.Errorf("expected bool")
		}
	case KindIDList:
		list, ok := decoded.([]any)
		if !ok {
			return fmt.Errorf("expected list of ids")
		}
		for _, el := range list {
			n, ok := el.(float64)
			if !ok || n != float64(int64(n)) || n <= 0 {
				return fmt.Errorf("expected list of positive integer ids")
			}
		}
	case KindScalarList:
		list, ok := decoded.([]any)
		if !ok {
			return fmt.Errorf("expected list of scalars")
		}
		for _, el := range list {
			switch el.(type) {
			case string, float64, bool:
			default:
				return fmt.Errorf("expected list of scalars")
			}
		}
	default:
		return fmt.Errorf("unknown field kind %q", kind)
	}
	return nil
}
