package config

import (
	"encoding/json"
	"fmt"
	"os"

	"modelstore/internal/model"
)

// LoadSchema reads a schema JSON file of the form
// {"collection": {"field": "string|number|bool|id_list|scalar_list"}}.
// An empty path yields a permissive schema.
func LoadSchema(path string) (*model.Schema, error) {
	if path == "" {
		return model.Permissive(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	var decoded map[string]map[string]model.FieldKind
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	schema := model.NewSchema()
	for collection, fields := range decoded {
		schema.Register(collection, fields)
	}
	return schema, nil
}
