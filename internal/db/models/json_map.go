// Package models defines the records persisted by the security telemetry service:
// audit events, sessions, and fixed rate-limit windows.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a free-form JSON object stored in a JSONB column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer. A nil map is stored as SQL NULL.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return data, nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	out := make(JSONMap)
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	*m = out
	return nil
}
