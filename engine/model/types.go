package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// JSONMap is a JSON object persisted as TEXT. Both relational engines store
// it the same way, so it carries its own Scanner/Valuer.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding json map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scanning json map: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("decoding json map: %w", err)
	}
	return nil
}

// StringSet is an unordered set of short token strings (scopes, event
// names). It crosses the interface boundary as a genuine set and is
// persisted as a JSON array in TEXT, identical on both relational engines,
// so the store needs no per-engine row decoding.
type StringSet []string

// Value implements driver.Valuer.
func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding string set: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringSet) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scanning string set: unsupported type %T", src)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("decoding string set: %w", err)
	}
	return nil
}

// NewStringSet builds a normalized set from the given values.
func NewStringSet(values ...string) StringSet {
	return StringSet(values).Normalize()
}

// Normalize returns a sorted copy with duplicates and empties removed.
func (s StringSet) Normalize() StringSet {
	out := make(StringSet, 0, len(s))
	for _, v := range s {
		if v == "" {
			continue
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// Contains reports set membership.
func (s StringSet) Contains(v string) bool {
	return slices.Contains(s, v)
}
