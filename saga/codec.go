package saga

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a random saga id.
func NewID() string {
	return uuid.NewString()
}

// ToMap converts a saga context to its persisted form through its JSON
// encoding.
func ToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode saga context: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("saga context must encode as a JSON object: %w", err)
	}
	return m, nil
}

// FromMap rebuilds a saga context of type *T from its persisted form. It
// has the ContextBuilder signature for pointer contexts.
func FromMap[T any](m map[string]any) (*T, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode saga context: %w", err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode saga context: %w", err)
	}
	return &v, nil
}
