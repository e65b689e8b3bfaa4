package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is the identity type shared by all persisted entities.
type ID string

// NewID generates a new unique ID.
func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return ID(id.String()), nil
}

// MustNewID generates a new unique ID and panics on failure.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID validates the string form of an ID.
func ParseID(s string) (ID, error) {
	if _, err := ksuid.Parse(s); err != nil {
		return "", fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(s), nil
}

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id == "" }
