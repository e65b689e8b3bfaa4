package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns passwords into stored hashes and checks candidates against
// them. Implementations must be safe for concurrent use.
type Hasher interface {
	Hash(password string) ([]byte, error)
	Compare(hash []byte, password string) bool
}

// BcryptHasher hashes with bcrypt at a configurable cost.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a Hasher using the given bcrypt cost; values
// outside the bcrypt range fall back to the library default.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) ([]byte, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return out, nil
}

func (h *BcryptHasher) Compare(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
