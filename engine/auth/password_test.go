package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher(t *testing.T) {
	t.Run("Should hash at the configured cost", func(t *testing.T) {
		h := NewBcryptHasher(bcrypt.MinCost)
		hash, err := h.Hash("hunter2")
		require.NoError(t, err)
		cost, err := bcrypt.Cost(hash)
		require.NoError(t, err)
		assert.Equal(t, bcrypt.MinCost, cost)
	})
	t.Run("Should fall back to the default cost when out of range", func(t *testing.T) {
		for _, bad := range []int{0, -1, bcrypt.MaxCost + 1} {
			h := NewBcryptHasher(bad)
			assert.Equal(t, bcrypt.DefaultCost, h.cost)
		}
	})
	t.Run("Should round-trip a password and reject others", func(t *testing.T) {
		h := NewBcryptHasher(bcrypt.MinCost)
		hash, err := h.Hash("correct horse")
		require.NoError(t, err)
		assert.True(t, h.Compare(hash, "correct horse"))
		assert.False(t, h.Compare(hash, "battery staple"))
	})
}
