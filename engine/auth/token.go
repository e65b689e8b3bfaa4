package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// TokenPrefix marks registry tokens so leaked secrets are recognizable in
// scanners and logs.
const TokenPrefix = "pk_"

const tokenSecretLength = 32

const tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToken mints a new plaintext token from the given entropy source
// (crypto/rand.Reader in production) together with the sha-256 hash that is
// stored in its place. The plaintext is shown to the caller exactly once.
func GenerateToken(random io.Reader) (plaintext string, hash []byte, err error) {
	if random == nil {
		random = rand.Reader
	}
	secret := make([]byte, tokenSecretLength)
	for i := range secret {
		num, err := rand.Int(random, big.NewInt(int64(len(tokenCharset))))
		if err != nil {
			return "", nil, fmt.Errorf("generating token secret: %w", err)
		}
		secret[i] = tokenCharset[num.Int64()]
	}
	plaintext = TokenPrefix + string(secret)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the stored form of a presented token. Lookups compare
// hashes so a database leak never yields usable credentials.
func HashToken(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	return sum[:]
}

// WellFormedToken reports whether a presented credential even looks like a
// registry token, letting handlers reject garbage before a store round trip.
func WellFormedToken(plaintext string) bool {
	return strings.HasPrefix(plaintext, TokenPrefix) && len(plaintext) > len(TokenPrefix)
}

// HashEqual compares two token hashes in constant time.
func HashEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
