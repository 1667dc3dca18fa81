// Package middleware provides authentication, request logging and failed
// auth throttling for the gatez HTTP and gRPC transports. Callers present
// API keys as bearer tokens of the form "<key id>.<secret>"; the server only
// holds bcrypt hashes of the secrets.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var ErrInvalidToken = errors.New("invalid token")

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// StaticKeys validates tokens against a fixed set of key id to hash pairs,
// normally loaded from configuration.
type StaticKeys struct {
	hashes map[string]string
}

func NewStaticKeys(hashes map[string]string) *StaticKeys {
	copied := make(map[string]string, len(hashes))
	for id, hash := range hashes {
		copied[strings.TrimSpace(id)] = strings.TrimSpace(hash)
	}
	return &StaticKeys{hashes: copied}
}

// ValidateToken returns the key id when token is "<id>.<secret>" and the
// secret matches the stored hash for id.
func (k *StaticKeys) ValidateToken(_ context.Context, token string) (string, error) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", fmt.Errorf("%w: expected <id>.<secret>", ErrInvalidToken)
	}

	hash, ok := k.hashes[keyID]
	if !ok || !APIKeyMatchesHash(hash, secret) {
		return "", ErrInvalidToken
	}
	return keyID, nil
}
