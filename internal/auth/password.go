package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid subject or key")
	ErrWeakKey            = errors.New("api key must be at least 16 characters")
)

// MinKeyLength is the shortest API key accepted.
const MinKeyLength = 16

// KeyEntry is a principal allowed to log in with an API key.
type KeyEntry struct {
	Subject string
	Role    Role
	KeyHash string
}

// KeyAuthenticator implements API key authentication against bcrypt hashes.
type KeyAuthenticator struct {
	entries map[string]KeyEntry
}

// NewKeyAuthenticator creates an authenticator for the given principals.
func NewKeyAuthenticator(entries []KeyEntry) (*KeyAuthenticator, error) {
	a := &KeyAuthenticator{entries: make(map[string]KeyEntry, len(entries))}
	for _, e := range entries {
		if _, err := ParseRole(string(e.Role)); err != nil {
			return nil, fmt.Errorf("principal %s: %w", e.Subject, err)
		}
		if _, dup := a.entries[e.Subject]; dup || e.Subject == "" {
			return nil, fmt.Errorf("principal %q is empty or listed twice", e.Subject)
		}
		if _, err := bcrypt.Cost([]byte(e.KeyHash)); err != nil {
			return nil, fmt.Errorf("principal %s: bad key hash: %w", e.Subject, err)
		}
		a.entries[e.Subject] = e
	}
	return a, nil
}

// HashKey returns the bcrypt hash to configure for an API key.
func HashKey(key string) (string, error) {
	if len(key) < MinKeyLength {
		return "", ErrWeakKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// ValidateCredential checks if the key meets minimum requirements.
func (a *KeyAuthenticator) ValidateCredential(credential string) error {
	if len(credential) < MinKeyLength {
		return ErrWeakKey
	}
	return nil
}

// Authenticate verifies subject and key, returning the principal if valid.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, subject, credential string) (*Principal, error) {
	entry, ok := a.entries[subject]
	if !ok {
		return nil, ErrInvalidCredentials
	}

	// Compare key hash
	if err := bcrypt.CompareHashAndPassword([]byte(entry.KeyHash), []byte(credential)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &Principal{Subject: entry.Subject, Role: entry.Role}, nil
}
