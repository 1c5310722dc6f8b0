package auth

import "context"

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

// Authenticator defines the interface for authentication implementations.
// This abstraction allows swapping between different credential types (API
// keys, mTLS identities, OAuth) without changing the service layer code.
type Authenticator interface {
	// Authenticate verifies the subject's credential and returns the
	// principal if successful.
	Authenticate(ctx context.Context, subject, credential string) (*Principal, error)

	// ValidateCredential checks if the credential meets the implementation's requirements.
	ValidateCredential(credential string) error
}
