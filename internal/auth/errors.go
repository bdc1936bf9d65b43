package auth

import "errors"

// Errors
var (
	// ErrUnauthorized marks a call rejected because its credential is invalid.
	// Transports wrap it so the Gate can recognise authorization failures.
	ErrUnauthorized = errors.New("unauthorized")

	ErrNotFound            = errors.New("credential not found")
	ErrNoSource            = errors.New("no credential source for scope")
	ErrNoRefreshToken      = errors.New("no refresh token available")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrStateMismatch       = errors.New("authorization state mismatch")
	ErrMissingCode         = errors.New("authorization callback missing code")
)

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
