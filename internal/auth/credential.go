package auth

import (
	"slices"
	"time"

	"golang.org/x/oauth2"
)

// ValidationFreshness is how long a validation record stays current.
const ValidationFreshness = 45 * time.Minute

// Credential is a bearer token and its validation record. Values are never
// mutated after creation; WithValidation and the Sources return new values.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // Zero when the provider did not report an expiry
	Validation   Validation
}

// Validation is the provider's answer to "who owns this token".
type Validation struct {
	Login       string // Empty for app tokens
	UserID      string // Empty for app tokens
	ClientID    string
	Scopes      []string
	ValidatedAt time.Time
}

// IsZero reports whether the credential carries no token.
func (c Credential) IsZero() bool {
	return c.AccessToken == ""
}

// Stale reports whether the validation record is missing or older than
// ValidationFreshness.
func (c Credential) Stale(now time.Time) bool {
	if c.Validation.ValidatedAt.IsZero() {
		return true
	}
	return now.Sub(c.Validation.ValidatedAt) >= ValidationFreshness
}

// Expired reports whether the token has passed its reported expiry.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// HasScope reports whether the validation record grants scope.
func (c Credential) HasScope(scope string) bool {
	return slices.Contains(c.Validation.Scopes, scope)
}

// WithValidation returns a copy of c carrying v.
func (c Credential) WithValidation(v Validation) Credential {
	v.Scopes = slices.Clone(v.Scopes)
	c.Validation = v
	return c
}

// Token returns the credential as an oauth2 token.
func (c Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.ExpiresAt,
	}
}

// FromToken builds an unvalidated credential from an oauth2 token. When the
// token endpoint omits a new refresh token, fallbackRefresh is kept.
func FromToken(tok *oauth2.Token, fallbackRefresh string) Credential {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    tok.Expiry,
	}
}
