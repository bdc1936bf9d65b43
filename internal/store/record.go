package store

import (
	"time"

	"github.com/rickgao/twitchkit/internal/auth"
)

// record is the serialized form of a credential.
type record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Login        string    `json:"login,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ValidatedAt  time.Time `json:"validated_at,omitzero"`
}

func toRecord(c auth.Credential) record {
	return record{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
		Login:        c.Validation.Login,
		UserID:       c.Validation.UserID,
		ClientID:     c.Validation.ClientID,
		Scopes:       c.Validation.Scopes,
		ValidatedAt:  c.Validation.ValidatedAt,
	}
}

func (r record) credential() auth.Credential {
	c := auth.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
	}
	return c.WithValidation(auth.Validation{
		Login:       r.Login,
		UserID:      r.UserID,
		ClientID:    r.ClientID,
		Scopes:      r.Scopes,
		ValidatedAt: r.ValidatedAt,
	})
}
