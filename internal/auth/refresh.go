package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// RefreshSource exchanges a long-lived refresh token for new access tokens
// without involving the user.
type RefreshSource struct {
	*cachedSource
	oauth *oauth2.Config
	seed  string
}

// NewRefreshSource creates a silent-refresh Source. seedRefreshToken is used
// when neither the cache nor the Store holds a refresh token.
func NewRefreshSource(client ClientConfig, seedRefreshToken string, cfg SourceConfig) *RefreshSource {
	s := &RefreshSource{
		oauth: client.oauth2Config(),
		seed:  seedRefreshToken,
	}
	s.cachedSource = newCachedSource(KindRefresh, cfg, s.refresh)
	return s
}

func (s *RefreshSource) refresh(ctx context.Context, prev Credential) (Credential, error) {
	refreshToken := prev.RefreshToken
	if refreshToken == "" {
		refreshToken = s.seed
	}
	if refreshToken == "" {
		return Credential{}, ErrNoRefreshToken
	}

	s.logger.Debug("refreshing access token")

	// An empty access token forces the token source to hit the token endpoint.
	ts := s.oauth.TokenSource(s.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("refresh token: %w", err)
	}

	return FromToken(tok, refreshToken), nil
}
