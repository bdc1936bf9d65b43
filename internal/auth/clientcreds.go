package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsSource obtains app access tokens with the client
// credentials grant. No user is involved.
type ClientCredentialsSource struct {
	*cachedSource
	oauth *clientcredentials.Config
}

// NewClientCredentialsSource creates an app-scoped Source.
func NewClientCredentialsSource(client ClientConfig, cfg SourceConfig) *ClientCredentialsSource {
	endpoint := client.Endpoint()
	s := &ClientCredentialsSource{
		oauth: &clientcredentials.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			TokenURL:     endpoint.TokenURL,
			Scopes:       client.Scopes,
			AuthStyle:    endpoint.AuthStyle,
		},
	}
	s.cachedSource = newCachedSource(KindClientCredentials, cfg, s.token)
	return s
}

func (s *ClientCredentialsSource) token(ctx context.Context, _ Credential) (Credential, error) {
	tok, err := s.oauth.Token(s.oauthContext(ctx))
	if err != nil {
		return Credential{}, fmt.Errorf("client credentials grant: %w", err)
	}
	return FromToken(tok, ""), nil
}
