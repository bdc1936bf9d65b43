package auth

import (
	"strings"

	"golang.org/x/oauth2"
)

// ClientConfig identifies the registered application.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	OAuthURL     string // e.g. https://id.twitch.tv/oauth2
}

// Endpoint returns the authorize and token endpoints under the OAuth base URL.
func (c ClientConfig) Endpoint() oauth2.Endpoint {
	base := strings.TrimSuffix(c.OAuthURL, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/authorize",
		TokenURL:  base + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

func (c ClientConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint:     c.Endpoint(),
	}
}
