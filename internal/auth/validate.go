package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Validator checks tokens against the provider's validation endpoint.
type Validator struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
}

// validateResponse is the body returned by GET /oauth2/validate.
type validateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expires_in"`
}

// NewValidator creates a Validator for the OAuth base URL
// (e.g. https://id.twitch.tv/oauth2). A nil httpClient uses http.DefaultClient.
func NewValidator(oauthURL string, httpClient *http.Client) *Validator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Validator{
		url:        strings.TrimSuffix(oauthURL, "/") + "/validate",
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Validate asks the provider who owns cred and returns a new credential
// carrying the fresh validation record. A rejected token yields an error
// wrapping ErrUnauthorized.
func (v *Validator) Validate(ctx context.Context, cred Credential) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+cred.AccessToken)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return Credential{}, fmt.Errorf("validate token: %w", ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		return Credential{}, fmt.Errorf("validate token: status %d", resp.StatusCode)
	}

	var vr validateResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return Credential{}, fmt.Errorf("unmarshal response: %w", err)
	}

	now := v.now()
	validated := cred.WithValidation(Validation{
		Login:       vr.Login,
		UserID:      vr.UserID,
		ClientID:    vr.ClientID,
		Scopes:      vr.Scopes,
		ValidatedAt: now,
	})
	if vr.ExpiresIn > 0 {
		validated.ExpiresAt = now.Add(time.Duration(vr.ExpiresIn) * time.Second)
	}
	return validated, nil
}
