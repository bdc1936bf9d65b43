package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mapStore is an in-memory Store for tests.
type mapStore struct {
	mu    sync.Mutex
	creds map[string]Credential
	puts  int
}

func newMapStore() *mapStore {
	return &mapStore{creds: make(map[string]Credential)}
}

func (m *mapStore) Fetch(ctx context.Context, owner string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[owner]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *mapStore) Store(ctx context.Context, owner string, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[owner] = cred
	m.puts++
	return nil
}

func (m *mapStore) Remove(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, owner)
	return nil
}

// oauthServer fakes the token and validate endpoints.
type oauthServer struct {
	*httptest.Server
	refreshCalls  atomic.Int32
	clientCalls   atomic.Int32
	exchangeCalls atomic.Int32
	validateCalls atomic.Int32
	tokenDelay    time.Duration
}

func newOAuthServer(t *testing.T) *oauthServer {
	t.Helper()
	s := &oauthServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.tokenDelay > 0 {
			time.Sleep(s.tokenDelay)
		}
		if r.Form.Get("client_id") != "client" {
			http.Error(w, `{"message":"invalid client"}`, http.StatusBadRequest)
			return
		}

		var access string
		switch r.Form.Get("grant_type") {
		case "refresh_token":
			if r.Form.Get("refresh_token") == "revoked" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant","message":"Invalid refresh token"}`))
				return
			}
			n := s.refreshCalls.Add(1)
			access = fmt.Sprintf("user-%d", n)
		case "client_credentials":
			n := s.clientCalls.Add(1)
			access = fmt.Sprintf("app-%d", n)
		case "authorization_code":
			if r.Form.Get("code") != "good-code" {
				http.Error(w, `{"message":"invalid code"}`, http.StatusBadRequest)
				return
			}
			n := s.exchangeCalls.Add(1)
			access = fmt.Sprintf("interactive-%d", n)
		default:
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-" + access,
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	})

	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		s.validateCalls.Add(1)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
		if token == "" || strings.HasPrefix(token, "bad") {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"client_id":  "client",
			"login":      "somelogin",
			"user_id":    "1234",
			"scopes":     []string{"chat:read"},
			"expires_in": 3000,
		})
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *oauthServer) client() ClientConfig {
	return ClientConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/callback",
		Scopes:       []string{"chat:read"},
		OAuthURL:     s.URL + "/oauth2",
	}
}

func TestCredential(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cred := Credential{AccessToken: "tok", ExpiresAt: now.Add(time.Hour)}
	if !cred.Stale(now) {
		t.Error("unvalidated credential should be stale")
	}

	scopes := []string{"chat:read"}
	validated := cred.WithValidation(Validation{Scopes: scopes, ValidatedAt: now})
	scopes[0] = "mutated"

	if !validated.HasScope("chat:read") {
		t.Error("WithValidation should copy scopes")
	}
	if cred.Validation.ValidatedAt != (time.Time{}) {
		t.Error("WithValidation must not modify the receiver")
	}
	if validated.Stale(now.Add(44 * time.Minute)) {
		t.Error("credential validated 44 minutes ago should be fresh")
	}
	if !validated.Stale(now.Add(45 * time.Minute)) {
		t.Error("credential validated 45 minutes ago should be stale")
	}
	if validated.Expired(now.Add(59 * time.Minute)) {
		t.Error("credential should not be expired before ExpiresAt")
	}
	if !validated.Expired(now.Add(time.Hour)) {
		t.Error("credential should be expired at ExpiresAt")
	}
	if (Credential{AccessToken: "x"}).Expired(now) {
		t.Error("credential without expiry should never expire")
	}
}

func TestValidator(t *testing.T) {
	srv := newOAuthServer(t)
	v := NewValidator(srv.URL+"/oauth2/", nil)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return fixed }

	t.Run("valid token", func(t *testing.T) {
		cred, err := v.Validate(context.Background(), Credential{AccessToken: "good"})
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if cred.Validation.Login != "somelogin" || cred.Validation.UserID != "1234" {
			t.Errorf("Validation = %+v", cred.Validation)
		}
		if !cred.Validation.ValidatedAt.Equal(fixed) {
			t.Errorf("ValidatedAt = %v, want %v", cred.Validation.ValidatedAt, fixed)
		}
		if !cred.ExpiresAt.Equal(fixed.Add(3000 * time.Second)) {
			t.Errorf("ExpiresAt = %v", cred.ExpiresAt)
		}
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := v.Validate(context.Background(), Credential{AccessToken: "bad-token"})
		if !IsUnauthorized(err) {
			t.Fatalf("Validate() error = %v, want unauthorized", err)
		}
	})
}

func TestRefreshSource(t *testing.T) {
	t.Run("uses seed when store is empty and persists result", func(t *testing.T) {
		srv := newOAuthServer(t)
		store := newMapStore()
		src := NewRefreshSource(srv.client(), "seed", SourceConfig{
			Store:     store,
			OwnerKey:  "me",
			Validator: NewValidator(srv.URL+"/oauth2", nil),
		})

		cred, err := src.Current(context.Background())
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		if cred.AccessToken != "user-1" {
			t.Errorf("AccessToken = %q, want %q", cred.AccessToken, "user-1")
		}
		if cred.Validation.Login != "somelogin" {
			t.Errorf("Login = %q, want validated", cred.Validation.Login)
		}

		stored, err := store.Fetch(context.Background(), "me")
		if err != nil || stored.AccessToken != "user-1" {
			t.Errorf("stored = %+v, %v", stored, err)
		}

		again, err := src.Current(context.Background())
		if err != nil || again.AccessToken != "user-1" {
			t.Errorf("second Current() = %q, %v", again.AccessToken, err)
		}
		if n := srv.refreshCalls.Load(); n != 1 {
			t.Errorf("refresh calls = %d, want 1", n)
		}
	})

	t.Run("loads fresh credential from store without network", func(t *testing.T) {
		srv := newOAuthServer(t)
		store := newMapStore()
		store.creds["me"] = Credential{
			AccessToken:  "stored",
			RefreshToken: "r",
			ExpiresAt:    time.Now().Add(time.Hour),
			Validation:   Validation{Login: "somelogin", ValidatedAt: time.Now()},
		}
		src := NewRefreshSource(srv.client(), "", SourceConfig{
			Store:     store,
			OwnerKey:  "me",
			Validator: NewValidator(srv.URL+"/oauth2", nil),
		})

		cred, err := src.Current(context.Background())
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		if cred.AccessToken != "stored" {
			t.Errorf("AccessToken = %q, want %q", cred.AccessToken, "stored")
		}
		if srv.refreshCalls.Load() != 0 || srv.validateCalls.Load() != 0 {
			t.Errorf("unexpected network calls: refresh=%d validate=%d", srv.refreshCalls.Load(), srv.validateCalls.Load())
		}
	})

	t.Run("stale stored credential is revalidated", func(t *testing.T) {
		srv := newOAuthServer(t)
		store := newMapStore()
		store.creds["me"] = Credential{
			AccessToken: "stored",
			ExpiresAt:   time.Now().Add(time.Hour),
			Validation:  Validation{ValidatedAt: time.Now().Add(-2 * time.Hour)},
		}
		src := NewRefreshSource(srv.client(), "", SourceConfig{
			Store:     store,
			OwnerKey:  "me",
			Validator: NewValidator(srv.URL+"/oauth2", nil),
		})

		cred, err := src.Current(context.Background())
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		if cred.AccessToken != "stored" || cred.Stale(time.Now()) {
			t.Errorf("credential = %+v, want revalidated stored token", cred)
		}
		if srv.validateCalls.Load() != 1 {
			t.Errorf("validate calls = %d, want 1", srv.validateCalls.Load())
		}
	})

	t.Run("stored credential rejected on validation is refreshed", func(t *testing.T) {
		srv := newOAuthServer(t)
		store := newMapStore()
		store.creds["me"] = Credential{AccessToken: "bad-old", RefreshToken: "r"}
		src := NewRefreshSource(srv.client(), "", SourceConfig{
			Store:     store,
			OwnerKey:  "me",
			Validator: NewValidator(srv.URL+"/oauth2", nil),
		})

		cred, err := src.Current(context.Background())
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		if cred.AccessToken != "user-1" {
			t.Errorf("AccessToken = %q, want %q", cred.AccessToken, "user-1")
		}
	})

	t.Run("no refresh token", func(t *testing.T) {
		srv := newOAuthServer(t)
		src := NewRefreshSource(srv.client(), "", SourceConfig{})
		if _, err := src.Current(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
			t.Fatalf("Current() error = %v, want ErrNoRefreshToken", err)
		}
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		srv := newOAuthServer(t)
		src := NewRefreshSource(srv.client(), "revoked", SourceConfig{})
		if _, err := src.Current(context.Background()); err == nil {
			t.Fatal("expected error for revoked refresh token")
		}
	})

	t.Run("concurrent ForceNew refreshes once", func(t *testing.T) {
		srv := newOAuthServer(t)
		srv.tokenDelay = 50 * time.Millisecond
		src := NewRefreshSource(srv.client(), "seed", SourceConfig{})

		first, err := src.Current(context.Background())
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}

		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cred, err := src.ForceNew(context.Background(), first)
				if err != nil {
					t.Errorf("ForceNew() error = %v", err)
					return
				}
				results[i] = cred.AccessToken
			}(i)
		}
		wg.Wait()

		for i, tok := range results {
			if tok != "user-2" {
				t.Errorf("result[%d] = %q, want %q", i, tok, "user-2")
			}
		}
		if n := srv.refreshCalls.Load(); n != 2 {
			t.Errorf("refresh calls = %d, want 2 (initial + one renewal)", n)
		}
	})

	t.Run("ForceNew with an outdated rejection returns the current credential", func(t *testing.T) {
		srv := newOAuthServer(t)
		src := NewRefreshSource(srv.client(), "seed", SourceConfig{})

		first, _ := src.Current(context.Background())
		second, err := src.ForceNew(context.Background(), first)
		if err != nil {
			t.Fatalf("ForceNew() error = %v", err)
		}

		third, err := src.ForceNew(context.Background(), first)
		if err != nil {
			t.Fatalf("ForceNew() error = %v", err)
		}
		if third.AccessToken != second.AccessToken {
			t.Errorf("ForceNew(outdated) = %q, want %q", third.AccessToken, second.AccessToken)
		}
		if n := srv.refreshCalls.Load(); n != 2 {
			t.Errorf("refresh calls = %d, want 2", n)
		}
	})
}

func TestClientCredentialsSource(t *testing.T) {
	srv := newOAuthServer(t)
	src := NewClientCredentialsSource(srv.client(), SourceConfig{})

	if src.Kind() != KindClientCredentials {
		t.Errorf("Kind() = %q", src.Kind())
	}

	cred, err := src.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if cred.AccessToken != "app-1" {
		t.Errorf("AccessToken = %q, want %q", cred.AccessToken, "app-1")
	}

	renewed, err := src.ForceNew(context.Background(), cred)
	if err != nil {
		t.Fatalf("ForceNew() error = %v", err)
	}
	if renewed.AccessToken != "app-2" {
		t.Errorf("renewed AccessToken = %q, want %q", renewed.AccessToken, "app-2")
	}
}

func TestGateWithRefreshSource(t *testing.T) {
	srv := newOAuthServer(t)
	src := NewRefreshSource(srv.client(), "seed", SourceConfig{})
	g := NewGate(src, nil, nil)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer api.Close()

	var statuses []int
	err := g.Do(context.Background(), ScopeUser, func(ctx context.Context, cred Credential) error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, api.URL, nil)
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(statuses) != 2 || statuses[0] != 401 || statuses[1] != 200 {
		t.Errorf("statuses = %v, want [401 200]", statuses)
	}
}
