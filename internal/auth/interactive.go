package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Authorizer presents an authorization URL to a human and returns the query
// parameters of the redirect callback. Implementations block until the user
// finishes or ctx ends.
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (url.Values, error)
}

// InteractiveSource runs the authorization code flow. Every ForceNew asks the
// user again; failures are never retried automatically.
type InteractiveSource struct {
	*cachedSource
	oauth      *oauth2.Config
	authorizer Authorizer
	newState   func() string
}

// NewInteractiveSource creates a Source that prompts a human through authorizer.
func NewInteractiveSource(client ClientConfig, authorizer Authorizer, cfg SourceConfig) *InteractiveSource {
	s := &InteractiveSource{
		oauth:      client.oauth2Config(),
		authorizer: authorizer,
		newState:   uuid.NewString,
	}
	s.cachedSource = newCachedSource(KindInteractive, cfg, s.authorize)
	return s
}

func (s *InteractiveSource) authorize(ctx context.Context, _ Credential) (Credential, error) {
	state := s.newState()
	authURL := s.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true"))

	s.logger.Info("waiting for interactive authorization")

	params, err := s.authorizer.Authorize(ctx, authURL)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthorizationDenied, err)
	}

	if e := params.Get("error"); e != "" {
		return Credential{}, fmt.Errorf("%w: %s: %s", ErrAuthorizationDenied, e, params.Get("error_description"))
	}
	if params.Get("state") != state {
		return Credential{}, ErrStateMismatch
	}
	code := params.Get("code")
	if code == "" {
		return Credential{}, ErrMissingCode
	}

	tok, err := s.oauth.Exchange(s.oauthContext(ctx), code)
	if err != nil {
		return Credential{}, fmt.Errorf("exchange code: %w", err)
	}
	return FromToken(tok, ""), nil
}

// CallbackAuthorizer receives the redirect on a local HTTP listener.
type CallbackAuthorizer struct {
	Addr   string               // Listen address, e.g. "localhost:3000"
	Path   string               // Callback path, e.g. "/callback"
	Prompt func(authURL string) // Shows the URL to the user
	Logger *slog.Logger
}

// Authorize serves the callback path until one request arrives.
func (a *CallbackAuthorizer) Authorize(ctx context.Context, authURL string) (url.Values, error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen for callback: %w", err)
	}

	result := make(chan url.Values, 1)
	path := a.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		select {
		case result <- r.URL.Query():
			w.Write([]byte("Authorization received. You can close this window.\n"))
		default:
			http.Error(w, "authorization already received", http.StatusConflict)
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("callback server error", "error", err)
		}
	}()
	defer srv.Close()

	if a.Prompt != nil {
		a.Prompt(authURL)
	} else {
		logger.Info("open this URL to authorize", "url", authURL)
	}

	select {
	case params := <-result:
		return params, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
