package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Kind identifies how a Source obtains new credentials.
type Kind string

const (
	KindInteractive       Kind = "interactive"
	KindRefresh           Kind = "refresh"
	KindClientCredentials Kind = "client_credentials"
)

// Source produces credentials. Variants differ only in how a new credential
// is obtained.
type Source interface {
	// Current returns a usable credential, loading it from the Store or
	// obtaining a new one when nothing usable is cached.
	Current(ctx context.Context) (Credential, error)

	// ForceNew replaces rejected with a newly obtained credential. If another
	// caller already replaced it, the replacement is returned without a second
	// round trip.
	ForceNew(ctx context.Context, rejected Credential) (Credential, error)

	// Kind reports the variant.
	Kind() Kind
}

// Store persists credentials by owner key.
type Store interface {
	// Fetch returns the stored credential or ErrNotFound.
	Fetch(ctx context.Context, ownerKey string) (Credential, error)
	Store(ctx context.Context, ownerKey string, cred Credential) error
	Remove(ctx context.Context, ownerKey string) error
}

// SourceConfig holds the collaborators shared by every Source variant.
type SourceConfig struct {
	Store      Store        // nil keeps credentials in memory only
	OwnerKey   string       // Store key
	Validator  *Validator   // nil skips validation
	HTTPClient *http.Client // Used for token endpoint calls; nil = http.DefaultClient
	Logger     *slog.Logger
}

// obtainFunc fetches a brand-new credential. prev is the last known
// credential (possibly zero) so refresh flows can reuse its refresh token.
type obtainFunc func(ctx context.Context, prev Credential) (Credential, error)

// cachedSource implements the Source contract on top of an obtainFunc:
// an RWMutex-guarded cached credential, write-through to the Store, periodic
// revalidation, and singleflight deduplication of concurrent refreshes.
type cachedSource struct {
	kind   Kind
	cfg    SourceConfig
	obtain obtainFunc
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cached Credential

	group singleflight.Group
}

func newCachedSource(kind Kind, cfg SourceConfig, obtain obtainFunc) *cachedSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedSource{
		kind:   kind,
		cfg:    cfg,
		obtain: obtain,
		logger: logger.With("source", string(kind), "owner", cfg.OwnerKey),
		now:    time.Now,
	}
}

// Kind reports the variant.
func (s *cachedSource) Kind() Kind {
	return s.kind
}

// Current returns a usable credential.
func (s *cachedSource) Current(ctx context.Context) (Credential, error) {
	if cred, ok := s.usable(); ok {
		return cred, nil
	}

	v, err, _ := s.group.Do("current", func() (any, error) {
		if cred, ok := s.usable(); ok {
			return cred, nil
		}
		return s.load(ctx)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// ForceNew obtains a replacement for rejected.
func (s *cachedSource) ForceNew(ctx context.Context, rejected Credential) (Credential, error) {
	v, err, shared := s.group.Do("renew", func() (any, error) {
		s.mu.RLock()
		cached := s.cached
		s.mu.RUnlock()

		if !cached.IsZero() && cached.AccessToken != rejected.AccessToken {
			return cached, nil
		}

		prev := rejected
		if prev.RefreshToken == "" {
			prev = cached
		}
		return s.replace(ctx, prev)
	})
	if err != nil {
		return Credential{}, err
	}
	if shared {
		s.logger.Debug("joined in-flight reauthorization")
	}
	return v.(Credential), nil
}

// usable returns the cached credential if it is neither stale nor expired.
func (s *cachedSource) usable() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	if s.cached.IsZero() || s.cached.Expired(now) {
		return Credential{}, false
	}
	if s.cfg.Validator != nil && s.cached.Stale(now) {
		return Credential{}, false
	}
	return s.cached, true
}

// load resolves a credential from cache, Store, or a fresh obtain.
func (s *cachedSource) load(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cred := s.cached
	s.mu.RUnlock()

	if cred.IsZero() && s.cfg.Store != nil {
		stored, err := s.cfg.Store.Fetch(ctx, s.cfg.OwnerKey)
		switch {
		case err == nil:
			cred = stored
		case errors.Is(err, ErrNotFound):
		default:
			return Credential{}, fmt.Errorf("fetch credential: %w", err)
		}
	}

	now := s.now()
	if cred.IsZero() || cred.Expired(now) {
		return s.replace(ctx, cred)
	}

	if s.cfg.Validator != nil && cred.Stale(now) {
		validated, err := s.cfg.Validator.Validate(ctx, cred)
		switch {
		case err == nil:
			cred = validated
			s.persist(ctx, cred)
		case IsUnauthorized(err):
			s.logger.Info("stored credential rejected on validation, obtaining a new one")
			return s.replace(ctx, cred)
		default:
			// Unreachable validation endpoint: keep the unexpired token.
			s.logger.Warn("credential validation failed, using unvalidated token", "error", err)
		}
	}

	s.mu.Lock()
	s.cached = cred
	s.mu.Unlock()
	return cred, nil
}

// replace obtains, validates, persists, and caches a new credential.
func (s *cachedSource) replace(ctx context.Context, prev Credential) (Credential, error) {
	cred, err := s.obtain(ctx, prev)
	if err != nil {
		return Credential{}, err
	}

	if s.cfg.Validator != nil {
		validated, err := s.cfg.Validator.Validate(ctx, cred)
		if err != nil {
			return Credential{}, fmt.Errorf("validate new credential: %w", err)
		}
		cred = validated
	}

	s.persist(ctx, cred)

	s.mu.Lock()
	s.cached = cred
	s.mu.Unlock()

	s.logger.Info("credential obtained",
		"login", cred.Validation.Login,
		"expires_at", cred.ExpiresAt,
	)
	return cred, nil
}

func (s *cachedSource) persist(ctx context.Context, cred Credential) {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.Store(ctx, s.cfg.OwnerKey, cred); err != nil {
		s.logger.Warn("failed to store credential", "error", err)
	}
}

// oauthContext attaches the configured HTTP client for oauth2 calls.
func (s *cachedSource) oauthContext(ctx context.Context) context.Context {
	if s.cfg.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
}
