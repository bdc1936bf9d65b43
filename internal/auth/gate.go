package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Scope selects which Source a call needs.
type Scope int

const (
	ScopeNone Scope = iota // Unauthenticated call
	ScopeUser              // User access token
	ScopeApp               // App access token
)

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeUser:
		return "user"
	case ScopeApp:
		return "app"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// Func is a call executed under a credential. cred is zero for ScopeNone.
type Func func(ctx context.Context, cred Credential) error

// Gate executes calls with a valid credential and reauthorizes at most once
// per call when the call is rejected as unauthorized.
type Gate struct {
	user   Source
	app    Source
	logger *slog.Logger
}

// NewGate creates a Gate. Either source may be nil if that scope is unused.
func NewGate(user, app Source, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		user:   user,
		app:    app,
		logger: logger,
	}
}

// Source returns the Source configured for scope.
func (g *Gate) Source(scope Scope) (Source, error) {
	switch scope {
	case ScopeNone:
		return nil, nil
	case ScopeUser:
		if g.user != nil {
			return g.user, nil
		}
	case ScopeApp:
		if g.app != nil {
			return g.app, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSource, scope)
}

// Do runs fn in two stages: the first attempt, then at most one retry after
// a single reauthorization. The retry's outcome is returned verbatim.
func (g *Gate) Do(ctx context.Context, scope Scope, fn Func) error {
	src, err := g.Source(scope)
	if err != nil {
		return err
	}

	var cred Credential
	if src != nil {
		cred, err = src.Current(ctx)
		if err != nil {
			return fmt.Errorf("obtain credential: %w", err)
		}
	}

	// Stage 1: attempt.
	err = fn(ctx, cred)
	if err == nil || src == nil || !IsUnauthorized(err) {
		return err
	}

	g.logger.Info("call rejected as unauthorized, reauthorizing once",
		"scope", scope,
		"source", src.Kind(),
		"error", err,
	)

	fresh, rerr := src.ForceNew(ctx, cred)
	if rerr != nil {
		return errors.Join(err, fmt.Errorf("reauthorize: %w", rerr))
	}

	// Stage 2: single retry.
	return fn(ctx, fresh)
}

// Execute is Do for calls that produce a value.
func Execute[T any](ctx context.Context, g *Gate, scope Scope, fn func(ctx context.Context, cred Credential) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, scope, func(ctx context.Context, cred Credential) error {
		v, err := fn(ctx, cred)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
