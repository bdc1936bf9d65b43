package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/twitchkit/internal/auth"
)

// DB is the subset of *pgxpool.Pool the Postgres store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS oauth_credentials (
	owner_key     TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at    TIMESTAMPTZ,
	login         TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	client_id     TEXT NOT NULL DEFAULT '',
	scopes        TEXT[] NOT NULL DEFAULT '{}',
	validated_at  TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const selectSQL = `
SELECT access_token, refresh_token, expires_at, login, user_id, client_id, scopes, validated_at
FROM oauth_credentials
WHERE owner_key = $1`

const upsertSQL = `
INSERT INTO oauth_credentials
	(owner_key, access_token, refresh_token, expires_at, login, user_id, client_id, scopes, validated_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (owner_key) DO UPDATE SET
	access_token  = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	expires_at    = EXCLUDED.expires_at,
	login         = EXCLUDED.login,
	user_id       = EXCLUDED.user_id,
	client_id     = EXCLUDED.client_id,
	scopes        = EXCLUDED.scopes,
	validated_at  = EXCLUDED.validated_at,
	updated_at    = now()`

const deleteSQL = `DELETE FROM oauth_credentials WHERE owner_key = $1`

// Postgres stores credentials in the oauth_credentials table.
type Postgres struct {
	db DB
}

// NewPostgres creates a Postgres store on db.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the credentials table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create oauth_credentials: %w", err)
	}
	return nil
}

// Fetch returns the credential for ownerKey or auth.ErrNotFound.
func (p *Postgres) Fetch(ctx context.Context, ownerKey string) (auth.Credential, error) {
	var (
		r           record
		expiresAt   *time.Time
		validatedAt *time.Time
	)
	err := p.db.QueryRow(ctx, selectSQL, ownerKey).Scan(
		&r.AccessToken,
		&r.RefreshToken,
		&expiresAt,
		&r.Login,
		&r.UserID,
		&r.ClientID,
		&r.Scopes,
		&validatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Credential{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Credential{}, fmt.Errorf("select credential: %w", err)
	}

	if expiresAt != nil {
		r.ExpiresAt = *expiresAt
	}
	if validatedAt != nil {
		r.ValidatedAt = *validatedAt
	}
	return r.credential(), nil
}

// Store upserts the credential for ownerKey.
func (p *Postgres) Store(ctx context.Context, ownerKey string, cred auth.Credential) error {
	r := toRecord(cred)
	scopes := r.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	_, err := p.db.Exec(ctx, upsertSQL,
		ownerKey,
		r.AccessToken,
		r.RefreshToken,
		nullableTime(r.ExpiresAt),
		r.Login,
		r.UserID,
		r.ClientID,
		scopes,
		nullableTime(r.ValidatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Remove deletes the credential for ownerKey.
func (p *Postgres) Remove(ctx context.Context, ownerKey string) error {
	if _, err := p.db.Exec(ctx, deleteSQL, ownerKey); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
