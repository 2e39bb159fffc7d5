package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/apitoken"
)

const tokenColumns = `id, name, actor, prefix, token_hash, scopes, created_by, created_at, expires_at, revoked_at`

func scanToken(row scannable) (apitoken.Token, error) {
	var t apitoken.Token
	err := row.Scan(&t.ID, &t.Name, &t.Actor, &t.Prefix, &t.Hash, &t.Scopes, &t.CreatedBy,
		&t.CreatedAt, &t.ExpiresAt, &t.RevokedAt)
	return t, err
}

func insertToken(ctx context.Context, q execer, t *apitoken.Token) error {
	err := q.QueryRow(ctx, `
		INSERT INTO api_tokens (id, name, actor, prefix, token_hash, scopes, created_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		t.ID, t.Name, t.Actor, t.Prefix, t.Hash, textArray(t.Scopes), t.CreatedBy, t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api token: %w", err)
	}
	return nil
}

func (s *Store) CreateAPIToken(ctx context.Context, t *apitoken.Token) error {
	return insertToken(ctx, s.pool, t)
}

// GetAPITokenByHash returns the token with hash, revoked or not. Callers
// check Active.
func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*apitoken.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM api_tokens WHERE token_hash = $1`, hash)
	t, err := scanToken(row)
	if err != nil {
		return nil, wrapNotFound(err, "get api token")
	}
	return &t, nil
}

// ListAPITokens lists the tokens of actor, or every token when actor is empty.
func (s *Store) ListAPITokens(ctx context.Context, actor string) ([]apitoken.Token, error) {
	q := `SELECT ` + tokenColumns + ` FROM api_tokens`
	args := []any{}
	if actor != "" {
		q += ` WHERE actor = $1`
		args = append(args, actor)
	}
	q += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, args...)
	return collect(rows, err, "list api tokens", scanToken)
}

// RevokeAPIToken revokes token id. A non-empty actor restricts the match to
// that actor's tokens. Revoking twice is ErrNotFound.
func (s *Store) RevokeAPIToken(ctx context.Context, id, actor string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_tokens SET revoked_at = $3
		WHERE id = $1 AND ($2 = '' OR actor = $2) AND revoked_at IS NULL`,
		id, actor, at)
	return expectOneRow(tag, err, domain.ErrNotFound, "revoke api token %s", id)
}

// BootstrapAPIToken creates t only while no token exists at all. The
// advisory lock serializes concurrent bootstraps.
func (s *Store) BootstrapAPIToken(ctx context.Context, t *apitoken.Token) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('api_tokens.bootstrap'))`); err != nil {
		return fmt.Errorf("lock bootstrap: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM api_tokens)`).Scan(&exists); err != nil {
		return fmt.Errorf("check api tokens: %w", err)
	}
	if exists {
		return fmt.Errorf("bootstrap api token: %w", domain.ErrConflict)
	}
	if err := insertToken(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}
