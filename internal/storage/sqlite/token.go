package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/shopfront/internal/domain/auth"
)

const (
	findTokenByHashSQL = `SELECT t.token_hash, p.id, p.name, p.role
		FROM api_tokens t JOIN principals p ON p.id = t.principal_id
		WHERE t.token_hash = ? AND t.active = 1`

	upsertPrincipalSQL = `INSERT INTO principals (id, name, role, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role`

	upsertTokenSQL = `INSERT INTO api_tokens (token_hash, principal_id, active, created_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (token_hash) DO UPDATE SET principal_id = excluded.principal_id, active = 1`
)

var _ auth.Repository = (*TokenRepository)(nil)

// TokenRepository stores principals and their API tokens.
type TokenRepository struct {
	db dbtx
}

// FindByTokenHash looks up an active token by its hash.
func (r *TokenRepository) FindByTokenHash(ctx context.Context, hash string) (*auth.Token, error) {
	var (
		t    auth.Token
		role string
	)
	err := r.db.QueryRowContext(ctx, findTokenByHashSQL, hash).Scan(&t.Hash, &t.Principal.ID, &t.Principal.Name, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("finding token by hash: %w", err)
	}
	t.Principal.Role = auth.Role(role)
	return &t, nil
}

// UpsertPrincipal inserts or updates a principal.
func (r *TokenRepository) UpsertPrincipal(ctx context.Context, p auth.Principal) error {
	if _, err := r.db.ExecContext(ctx, upsertPrincipalSQL, p.ID, p.Name, string(p.Role), unixNano(time.Now())); err != nil {
		return fmt.Errorf("upserting principal %q: %w", p.ID, err)
	}
	return nil
}

// UpsertToken binds a token hash to a principal and activates it.
func (r *TokenRepository) UpsertToken(ctx context.Context, hash, principalID string) error {
	if _, err := r.db.ExecContext(ctx, upsertTokenSQL, hash, principalID, unixNano(time.Now())); err != nil {
		return fmt.Errorf("upserting token for %q: %w", principalID, err)
	}
	return nil
}
