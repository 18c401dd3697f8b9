package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ order.Store = (*Store)(nil)
	_ order.Tx    = txRepos{}
)

// Store groups the repositories over one pool and runs transactions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store that uses the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Orders() order.Repository { return &OrderRepository{db: s.pool} }

func (s *Store) Carts() cart.Repository { return &CartRepository{db: s.pool} }

func (s *Store) Products() product.Repository { return &ProductRepository{db: s.pool} }

// Tokens returns the API token repository.
func (s *Store) Tokens() *TokenRepository { return &TokenRepository{db: s.pool} }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// InTx runs fn in a transaction. Cart reads inside fn lock the rows they
// return until the transaction ends.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) (txErr error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if txErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				txErr = errors.Join(txErr, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err := fn(ctx, txRepos{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// txRepos binds repositories to one transaction.
type txRepos struct {
	tx pgx.Tx
}

func (t txRepos) Orders() order.Repository { return &OrderRepository{db: t.tx} }

func (t txRepos) Carts() cart.Repository { return &CartRepository{db: t.tx, lock: true} }

func (t txRepos) Products() product.Repository { return &ProductRepository{db: t.tx} }

// isUniqueViolation reports whether err is a unique violation of constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}
