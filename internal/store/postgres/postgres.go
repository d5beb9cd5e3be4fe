// Package postgres implements the store contract on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/punchamoorthee/ticketledger/internal/store"
)

//go:embed schema.sql
var schema string

// DB is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type Pool interface {
	DB
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	pool   Pool
	db     DB
	units  bool
	inUnit bool
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithoutUnits makes Atomic report ErrAtomicityUnavailable so callers take
// their single-row fallback paths.
func WithoutUnits() Option {
	return func(s *Store) { s.units = false }
}

// New builds a Store backed by the provided connection pool.
func New(pool Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres store requires pool")
	}
	s := &Store{pool: pool, db: pool, units: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database config")
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

// Atomic runs fn inside a read-committed transaction. Every shared-row write
// in this package is a conditional UPDATE/INSERT whose predicate is
// re-evaluated against the latest committed row, so read committed is enough
// and avoids serialization aborts under contention.
func (s *Store) Atomic(ctx context.Context, fn store.UnitFunc) error {
	if !s.units {
		return store.ErrAtomicityUnavailable
	}
	if s.inUnit {
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin unit")
	}
	defer tx.Rollback(ctx) // no-op if committed

	if err := fn(ctx, &Store{pool: s.pool, db: tx, units: true, inUnit: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit unit")
	}
	return nil
}

// mapErr converts driver errors into store sentinels.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrDuplicateKey
	}
	return errors.Wrap(err, op)
}

func jsonBytes(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func fromInt32s(in []int32) []int {
	if len(in) == 0 {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
