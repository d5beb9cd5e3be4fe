package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

const accountColumns = "id, balance, role, commission_rate::text, created_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a    domain.Account
		role string
		rate string
	)
	if err := row.Scan(&a.ID, &a.Balance, &role, &rate, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Role = domain.Role(role)
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, errors.Wrapf(err, "account %d commission rate", a.ID)
	}
	a.CommissionRate = r
	return &a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.Role == "" {
		a.Role = domain.RoleUser
	}
	err := s.db.QueryRow(ctx, `
INSERT INTO accounts (balance, role, commission_rate) VALUES ($1, $2, $3::numeric)
RETURNING id, created_at`, a.Balance, string(a.Role), a.CommissionRate.String()).Scan(&a.ID, &a.CreatedAt)
	return mapErr(err, "insert account")
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		return nil, mapErr(err, "select account")
	}
	return a, nil
}

func (s *Store) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, mapErr(err, "lock account")
	}
	return a, nil
}

func (s *Store) SetBalance(ctx context.Context, id int64, balance int64) error {
	tag, err := s.db.Exec(ctx, "UPDATE accounts SET balance = $2 WHERE id = $1", id, balance)
	if err != nil {
		return mapErr(err, "update balance")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DebitIfSufficient(ctx context.Context, id int64, amount int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		"UPDATE accounts SET balance = balance - $2 WHERE id = $1 AND balance >= $2 RETURNING balance",
		id, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, mapErr(err, "conditional debit")
	}

	// No row matched: either the account is missing or the funds are.
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", id).Scan(&exists); err != nil {
		return 0, mapErr(err, "check account")
	}
	if !exists {
		return 0, store.ErrNotFound
	}
	return 0, store.ErrNoMatch
}

func (s *Store) Credit(ctx context.Context, id int64, amount int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance", id, amount).Scan(&balance)
	if err != nil {
		return 0, mapErr(err, "credit")
	}
	return balance, nil
}
