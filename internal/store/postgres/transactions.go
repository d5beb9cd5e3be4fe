package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

const transactionColumns = `id, account_id, kind, amount, balance_after, status, COALESCE(idempotency_key, ''),
    saga_state, compensates_id, metadata, created_at, completed_at`

func scanTransaction(row pgx.CollectableRow) (domain.Transaction, error) {
	var (
		t        domain.Transaction
		kind     string
		status   string
		saga     string
		metadata []byte
	)
	err := row.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.BalanceAfter, &status, &t.IdempotencyKey,
		&saga, &t.CompensatesID, &metadata, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return t, err
	}
	t.Kind = domain.TxKind(kind)
	t.Status = domain.TxStatus(status)
	t.SagaState = domain.SagaState(saga)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return t, errors.Wrapf(err, "transaction %d metadata", t.ID)
		}
	}
	return t, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := jsonBytes(meta)
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	t.CreatedAt = utc(t.CreatedAt)

	err = s.db.QueryRow(ctx, `
INSERT INTO transactions (account_id, kind, amount, balance_after, status, idempotency_key, saga_state,
    compensates_id, metadata, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
RETURNING id`,
		t.AccountID, string(t.Kind), t.Amount, t.BalanceAfter, string(t.Status), t.IdempotencyKey,
		string(t.SagaState), t.CompensatesID, string(metaJSON), t.CreatedAt, t.CompletedAt,
	).Scan(&t.ID)
	return mapErr(err, "insert transaction")
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return s.oneTransaction(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.oneTransaction(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = $1", key)
}

func (s *Store) oneTransaction(ctx context.Context, sql string, arg any) (*domain.Transaction, error) {
	rows, err := s.db.Query(ctx, sql, arg)
	if err != nil {
		return nil, mapErr(err, "select transaction")
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		return nil, mapErr(err, "scan transaction")
	}
	return &t, nil
}

func (s *Store) CompleteTransaction(ctx context.Context, id int64, status domain.TxStatus, balanceAfter int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE transactions SET status = $2, balance_after = $3, completed_at = $4
WHERE id = $1 AND status = 'pending'`, id, string(status), balanceAfter, utc(at))
	if err != nil {
		return mapErr(err, "complete transaction")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoMatch
	}
	return nil
}

func (s *Store) SetSagaState(ctx context.Context, id int64, state domain.SagaState) error {
	tag, err := s.db.Exec(ctx, "UPDATE transactions SET saga_state = $2 WHERE id = $1", id, string(state))
	if err != nil {
		return mapErr(err, "set saga state")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimPending(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE transactions SET saga_state = 'open'
WHERE id = $1 AND status = 'pending' AND saga_state = ''`, id)
	if err != nil {
		return mapErr(err, "claim transaction")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoMatch
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE account_id = $1 ORDER BY id", accountID)
	if err != nil {
		return nil, mapErr(err, "select transactions")
	}
	txs, err := pgx.CollectRows(rows, scanTransaction)
	return txs, mapErr(err, "scan transactions")
}

func (s *Store) OpenSagas(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE saga_state = 'open' AND created_at < $1 ORDER BY id",
		utc(before))
	if err != nil {
		return nil, mapErr(err, "select open sagas")
	}
	txs, err := pgx.CollectRows(rows, scanTransaction)
	return txs, mapErr(err, "scan open sagas")
}
