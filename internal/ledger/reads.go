package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/metrics"
)

func (s *Service) Account(ctx context.Context, accountID int64) (*domain.Account, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, accountErr(accountID, err)
	}
	return acc, nil
}

// History returns the account's transactions in commit order.
func (s *Service) History(ctx context.Context, accountID int64) ([]domain.Transaction, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, domain.StoreFailure("list transactions", err)
	}
	return txs, nil
}

// OpenSagas lists forward transactions that moved money without a unit and
// have not been closed for longer than staleAfter. Each one is an account
// that may have been debited for work that never completed.
func (s *Service) OpenSagas(ctx context.Context, staleAfter time.Duration) ([]domain.Transaction, error) {
	txs, err := s.store.OpenSagas(ctx, s.now().Add(-staleAfter))
	if err != nil {
		return nil, domain.StoreFailure("list open sagas", err)
	}
	return txs, nil
}

// ReportOpenSagas runs until ctx is done, logging stale open sagas every interval.
func (s *Service) ReportOpenSagas(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, cancel := context.WithTimeout(ctx, interval/2)
			txs, err := s.OpenSagas(c, staleAfter)
			cancel()
			if err != nil {
				s.logger.Warn("ledger: open saga report failed", zap.Error(err))
				continue
			}
			metrics.SetOpenSagas(len(txs))
			for _, t := range txs {
				s.logger.Error("ledger: open saga needs reconciliation",
					zap.Int64("transaction_id", t.ID),
					zap.Int64("account_id", t.AccountID),
					zap.String("kind", string(t.Kind)),
					zap.Int64("amount", t.Amount),
					zap.String("status", string(t.Status)),
					zap.Time("created_at", t.CreatedAt))
			}
		}
	}
}
