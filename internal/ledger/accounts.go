package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ticketledger/internal/domain"
)

// OpenAccount creates an empty account. Money only ever enters it through
// ledger transactions.
func (s *Service) OpenAccount(ctx context.Context, role domain.Role, commissionRate decimal.Decimal) (*domain.Account, error) {
	var problems []string
	switch role {
	case domain.RoleAdmin, domain.RoleAgent, domain.RoleUser:
	default:
		problems = append(problems, "role must be admin, agent or user")
	}
	if commissionRate.IsNegative() || commissionRate.GreaterThan(decimal.NewFromInt(1)) {
		problems = append(problems, "commission_rate must be between 0 and 1")
	}
	if len(problems) > 0 {
		return nil, domain.Validation("invalid account", problems...)
	}

	acc := &domain.Account{Role: role, CommissionRate: commissionRate}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, domain.StoreFailure("create account", err)
	}
	s.logger.Info("ledger: account opened",
		zap.Int64("account_id", acc.ID),
		zap.String("role", string(role)))
	return acc, nil
}
