// Package auth carries the caller identity supplied by upstream
// authentication and the table of operations each role may invoke.
package auth

import (
	"context"

	"github.com/punchamoorthee/ticketledger/internal/domain"
)

type Operation string

const (
	OpSell            Operation = "sell"
	OpPurchase        Operation = "purchase"
	OpRegisterWinners Operation = "register_winners"
	OpCreateLottery   Operation = "create_lottery"
	OpManageLottery   Operation = "manage_lottery"
	OpReadLottery     Operation = "read_lottery"
	OpReadAccount     Operation = "read_account"
	OpSubmitFunds     Operation = "submit_funds"
	OpApplyLedger     Operation = "apply_ledger"
	OpSettle          Operation = "settle"
	OpOpenAccount     Operation = "open_account"
)

// capabilities is the single source of truth for role checks.
var capabilities = map[domain.Role]map[Operation]bool{
	domain.RoleAdmin: {
		OpSell:            true,
		OpPurchase:        true,
		OpRegisterWinners: true,
		OpCreateLottery:   true,
		OpManageLottery:   true,
		OpReadLottery:     true,
		OpReadAccount:     true,
		OpSubmitFunds:     true,
		OpApplyLedger:     true,
		OpSettle:          true,
		OpOpenAccount:     true,
	},
	domain.RoleAgent: {
		OpSell:            true,
		OpRegisterWinners: true,
		OpCreateLottery:   true,
		OpReadLottery:     true,
		OpReadAccount:     true,
	},
	domain.RoleUser: {
		OpPurchase:    true,
		OpReadLottery: true,
		OpReadAccount: true,
		OpSubmitFunds: true,
	},
}

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Role   domain.Role
}

func (id Identity) IsAdmin() bool {
	return id.Role == domain.RoleAdmin
}

// Can reports whether role may invoke op.
func Can(role domain.Role, op Operation) bool {
	return capabilities[role][op]
}

// Require returns a Forbidden error unless id may invoke op.
func Require(id Identity, op Operation) error {
	if !Can(id.Role, op) {
		return domain.Forbidden("role %q may not %s", id.Role, op)
	}
	return nil
}

// RequireSelfOrAdmin allows admins, and other callers only on their own account.
func RequireSelfOrAdmin(id Identity, accountID int64) error {
	if id.IsAdmin() || id.UserID == accountID {
		return nil
	}
	return domain.Forbidden("user %d may not access account %d", id.UserID, accountID)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
