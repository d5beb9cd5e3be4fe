package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/punchamoorthee/ticketledger/internal/domain"
)

func TestCapabilityTable(t *testing.T) {
	cases := []struct {
		role domain.Role
		op   Operation
		want bool
	}{
		{domain.RoleAdmin, OpSettle, true},
		{domain.RoleAdmin, OpRegisterWinners, true},
		{domain.RoleAgent, OpSell, true},
		{domain.RoleAgent, OpRegisterWinners, true},
		{domain.RoleAgent, OpPurchase, false},
		{domain.RoleAgent, OpSettle, false},
		{domain.RoleAgent, OpCreateLottery, true},
		{domain.RoleAgent, OpManageLottery, false},
		{domain.RoleUser, OpOpenAccount, false},
		{domain.RoleUser, OpPurchase, true},
		{domain.RoleUser, OpSell, false},
		{domain.RoleUser, OpApplyLedger, false},
		{domain.Role("ghost"), OpReadLottery, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Can(c.role, c.op), "%s/%s", c.role, c.op)
	}
}

func TestRequireReturnsForbidden(t *testing.T) {
	err := Require(Identity{UserID: 1, Role: domain.RoleUser}, OpSell)
	assert.True(t, errors.Is(err, domain.ErrForbidden))
	assert.NoError(t, Require(Identity{UserID: 1, Role: domain.RoleAgent}, OpSell))
}

func TestRequireSelfOrAdmin(t *testing.T) {
	assert.NoError(t, RequireSelfOrAdmin(Identity{UserID: 7, Role: domain.RoleUser}, 7))
	assert.NoError(t, RequireSelfOrAdmin(Identity{UserID: 1, Role: domain.RoleAdmin}, 7))
	assert.Error(t, RequireSelfOrAdmin(Identity{UserID: 8, Role: domain.RoleUser}, 7))
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: 3, Role: domain.RoleAgent})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(3), id.UserID)
}
