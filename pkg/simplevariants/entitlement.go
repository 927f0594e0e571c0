package simplevariants

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type entitlementModel struct {
	repository Repository
}

// resolve reads the account and its plan. It returns ErrNoPlan (wrapped in an
// AccountError) when the account has no plan; the account is still returned.
func (m *entitlementModel) resolve(ctx context.Context, accountID uuid.UUID) (*Account, Entitlement, error) {
	account, err := m.repository.GetAccount(ctx, accountID)
	if err != nil {
		return nil, EmptyEntitlement(), &AccountError{AccountID: accountID, Op: "resolve_entitlement", Err: err}
	}
	if account.PlanID == nil {
		return account, EmptyEntitlement(), &AccountError{AccountID: accountID, Op: "resolve_entitlement", Err: ErrNoPlan}
	}
	plan, err := m.repository.GetPlan(ctx, *account.PlanID)
	if err != nil {
		return account, EmptyEntitlement(), &AccountError{AccountID: accountID, Op: "resolve_entitlement", Err: err}
	}
	return account, plan.Entitlement(), nil
}

// forRead treats an account without a plan as entitled to nothing.
func (m *entitlementModel) forRead(ctx context.Context, accountID uuid.UUID) (*Account, Entitlement, error) {
	account, ent, err := m.resolve(ctx, accountID)
	if err != nil && errors.Is(err, ErrNoPlan) {
		return account, EmptyEntitlement(), nil
	}
	return account, ent, err
}

// forWrite refuses accounts without a plan.
func (m *entitlementModel) forWrite(ctx context.Context, accountID uuid.UUID, op string) (*Account, Entitlement, error) {
	account, ent, err := m.resolve(ctx, accountID)
	if err != nil && errors.Is(err, ErrNoPlan) {
		return nil, ent, &AccountError{AccountID: accountID, Op: op, Err: fmt.Errorf("%w: account has no plan", ErrForbidden)}
	}
	return account, ent, err
}

func samePlan(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
