// Package health computes collateral-safety metrics for a debt position.
// All functions are pure over an explicitly supplied snapshot; callers own
// freshness, not the calculator.
package health

import (
	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/musd"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

// divScale is the precision for internal divisions; kept above the
// smallest-unit precision so boundary rounding stays the only rounding step.
const divScale = int32(24)

var hundred = decimal.NewFromInt(100)

// HealthFactor is collateral value over liquidation-adjusted debt. Values
// above 1 are safe; below 1 the position is liquidation-eligible. A
// debt-free position reports the params' sentinel maximum.
func HealthFactor(collateral, debt, price decimal.Decimal, p protocol.Params) decimal.Decimal {
	if debt.IsZero() {
		return p.DebtFreeHealthFactor
	}
	adjustedDebt := debt.Mul(p.LiquidationMultiplier)
	return collateral.Mul(price).DivRound(adjustedDebt, divScale)
}

// CollateralRatioPct is collateral value over debt as a percentage. The
// second return is false when debt is zero and the ratio is not applicable.
func CollateralRatioPct(collateral, debt, price decimal.Decimal) (decimal.Decimal, bool) {
	if debt.IsZero() {
		return decimal.Zero, false
	}
	return collateral.Mul(price).DivRound(debt, divScale).Mul(hundred), true
}

// MaxSafeWithdrawal is the largest collateral amount that can leave the
// position while keeping the health factor at or above the target. The
// result is floored: the engine never overstates what is safe to withdraw.
// Ledger-side gating (active installment agreements) is layered on by the
// protection guard, not here.
func MaxSafeWithdrawal(collateral, debt, price decimal.Decimal, p protocol.Params) decimal.Decimal {
	if debt.IsZero() {
		return musd.Floor(collateral)
	}

	minCollateralValue := debt.Mul(p.TargetHealthFactor).Mul(p.LiquidationMultiplier)
	maxWithdrawValue := collateral.Mul(price).Sub(minCollateralValue)
	if maxWithdrawValue.IsNegative() {
		return decimal.Zero
	}
	return musd.Floor(maxWithdrawValue.DivRound(price, divScale))
}

// RequiredRepayment is the smallest repayment that brings the position back
// to the required collateral ratio at the current price. Zero when the ratio
// already holds. The result is ceiled: the engine never understates what
// must be repaid.
func RequiredRepayment(collateral, debt, price decimal.Decimal, p protocol.Params, recoveryMode bool) decimal.Decimal {
	if debt.IsZero() {
		return decimal.Zero
	}
	required := p.RequiredRatio(recoveryMode)
	maxDebt := collateral.Mul(price).DivRound(required, divScale)
	if debt.LessThanOrEqual(maxDebt) {
		return decimal.Zero
	}
	return musd.Ceil(debt.Sub(maxDebt))
}

// BorrowingCapacity is the total debt the position could carry at the
// required ratio, floored so capacity is never overstated.
func BorrowingCapacity(collateral, price decimal.Decimal, p protocol.Params, recoveryMode bool) decimal.Decimal {
	required := p.RequiredRatio(recoveryMode)
	return musd.Floor(collateral.Mul(price).DivRound(required, divScale))
}
