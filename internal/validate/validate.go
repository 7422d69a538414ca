// Package validate applies protocol-rule checks to borrow, repay, and
// withdraw requests. Business-rule violations come back as rejected results
// with a reason code, never as errors; errors are reserved for precondition
// failures such as a malformed snapshot.
package validate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/guard"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/health"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

// Code identifies why a request was rejected.
type Code string

const (
	CodeInvalidAmount               Code = "INVALID_AMOUNT"
	CodeExceedsBorrowingCapacity    Code = "EXCEEDS_BORROWING_CAPACITY"
	CodeBelowMinimumDebt            Code = "BELOW_MINIMUM_DEBT"
	CodeInsufficientCollateralRatio Code = "INSUFFICIENT_COLLATERAL_RATIO"
	CodeRecoveryModeRestriction     Code = "RECOVERY_MODE_RESTRICTION"
	CodeInsufficientMUSDBalance     Code = "INSUFFICIENT_MUSD_BALANCE"
	CodeExceedsDebt                 Code = "EXCEEDS_DEBT"
	CodeStraddlesMinimumDebt        Code = "STRADDLES_MINIMUM_DEBT"
	CodeExceedsCollateral           Code = "EXCEEDS_COLLATERAL"
	CodeExceedsSafeWithdrawal       Code = "EXCEEDS_SAFE_WITHDRAWAL"
	CodeInsufficientMUSDForOwed     Code = "INSUFFICIENT_MUSD_FOR_INSTALLMENTS"
)

// ErrMalformedSnapshot flags a snapshot that cannot be evaluated; a caller
// bug, not a business outcome.
var ErrMalformedSnapshot = errors.New("malformed position snapshot")

// Result is a tagged ok/rejected outcome.
type Result struct {
	OK     bool   `json:"ok"`
	Code   Code   `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func ok() Result { return Result{OK: true} }

func rejected(code Code, format string, args ...any) Result {
	return Result{OK: false, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func checkSnapshot(snap ledger.Snapshot) error {
	if snap.Collateral.IsNegative() || snap.Debt.IsNegative() || snap.MUSDBalance.IsNegative() {
		return fmt.Errorf("%w: negative balance field", ErrMalformedSnapshot)
	}
	if !snap.OraclePrice.IsPositive() {
		return fmt.Errorf("%w: oracle price %s", ErrMalformedSnapshot, snap.OraclePrice)
	}
	return nil
}

// ValidateBorrow checks a borrow request against capacity, the minimum net
// debt, and the mode-dependent collateral ratio (150% in recovery mode, 110%
// otherwise).
func ValidateBorrow(snap ledger.Snapshot, amount decimal.Decimal, p protocol.Params) (Result, error) {
	if err := checkSnapshot(snap); err != nil {
		return Result{}, err
	}
	if !amount.IsPositive() {
		return rejected(CodeInvalidAmount, "borrow amount must be positive, got %s", amount), nil
	}

	capacity := health.BorrowingCapacity(snap.Collateral, snap.OraclePrice, p, snap.RecoveryMode)
	headroom := capacity.Sub(snap.Debt)
	if amount.GreaterThan(headroom) {
		return rejected(CodeExceedsBorrowingCapacity,
			"borrow %s exceeds remaining capacity %s", amount, headroom), nil
	}

	if snap.Debt.IsZero() && amount.LessThan(p.MinNetDebt) {
		return rejected(CodeBelowMinimumDebt,
			"opening debt %s is below the protocol minimum %s", amount, p.MinNetDebt), nil
	}

	newDebt := snap.Debt.Add(amount)
	required := p.RequiredRatio(snap.RecoveryMode)
	ratio, applicable := health.CollateralRatioPct(snap.Collateral, newDebt, snap.OraclePrice)
	if applicable && ratio.LessThan(required.Mul(decimal.NewFromInt(100))) {
		code := CodeInsufficientCollateralRatio
		if snap.RecoveryMode {
			code = CodeRecoveryModeRestriction
		}
		return rejected(code,
			"resulting ratio %s%% is below the required %s%%", ratio.Round(1), required.Mul(decimal.NewFromInt(100))), nil
	}

	return ok(), nil
}

// ValidateRepay checks a repayment against the balance and debt, and refuses
// a partial repayment that would strand the remaining debt below the
// protocol minimum.
func ValidateRepay(snap ledger.Snapshot, amount decimal.Decimal, p protocol.Params) (Result, error) {
	if err := checkSnapshot(snap); err != nil {
		return Result{}, err
	}
	if !amount.IsPositive() {
		return rejected(CodeInvalidAmount, "repay amount must be positive, got %s", amount), nil
	}
	if amount.GreaterThan(snap.MUSDBalance) {
		return rejected(CodeInsufficientMUSDBalance,
			"repay %s exceeds MUSD balance %s", amount, snap.MUSDBalance), nil
	}
	if amount.GreaterThan(snap.Debt) {
		return rejected(CodeExceedsDebt,
			"repay %s exceeds current debt %s", amount, snap.Debt), nil
	}

	remaining := snap.Debt.Sub(amount)
	if !remaining.IsZero() && remaining.LessThan(p.MinNetDebt) {
		return rejected(CodeStraddlesMinimumDebt,
			"partial repayment leaves %s, below the protocol minimum %s; repay in full or leave at least the minimum", remaining, p.MinNetDebt), nil
	}

	return ok(), nil
}

// ValidateWithdraw checks a collateral withdrawal against the position, the
// health-based safe bound, and the installment-ledger gate.
func ValidateWithdraw(snap ledger.Snapshot, amount decimal.Decimal, g *guard.Guard, led *installment.Ledger, accountID string) (Result, error) {
	if err := checkSnapshot(snap); err != nil {
		return Result{}, err
	}
	if accountID == "" {
		return Result{}, errors.New("account id is required")
	}
	if !amount.IsPositive() {
		return rejected(CodeInvalidAmount, "withdraw amount must be positive, got %s", amount), nil
	}
	if amount.GreaterThan(snap.Collateral) {
		return rejected(CodeExceedsCollateral,
			"withdraw %s exceeds collateral %s", amount, snap.Collateral), nil
	}

	if verdict := g.CanWithdraw(snap, led, accountID); !verdict.Allowed {
		return rejected(CodeInsufficientMUSDForOwed, "%s", verdict.Reason), nil
	}

	limit := g.MaxSafeWithdrawal(snap, led, accountID)
	if amount.GreaterThan(limit.Max) {
		return rejected(CodeExceedsSafeWithdrawal,
			"withdraw %s exceeds the safe maximum %s", amount, limit.Max), nil
	}

	return ok(), nil
}
