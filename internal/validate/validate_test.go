package validate

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/guard"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// 0.5 BTC at $50,000 ($25,000 value) against 15,000 debt sits at 166.7%.
// Borrowing up to debt=20,000 (125%) passes the 110% floor in normal mode but
// not the 150% floor in recovery mode.
func TestValidateBorrowModeDependent(t *testing.T) {
	p := protocol.Default()
	snap := ledger.Snapshot{
		Collateral:  dec("0.5"),
		Debt:        dec("15000"),
		OraclePrice: dec("50000"),
		MUSDBalance: decimal.Zero,
	}

	res, err := ValidateBorrow(snap, dec("5000"), p)
	if err != nil {
		t.Fatalf("ValidateBorrow: %v", err)
	}
	if !res.OK {
		t.Fatalf("borrow to 125%% should pass in normal mode, got %+v", res)
	}

	snap.RecoveryMode = true
	res, err = ValidateBorrow(snap, dec("5000"), p)
	if err != nil {
		t.Fatalf("ValidateBorrow recovery: %v", err)
	}
	if res.OK {
		t.Fatal("borrow to 125% should be rejected in recovery mode")
	}
}

func TestValidateBorrowCapacityAndMinimum(t *testing.T) {
	p := protocol.Default()
	snap := ledger.Snapshot{
		Collateral:  dec("0.5"),
		Debt:        decimal.Zero,
		OraclePrice: dec("50000"),
	}

	// Capacity at 110% is 25000/1.10 ≈ 22727; asking for 23000 overshoots.
	res, err := ValidateBorrow(snap, dec("23000"), p)
	if err != nil {
		t.Fatalf("ValidateBorrow: %v", err)
	}
	if res.OK || res.Code != CodeExceedsBorrowingCapacity {
		t.Fatalf("expected EXCEEDS_BORROWING_CAPACITY, got %+v", res)
	}

	// Opening a position below the minimum net debt is refused.
	res, err = ValidateBorrow(snap, dec("500"), p)
	if err != nil {
		t.Fatalf("ValidateBorrow: %v", err)
	}
	if res.OK || res.Code != CodeBelowMinimumDebt {
		t.Fatalf("expected BELOW_MINIMUM_DEBT, got %+v", res)
	}

	res, err = ValidateBorrow(snap, dec("-10"), p)
	if err != nil {
		t.Fatalf("ValidateBorrow: %v", err)
	}
	if res.OK || res.Code != CodeInvalidAmount {
		t.Fatalf("expected INVALID_AMOUNT, got %+v", res)
	}
}

func TestValidateRepay(t *testing.T) {
	p := protocol.Default()
	snap := ledger.Snapshot{
		Collateral:  dec("1.0"),
		Debt:        dec("2000"),
		OraclePrice: dec("60000"),
		MUSDBalance: dec("2500"),
	}

	cases := []struct {
		name     string
		amount   string
		wantOK   bool
		wantCode Code
	}{
		{"full repayment", "2000", true, ""},
		{"partial above minimum", "200", true, ""},
		{"strands debt below minimum", "500", false, CodeStraddlesMinimumDebt},
		{"exceeds balance", "2600", false, CodeInsufficientMUSDBalance},
		{"exceeds debt", "2000.01", false, CodeExceedsDebt},
		{"zero amount", "0", false, CodeInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ValidateRepay(snap, dec(tc.amount), p)
			if err != nil {
				t.Fatalf("ValidateRepay: %v", err)
			}
			if res.OK != tc.wantOK {
				t.Fatalf("OK=%v, expected %v (%+v)", res.OK, tc.wantOK, res)
			}
			if !tc.wantOK && res.Code != tc.wantCode {
				t.Fatalf("Code=%s, expected %s", res.Code, tc.wantCode)
			}
		})
	}
}

// Repaying 2000.01 against a 2500 balance but 2000 debt must reject on debt,
// not sneak past because the balance covers it.
func TestValidateRepayExceedsDebtTakesPrecedenceOverStraddle(t *testing.T) {
	p := protocol.Default()
	snap := ledger.Snapshot{
		Collateral:  dec("1.0"),
		Debt:        dec("2000"),
		OraclePrice: dec("60000"),
		MUSDBalance: dec("5000"),
	}
	res, err := ValidateRepay(snap, dec("2100"), p)
	if err != nil {
		t.Fatalf("ValidateRepay: %v", err)
	}
	if res.Code != CodeExceedsDebt {
		t.Fatalf("Code=%s, expected EXCEEDS_DEBT", res.Code)
	}
}

func TestValidateWithdraw(t *testing.T) {
	ctx := context.Background()
	p := protocol.Default()
	g := guard.New(p)

	led := installment.NewLedger(nil, p)
	if err := led.AddPurchase(ctx, installment.Agreement{
		ID:                "ag-1",
		AccountID:         "acct-1",
		MerchantID:        "merchant-1",
		TotalAmount:       dec("300"),
		TotalWithInterest: dec("300"),
		AmountPerPayment:  dec("100"),
		PaymentsTotal:     3,
		PaymentsRemaining: 3,
		NextDueAt:         time.Now().UTC().Add(14 * 24 * time.Hour),
		LateFeeAccrued:    decimal.Zero,
		Active:            true,
	}); err != nil {
		t.Fatalf("AddPurchase: %v", err)
	}

	snap := ledger.Snapshot{
		Collateral:  dec("1.0"),
		Debt:        decimal.Zero,
		OraclePrice: dec("60000"),
		MUSDBalance: dec("250"),
	}

	// Balance 250 against 300 owed: the guard blocks any withdrawal.
	res, err := ValidateWithdraw(snap, dec("0.1"), g, led, "acct-1")
	if err != nil {
		t.Fatalf("ValidateWithdraw: %v", err)
	}
	if res.OK || res.Code != CodeInsufficientMUSDForOwed {
		t.Fatalf("expected INSUFFICIENT_MUSD_FOR_INSTALLMENTS, got %+v", res)
	}

	// Funded installments: debt-free position may withdraw up to collateral.
	snap.MUSDBalance = dec("400")
	res, err = ValidateWithdraw(snap, dec("0.1"), g, led, "acct-1")
	if err != nil {
		t.Fatalf("ValidateWithdraw: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected allowed, got %+v", res)
	}

	res, err = ValidateWithdraw(snap, dec("1.5"), g, led, "acct-1")
	if err != nil {
		t.Fatalf("ValidateWithdraw: %v", err)
	}
	if res.OK || res.Code != CodeExceedsCollateral {
		t.Fatalf("expected EXCEEDS_COLLATERAL, got %+v", res)
	}

	// With debt, the health bound caps the amount below raw collateral.
	snap.Debt = dec("15000")
	snap.MUSDBalance = dec("15400")
	res, err = ValidateWithdraw(snap, dec("0.9"), g, led, "acct-1")
	if err != nil {
		t.Fatalf("ValidateWithdraw: %v", err)
	}
	if res.OK || res.Code != CodeExceedsSafeWithdrawal {
		t.Fatalf("expected EXCEEDS_SAFE_WITHDRAWAL, got %+v", res)
	}
}

func TestMalformedSnapshot(t *testing.T) {
	p := protocol.Default()
	snap := ledger.Snapshot{
		Collateral:  dec("1.0"),
		Debt:        dec("100"),
		OraclePrice: decimal.Zero,
	}
	if _, err := ValidateBorrow(snap, dec("10"), p); err == nil {
		t.Fatal("zero oracle price must be a precondition error, not a verdict")
	}
}
