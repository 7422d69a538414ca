// Package musd converts between the Ledger Service's smallest-unit integer
// representation (18 fractional digits) and the decimals used internally.
// All monetary values use shopspring/decimal — never float64 for money.
package musd

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits in the smallest unit.
const Precision = 18

// FromBaseUnits parses a base-10 smallest-unit integer string into a decimal.
func FromBaseUnits(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("musd: empty amount")
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("musd: invalid base-unit amount %q", raw)
	}
	return decimal.NewFromBigInt(n, -Precision), nil
}

// ToBaseUnitsFloor converts a decimal to a smallest-unit integer string,
// rounding toward zero-excess: used for amounts the engine must never
// overstate (withdrawal limits, available balances).
func ToBaseUnitsFloor(d decimal.Decimal) string {
	return d.RoundDown(Precision).Shift(Precision).String()
}

// ToBaseUnitsCeil converts a decimal to a smallest-unit integer string,
// rounding up: used for amounts the engine must never understate (required
// repayments, amounts owed).
func ToBaseUnitsCeil(d decimal.Decimal) string {
	return d.RoundUp(Precision).Shift(Precision).String()
}

// Floor truncates a decimal to the smallest-unit precision, rounding down.
func Floor(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(Precision)
}

// Ceil truncates a decimal to the smallest-unit precision, rounding up.
func Ceil(d decimal.Decimal) decimal.Decimal {
	return d.RoundUp(Precision)
}
