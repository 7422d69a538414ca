// Package protocol holds the documented protocol constants the decision core
// evaluates against. Defaults are compiled in; a YAML file can override them so
// operators see exactly which figures are authoritative.
package protocol

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Params are the protocol-rule constants.
type Params struct {
	// Minimum collateral ratio in normal mode (e.g. 1.10 = 110%).
	MinCollateralRatio decimal.Decimal
	// Minimum collateral ratio while the protocol is in recovery mode.
	RecoveryMinRatio decimal.Decimal
	// Liquidation price multiplier applied to debt in the health factor.
	LiquidationMultiplier decimal.Decimal
	// Target health factor used for the safe-withdrawal bound.
	TargetHealthFactor decimal.Decimal
	// Health factor reported for debt-free positions.
	DebtFreeHealthFactor decimal.Decimal
	// Smallest debt a position may carry (MUSD).
	MinNetDebt decimal.Decimal
	// Amount withheld at debt issuance, refunded on full close (MUSD).
	LiquidationReserve decimal.Decimal

	// Installments
	PaymentInterval time.Duration
	GracePeriod     time.Duration
	// LateFeeRate is charged on the installment amount once per missed
	// payment, simple (non-compounding). The 2% documentation figure is
	// authoritative, not the 1% in-app banner.
	LateFeeRate decimal.Decimal
	// InterestRates maps installment count to the flat interest rate applied
	// to the purchase total. The purchase-flow schedule is authoritative, not
	// the promotional one.
	InterestRates map[int]decimal.Decimal
}

// Default returns the compiled-in parameter set.
func Default() Params {
	return Params{
		MinCollateralRatio:    decimal.RequireFromString("1.10"),
		RecoveryMinRatio:      decimal.RequireFromString("1.50"),
		LiquidationMultiplier: decimal.RequireFromString("1.1"),
		TargetHealthFactor:    decimal.RequireFromString("1.5"),
		DebtFreeHealthFactor:  decimal.RequireFromString("10.0"),
		MinNetDebt:            decimal.NewFromInt(1800),
		LiquidationReserve:    decimal.NewFromInt(200),
		PaymentInterval:       14 * 24 * time.Hour,
		GracePeriod:           7 * 24 * time.Hour,
		LateFeeRate:           decimal.RequireFromString("0.02"),
		InterestRates: map[int]decimal.Decimal{
			1: decimal.Zero,
			4: decimal.RequireFromString("0.05"),
			6: decimal.RequireFromString("0.08"),
			8: decimal.RequireFromString("0.10"),
		},
	}
}

// InterestRate returns the rate for an installment count, or false when the
// count is not an offered schedule.
func (p Params) InterestRate(payments int) (decimal.Decimal, bool) {
	r, ok := p.InterestRates[payments]
	return r, ok
}

// RequiredRatio returns the minimum collateral ratio for the given mode.
func (p Params) RequiredRatio(recoveryMode bool) decimal.Decimal {
	if recoveryMode {
		return p.RecoveryMinRatio
	}
	return p.MinCollateralRatio
}

// yamlParams is the file-facing shape; amounts and rates are decimal strings.
type yamlParams struct {
	MinCollateralRatio    string         `yaml:"min_collateral_ratio"`
	RecoveryMinRatio      string         `yaml:"recovery_min_ratio"`
	LiquidationMultiplier string         `yaml:"liquidation_multiplier"`
	TargetHealthFactor    string         `yaml:"target_health_factor"`
	DebtFreeHealthFactor  string         `yaml:"debt_free_health_factor"`
	MinNetDebt            string         `yaml:"min_net_debt"`
	LiquidationReserve    string         `yaml:"liquidation_reserve"`
	PaymentIntervalDays   int            `yaml:"payment_interval_days"`
	GracePeriodDays       int            `yaml:"grace_period_days"`
	LateFeeRate           string         `yaml:"late_fee_rate"`
	InterestRates         map[int]string `yaml:"interest_rates"`
}

// Load reads params from a YAML file, falling back to Default for any field
// left unset. A missing file is not an error; the defaults apply.
func Load(path string) (Params, error) {
	params := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return params, nil
		}
		return params, fmt.Errorf("read protocol params: %w", err)
	}

	var file yamlParams
	if err := yaml.Unmarshal(data, &file); err != nil {
		return params, fmt.Errorf("parse protocol params: %w", err)
	}

	if err := overrideDecimal(&params.MinCollateralRatio, file.MinCollateralRatio); err != nil {
		return params, err
	}
	if err := overrideDecimal(&params.RecoveryMinRatio, file.RecoveryMinRatio); err != nil {
		return params, err
	}
	if err := overrideDecimal(&params.LiquidationMultiplier, file.LiquidationMultiplier); err != nil {
		return params, err
	}
	if err := overrideDecimal(&params.TargetHealthFactor, file.TargetHealthFactor); err != nil {
		return params, err
	}
	if err := overrideDecimal(&params.DebtFreeHealthFactor, file.DebtFreeHealthFactor); err != nil {
		return params, err
	}
	if err := overrideDecimal(&params.MinNetDebt, file.MinNetDebt); err != nil {
		return params, err
	}
	if err := overrideDecimal(&params.LiquidationReserve, file.LiquidationReserve); err != nil {
		return params, err
	}
	if err := overrideDecimal(&params.LateFeeRate, file.LateFeeRate); err != nil {
		return params, err
	}
	if file.PaymentIntervalDays > 0 {
		params.PaymentInterval = time.Duration(file.PaymentIntervalDays) * 24 * time.Hour
	}
	if file.GracePeriodDays > 0 {
		params.GracePeriod = time.Duration(file.GracePeriodDays) * 24 * time.Hour
	}
	if len(file.InterestRates) > 0 {
		rates := make(map[int]decimal.Decimal, len(file.InterestRates))
		for n, s := range file.InterestRates {
			r, err := decimal.NewFromString(s)
			if err != nil {
				return params, fmt.Errorf("parse interest rate for %d payments: %w", n, err)
			}
			rates[n] = r
		}
		params.InterestRates = rates
	}

	return params, nil
}

func overrideDecimal(dst *decimal.Decimal, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse protocol param %q: %w", raw, err)
	}
	*dst = d
	return nil
}
