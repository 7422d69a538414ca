// Package guard decides whether collateral can safely leave a position while
// installment obligations are outstanding. Every verdict is recomputed from
// the supplied snapshot and ledger state — never cached, since a stale result
// could understate risk.
package guard

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/health"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/musd"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

// Verdict is the outcome of a protection check. Shortfall carries the amount
// missing when not allowed; Warning flags allowed-but-noteworthy situations.
type Verdict struct {
	Allowed   bool            `json:"allowed"`
	Reason    string          `json:"reason,omitempty"`
	Warning   string          `json:"warning,omitempty"`
	Shortfall decimal.Decimal `json:"shortfall,omitempty"`
}

// WithdrawalLimit is the guard-adjusted safe withdrawal bound; when the
// installment ledger blocks withdrawal entirely, Max is zero and Reason says
// why.
type WithdrawalLimit struct {
	Max     decimal.Decimal `json:"max"`
	Blocked bool            `json:"blocked"`
	Reason  string          `json:"reason,omitempty"`
}

// Guard evaluates collateral-protection rules against the installment ledger.
type Guard struct {
	params protocol.Params
}

// New creates a protection guard.
func New(params protocol.Params) *Guard {
	return &Guard{params: params}
}

// CanWithdraw decides whether collateral withdrawal is currently safe. With
// no active agreements it always is. Otherwise the MUSD balance must cover
// everything still owed, so installments stay payable after the collateral
// leaves.
func (g *Guard) CanWithdraw(snap ledger.Snapshot, led *installment.Ledger, accountID string) Verdict {
	active := led.ActiveCount(accountID)
	if active == 0 {
		return Verdict{Allowed: true}
	}

	owed := led.TotalOwed(accountID)
	if snap.MUSDBalance.LessThan(owed) {
		shortfall := musd.Ceil(owed.Sub(snap.MUSDBalance))
		return Verdict{
			Allowed:   false,
			Reason:    fmt.Sprintf("MUSD balance %s does not cover %s owed across %d active agreements", snap.MUSDBalance, owed, active),
			Shortfall: shortfall,
		}
	}

	return Verdict{
		Allowed: true,
		Warning: fmt.Sprintf("%d active agreements with %s MUSD still owed", active, owed),
	}
}

// CanClose decides whether the position can be closed outright: simulate the
// full debt repayment and require what remains to still cover the
// installments owed.
func (g *Guard) CanClose(snap ledger.Snapshot, led *installment.Ledger, accountID string) Verdict {
	owed := led.TotalOwed(accountID)
	remainder := snap.MUSDBalance.Sub(snap.Debt)

	if remainder.LessThan(owed) {
		shortfall := musd.Ceil(owed.Sub(remainder))
		return Verdict{
			Allowed:   false,
			Reason:    fmt.Sprintf("closing leaves %s MUSD against %s still owed on installments", remainder, owed),
			Shortfall: shortfall,
		}
	}

	if active := led.ActiveCount(accountID); active > 0 {
		return Verdict{
			Allowed: true,
			Warning: fmt.Sprintf("%d active agreements remain payable after close", active),
		}
	}
	return Verdict{Allowed: true}
}

// MaxSafeWithdrawal is the health-based bound clamped to zero when the
// installment ledger blocks withdrawal; the blocking reason rides along.
func (g *Guard) MaxSafeWithdrawal(snap ledger.Snapshot, led *installment.Ledger, accountID string) WithdrawalLimit {
	healthMax := health.MaxSafeWithdrawal(snap.Collateral, snap.Debt, snap.OraclePrice, g.params)

	if verdict := g.CanWithdraw(snap, led, accountID); !verdict.Allowed {
		return WithdrawalLimit{Max: decimal.Zero, Blocked: true, Reason: verdict.Reason}
	}
	return WithdrawalLimit{Max: healthMax}
}
