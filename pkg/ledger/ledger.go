// Package ledger defines the Ledger Service boundary: the asynchronous,
// opaque source of position snapshots, allowances, and agreement records, and
// the sink for authorize/execute submissions. The core makes no ordering
// assumption beyond what the service itself guarantees.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNetwork wraps submission or read failures at the boundary; retryable.
var ErrNetwork = errors.New("ledger service unavailable")

// Snapshot is the current view of a collateralized debt position plus the
// account balances the guards evaluate against. Never mutated speculatively;
// callers own freshness.
type Snapshot struct {
	Collateral   decimal.Decimal // base asset (BTC)
	Debt         decimal.Decimal // stable unit (MUSD)
	OraclePrice  decimal.Decimal // MUSD per unit of collateral
	MUSDBalance  decimal.Decimal
	RecoveryMode bool
}

// Stage identifies which half of a two-phase action a submission belongs to.
type Stage string

const (
	StageAuthorize Stage = "authorize"
	StageExecute   Stage = "execute"
)

// SubmissionStatus is the authoritative state of a submitted step.
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusConfirmed SubmissionStatus = "confirmed"
	StatusFailed    SubmissionStatus = "failed"
)

// ActionKind names the business action a submission carries.
type ActionKind string

const (
	ActionBorrow   ActionKind = "BORROW"
	ActionRepay    ActionKind = "REPAY"
	ActionWithdraw ActionKind = "WITHDRAW"
	ActionPurchase ActionKind = "PURCHASE"
	ActionPayment  ActionKind = "PAYMENT"
)

// SubmitRequest describes one step handed to the service. Amount crosses the
// wire as a smallest-unit integer string; the client owns the conversion.
type SubmitRequest struct {
	CorrelationID string
	AccountID     string
	Kind          ActionKind
	Stage         Stage
	Amount        decimal.Decimal
}

// Submission is the service's authoritative record of a submitted step.
// Rebuilding pipeline state after a restart reads these, never memory.
type Submission struct {
	HandleID      string
	CorrelationID string
	AccountID     string
	Kind          ActionKind
	Stage         Stage
	Amount        decimal.Decimal
	Status        SubmissionStatus
	Cause         string // failure cause when Status == StatusFailed
}

// Confirmation is the out-of-band notification that a submitted step settled.
type Confirmation struct {
	EventID       string
	HandleID      string
	CorrelationID string
	AccountID     string
	Kind          ActionKind
	Stage         Stage
	OK            bool
	Cause         string
}

// Service is the external Ledger Service boundary. Submissions return a
// pending handle immediately; settlement arrives as a Confirmation.
type Service interface {
	Snapshot(ctx context.Context, accountID string) (Snapshot, error)
	Allowance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Submissions(ctx context.Context, correlationID string) ([]Submission, error)
	SubmitAuthorize(ctx context.Context, req SubmitRequest) (string, error)
	SubmitExecute(ctx context.Context, req SubmitRequest) (string, error)
}
