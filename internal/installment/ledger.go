// Package installment owns the purchase agreements of each account: what is
// owed, what is late, and which confirmed events have already been applied.
package installment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/db"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/musd"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

var (
	// ErrUnknownAgreement is returned for an agreement id the ledger does not hold.
	ErrUnknownAgreement = errors.New("unknown agreement")
	// ErrAgreementSettled is returned when a payment targets a terminal agreement.
	ErrAgreementSettled = errors.New("agreement already settled")
)

// Agreement is one buy-now-pay-later obligation with a fixed schedule.
// Once PaymentsRemaining reaches zero it turns terminal (Active=false) and is
// retained as immutable history.
type Agreement struct {
	ID                string
	AccountID         string
	MerchantID        string
	TotalAmount       decimal.Decimal
	TotalWithInterest decimal.Decimal
	AmountPerPayment  decimal.Decimal
	PaymentsTotal     int
	PaymentsRemaining int
	NextDueAt         time.Time
	LateFeeAccrued    decimal.Decimal
	Active            bool
	CreatedAt         time.Time
}

// Ledger keeps an in-memory view of agreements while persisting to DB for
// durability. Event-id dedup is backed by the payment_events table so replays
// stay no-ops across restarts.
type Ledger struct {
	mu         sync.RWMutex
	agreements map[string]*Agreement // agreement id -> agreement
	byAccount  map[string][]string   // account id -> agreement ids in insert order
	seenEvents map[string]struct{}
	db         *db.Database
	params     protocol.Params
}

// NewLedger creates an installment ledger backed by the database.
func NewLedger(database *db.Database, params protocol.Params) *Ledger {
	return &Ledger{
		agreements: make(map[string]*Agreement),
		byAccount:  make(map[string][]string),
		seenEvents: make(map[string]struct{}),
		db:         database,
		params:     params,
	}
}

// Load seeds in-memory state from DB on startup.
func (l *Ledger) Load(ctx context.Context) error {
	if l.db == nil {
		return nil
	}

	rows, err := l.db.ListAgreements(ctx)
	if err != nil {
		return err
	}
	events, err := l.db.ListPaymentEvents(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, row := range rows {
		ag, err := fromRow(row)
		if err != nil {
			return fmt.Errorf("load agreement %s: %w", row.ID, err)
		}
		l.agreements[ag.ID] = ag
		l.byAccount[ag.AccountID] = append(l.byAccount[ag.AccountID], ag.ID)
	}
	for _, e := range events {
		l.seenEvents[e.EventID] = struct{}{}
	}
	log.Printf("installment ledger loaded: %d agreements, %d processed events", len(rows), len(events))
	return nil
}

// AddPurchase inserts an agreement once, keyed by its id. Re-inserting the
// same id is a no-op so replayed purchase confirmations cannot duplicate.
func (l *Ledger) AddPurchase(ctx context.Context, ag Agreement) error {
	if ag.ID == "" || ag.AccountID == "" {
		return errors.New("agreement id and account id are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.agreements[ag.ID]; exists {
		return nil
	}

	ag.Active = ag.PaymentsRemaining > 0
	if ag.CreatedAt.IsZero() {
		ag.CreatedAt = time.Now().UTC()
	}

	copied := ag
	l.agreements[ag.ID] = &copied
	l.byAccount[ag.AccountID] = append(l.byAccount[ag.AccountID], ag.ID)

	return l.persist(ctx, &copied)
}

// RecordPayment applies one confirmed installment payment, deduplicated by
// the confirmation event id: replays never double-decrement.
func (l *Ledger) RecordPayment(ctx context.Context, agreementID, confirmedEventID string) error {
	if confirmedEventID == "" {
		return errors.New("confirmed event id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ag, ok := l.agreements[agreementID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgreement, agreementID)
	}
	if !ag.Active {
		return fmt.Errorf("%w: %s", ErrAgreementSettled, agreementID)
	}

	applied, err := l.markEvent(ctx, confirmedEventID, agreementID, "payment")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	ag.PaymentsRemaining--
	ag.NextDueAt = ag.NextDueAt.Add(l.params.PaymentInterval)
	if ag.PaymentsRemaining <= 0 {
		ag.PaymentsRemaining = 0
		ag.Active = false
		log.Printf("agreement %s settled (%d payments)", ag.ID, ag.PaymentsTotal)
	}

	return l.persist(ctx, ag)
}

// RecordLateFee accrues the late fee for one confirmed missed payment,
// deduplicated by the lateness confirmation id so a fee lands exactly once.
// The rate is simple, charged on the installment amount. The first return
// reports whether the fee was applied (false on a deduplicated replay).
func (l *Ledger) RecordLateFee(ctx context.Context, agreementID, latenessEventID string) (bool, error) {
	if latenessEventID == "" {
		return false, errors.New("lateness event id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ag, ok := l.agreements[agreementID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAgreement, agreementID)
	}
	if !ag.Active {
		return false, fmt.Errorf("%w: %s", ErrAgreementSettled, agreementID)
	}

	applied, err := l.markEvent(ctx, latenessEventID, agreementID, "late_fee")
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	fee := musd.Ceil(ag.AmountPerPayment.Mul(l.params.LateFeeRate))
	ag.LateFeeAccrued = ag.LateFeeAccrued.Add(fee)
	log.Printf("late fee accrued on %s: %s (total %s)", ag.ID, fee, ag.LateFeeAccrued)

	return true, l.persist(ctx, ag)
}

// IsLate reports whether the next payment is overdue beyond the grace period.
func (l *Ledger) IsLate(agreementID string, now time.Time) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ag, ok := l.agreements[agreementID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAgreement, agreementID)
	}
	if !ag.Active {
		return false, nil
	}
	return now.After(ag.NextDueAt.Add(l.params.GracePeriod)), nil
}

// TotalOwed sums, over all active agreements of an account, the remaining
// installments plus accrued late fees. The result is ceiled: what is owed is
// never understated.
func (l *Ledger) TotalOwed(accountID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, id := range l.byAccount[accountID] {
		ag := l.agreements[id]
		if ag == nil || !ag.Active {
			continue
		}
		remaining := ag.AmountPerPayment.Mul(decimal.NewFromInt(int64(ag.PaymentsRemaining)))
		total = total.Add(remaining).Add(ag.LateFeeAccrued)
	}
	return musd.Ceil(total)
}

// ActiveCount returns the number of active agreements for an account.
func (l *Ledger) ActiveCount(accountID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, id := range l.byAccount[accountID] {
		if ag := l.agreements[id]; ag != nil && ag.Active {
			n++
		}
	}
	return n
}

// Agreement returns a copy of one agreement.
func (l *Ledger) Agreement(agreementID string) (Agreement, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ag, ok := l.agreements[agreementID]
	if !ok {
		return Agreement{}, fmt.Errorf("%w: %s", ErrUnknownAgreement, agreementID)
	}
	return *ag, nil
}

// Agreements returns copies of all agreements for an account, terminal ones
// included, in insertion order.
func (l *Ledger) Agreements(accountID string) []Agreement {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byAccount[accountID]
	out := make([]Agreement, 0, len(ids))
	for _, id := range ids {
		if ag := l.agreements[id]; ag != nil {
			out = append(out, *ag)
		}
	}
	return out
}

// LateAgreements returns copies of every active agreement whose next payment
// is overdue beyond the grace period at the given time.
func (l *Ledger) LateAgreements(now time.Time) []Agreement {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Agreement
	for _, ag := range l.agreements {
		if ag.Active && now.After(ag.NextDueAt.Add(l.params.GracePeriod)) {
			out = append(out, *ag)
		}
	}
	return out
}

// markEvent records an event id, returning false when it was already seen.
// The DB insert is the authority; memory is a fast path.
func (l *Ledger) markEvent(ctx context.Context, eventID, agreementID, kind string) (bool, error) {
	if _, seen := l.seenEvents[eventID]; seen {
		return false, nil
	}
	if l.db != nil {
		err := l.db.InsertPaymentEvent(ctx, db.PaymentEvent{
			EventID:     eventID,
			AgreementID: agreementID,
			Kind:        kind,
		})
		if errors.Is(err, db.ErrDuplicateEvent) {
			l.seenEvents[eventID] = struct{}{}
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	l.seenEvents[eventID] = struct{}{}
	return true, nil
}

func (l *Ledger) persist(ctx context.Context, ag *Agreement) error {
	if l.db == nil {
		return nil
	}
	return l.db.UpsertAgreement(ctx, toRow(ag))
}

func toRow(ag *Agreement) db.AgreementRow {
	return db.AgreementRow{
		ID:                ag.ID,
		AccountID:         ag.AccountID,
		MerchantID:        ag.MerchantID,
		TotalAmount:       ag.TotalAmount.String(),
		TotalWithInterest: ag.TotalWithInterest.String(),
		AmountPerPayment:  ag.AmountPerPayment.String(),
		PaymentsTotal:     ag.PaymentsTotal,
		PaymentsRemaining: ag.PaymentsRemaining,
		NextDueAt:         ag.NextDueAt,
		LateFeeAccrued:    ag.LateFeeAccrued.String(),
		IsActive:          ag.Active,
	}
}

func fromRow(row db.AgreementRow) (*Agreement, error) {
	total, err := decimal.NewFromString(row.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("total_amount: %w", err)
	}
	withInterest, err := decimal.NewFromString(row.TotalWithInterest)
	if err != nil {
		return nil, fmt.Errorf("total_with_interest: %w", err)
	}
	perPayment, err := decimal.NewFromString(row.AmountPerPayment)
	if err != nil {
		return nil, fmt.Errorf("amount_per_payment: %w", err)
	}
	lateFee, err := decimal.NewFromString(row.LateFeeAccrued)
	if err != nil {
		return nil, fmt.Errorf("late_fee_accrued: %w", err)
	}

	return &Agreement{
		ID:                row.ID,
		AccountID:         row.AccountID,
		MerchantID:        row.MerchantID,
		TotalAmount:       total,
		TotalWithInterest: withInterest,
		AmountPerPayment:  perPayment,
		PaymentsTotal:     row.PaymentsTotal,
		PaymentsRemaining: row.PaymentsRemaining,
		NextDueAt:         row.NextDueAt,
		LateFeeAccrued:    lateFee,
		Active:            row.IsActive,
		CreatedAt:         row.CreatedAt,
	}, nil
}
