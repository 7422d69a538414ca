// Package purchase drives BNPL checkout and installment payments end to end:
// it prices the schedule, runs each step through the transaction pipeline,
// and applies ledger mutations only when the Ledger Service confirms them.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/events"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/merchant"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/pipeline"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/db"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/musd"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

// ErrNotYourAgreement is returned when an account pays someone else's agreement.
var ErrNotYourAgreement = errors.New("agreement belongs to a different account")

// pendingCheckout holds the agreement data between pipeline start and the
// execute confirmation that makes it real. Durably backed by a pending_intents
// row, so a restart mid-flight never spends without recording the obligation.
type pendingCheckout struct {
	agreement installment.Agreement
}

type pendingPayment struct {
	agreementID string
	accountID   string
}

// Service owns the purchase and installment-payment flows.
type Service struct {
	mu        sync.Mutex
	checkouts map[string]pendingCheckout // correlation id -> agreement to create
	payments  map[string]pendingPayment  // correlation id -> payment target

	database  *db.Database
	led       *installment.Ledger
	merchants *merchant.Registry
	pipe      *pipeline.Manager
	bus       *events.Bus
	params    protocol.Params
}

// NewService creates the purchase service.
func NewService(database *db.Database, led *installment.Ledger, merchants *merchant.Registry, pipe *pipeline.Manager, bus *events.Bus, params protocol.Params) *Service {
	return &Service{
		checkouts: make(map[string]pendingCheckout),
		payments:  make(map[string]pendingPayment),
		database:  database,
		led:       led,
		merchants: merchants,
		pipe:      pipe,
		bus:       bus,
		params:    params,
	}
}

// Quote prices a purchase without starting it.
type Quote struct {
	Amount            decimal.Decimal `json:"amount"`
	InterestRate      decimal.Decimal `json:"interest_rate"`
	TotalWithInterest decimal.Decimal `json:"total_with_interest"`
	AmountPerPayment  decimal.Decimal `json:"amount_per_payment"`
	PaymentsTotal     int             `json:"payments_total"`
}

// PriceSchedule computes the installment schedule for an amount. Interest is
// flat per the offered schedule; the per-payment amount is ceiled so the sum
// of payments never falls short of the financed total.
func (s *Service) PriceSchedule(amount decimal.Decimal, paymentsTotal int) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, fmt.Errorf("purchase amount must be positive, got %s", amount)
	}
	rate, ok := s.params.InterestRate(paymentsTotal)
	if !ok {
		return Quote{}, fmt.Errorf("no %d-payment plan offered (available: %s)", paymentsTotal, s.offeredPlans())
	}

	total := musd.Ceil(amount.Add(amount.Mul(rate)))
	perPayment := musd.Ceil(total.DivRound(decimal.NewFromInt(int64(paymentsTotal)), 24))
	return Quote{
		Amount:            amount,
		InterestRate:      rate,
		TotalWithInterest: total,
		AmountPerPayment:  perPayment,
		PaymentsTotal:     paymentsTotal,
	}, nil
}

// Checkout starts a purchase: the merchant payout runs through the pipeline
// (authorize spend allowance, then execute) and the agreement is created only
// when the execute step confirms. Returns the new agreement id, which doubles
// as the pipeline correlation id.
func (s *Service) Checkout(ctx context.Context, accountID, merchantID string, amount decimal.Decimal, paymentsTotal int) (string, error) {
	if accountID == "" {
		return "", errors.New("account id is required")
	}
	if _, err := s.merchants.RequireActive(ctx, merchantID); err != nil {
		return "", err
	}
	quote, err := s.PriceSchedule(amount, paymentsTotal)
	if err != nil {
		return "", err
	}

	agreementID := uuid.NewString()
	ag := installment.Agreement{
		ID:                agreementID,
		AccountID:         accountID,
		MerchantID:        merchantID,
		TotalAmount:       amount,
		TotalWithInterest: quote.TotalWithInterest,
		AmountPerPayment:  quote.AmountPerPayment,
		PaymentsTotal:     paymentsTotal,
		PaymentsRemaining: paymentsTotal,
	}

	// The intent is durable before any money moves: a restart between here
	// and the confirmation replays it from the pending_intents table.
	if err := s.database.UpsertPendingIntent(ctx, checkoutIntent(agreementID, ag)); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.checkouts[agreementID] = pendingCheckout{agreement: ag}
	s.mu.Unlock()

	err = s.pipe.Start(ctx, pipeline.Request{
		CorrelationID:      agreementID,
		AccountID:          accountID,
		Kind:               ledger.ActionPurchase,
		Amount:             amount,
		NeedsAuthorization: true,
	})
	if err != nil {
		s.abandon(ctx, agreementID)
		return "", err
	}

	log.Printf("checkout started: agreement %s, %s over %d payments", agreementID, quote.TotalWithInterest, paymentsTotal)
	return agreementID, nil
}

// PayInstallment starts the next payment for an agreement. The amount is one
// installment, plus any accrued late fee when this is the final payment.
// Returns the pipeline correlation id for the payment.
func (s *Service) PayInstallment(ctx context.Context, accountID, agreementID string) (string, error) {
	ag, err := s.led.Agreement(agreementID)
	if err != nil {
		return "", err
	}
	if ag.AccountID != accountID {
		return "", fmt.Errorf("%w: %s", ErrNotYourAgreement, agreementID)
	}
	if !ag.Active {
		return "", fmt.Errorf("%w: %s", installment.ErrAgreementSettled, agreementID)
	}

	amount := ag.AmountPerPayment
	if ag.PaymentsRemaining == 1 {
		amount = amount.Add(ag.LateFeeAccrued)
	}

	paymentNo := ag.PaymentsTotal - ag.PaymentsRemaining + 1
	correlationID := fmt.Sprintf("%s-pay-%d", agreementID, paymentNo)

	if err := s.database.UpsertPendingIntent(ctx, db.PendingIntent{
		CorrelationID: correlationID,
		Kind:          intentPayment,
		AccountID:     accountID,
		AgreementID:   agreementID,
	}); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.payments[correlationID] = pendingPayment{agreementID: agreementID, accountID: accountID}
	s.mu.Unlock()

	err = s.pipe.Start(ctx, pipeline.Request{
		CorrelationID:      correlationID,
		AccountID:          accountID,
		Kind:               ledger.ActionPayment,
		Amount:             amount,
		NeedsAuthorization: true,
	})
	if err != nil {
		s.abandon(ctx, correlationID)
		return "", err
	}
	return correlationID, nil
}

// Listen applies confirmed execute steps to the installment ledger and clears
// pending state when a pipeline fails. The correlation id is the dedup key for
// payments, so replayed notifications cannot decrement twice. Run once, in its
// own goroutine.
func (s *Service) Listen(ctx context.Context) {
	confCh, unsubConf := s.bus.Subscribe(events.EventLedgerConfirmation, 256)
	defer unsubConf()
	failCh, unsubFail := s.bus.Subscribe(events.EventPipelineFailed, 64)
	defer unsubFail()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-confCh:
			if !ok {
				return
			}
			conf, ok := payload.(ledger.Confirmation)
			if !ok || conf.Stage != ledger.StageExecute || !conf.OK {
				continue
			}
			s.applyConfirmation(ctx, conf)
		case payload, ok := <-failCh:
			if !ok {
				return
			}
			if st, ok := payload.(pipeline.Status); ok {
				s.abandon(ctx, st.CorrelationID)
			}
		}
	}
}

func (s *Service) applyConfirmation(ctx context.Context, conf ledger.Confirmation) {
	switch conf.Kind {
	case ledger.ActionPurchase:
		s.mu.Lock()
		pending, ok := s.checkouts[conf.CorrelationID]
		delete(s.checkouts, conf.CorrelationID)
		s.mu.Unlock()
		if !ok {
			return
		}

		ag := pending.agreement
		ag.NextDueAt = time.Now().UTC().Add(s.params.PaymentInterval)
		if err := s.led.AddPurchase(ctx, ag); err != nil {
			log.Printf("purchase %s confirmed but not recorded: %v", ag.ID, err)
			return
		}
		s.clearIntent(ctx, conf.CorrelationID)
		log.Printf("agreement %s created for account %s", ag.ID, ag.AccountID)
		s.bus.Publish(events.EventAgreementCreated, ag)

	case ledger.ActionPayment:
		s.mu.Lock()
		pending, ok := s.payments[conf.CorrelationID]
		delete(s.payments, conf.CorrelationID)
		s.mu.Unlock()
		if !ok {
			return
		}

		// The correlation id is unique per payment number and stable across
		// restarts, unlike the notification's event id.
		if err := s.led.RecordPayment(ctx, pending.agreementID, conf.CorrelationID); err != nil {
			log.Printf("payment on %s confirmed but not recorded: %v", pending.agreementID, err)
			return
		}
		s.clearIntent(ctx, conf.CorrelationID)
		s.bus.Publish(events.EventPaymentRecorded, pending.agreementID)
	}
}

// Resume restores pending checkouts and payments from the pending_intents
// table after a restart, rebuilds their pipelines from the Ledger Service's
// records, and applies any step that confirmed while the process was down.
// Returns the correlation ids still in flight, for settlement watching.
func (s *Service) Resume(ctx context.Context) ([]string, error) {
	intents, err := s.database.ListPendingIntents(ctx)
	if err != nil {
		return nil, err
	}

	var inFlight []string
	for _, intent := range intents {
		s.restorePending(intent)

		if err := s.pipe.Rebuild(ctx, intent.CorrelationID); err != nil {
			log.Printf("pipeline rebuild %s: %v", intent.CorrelationID, err)
			continue
		}
		st, err := s.pipe.Status(intent.CorrelationID)
		if err != nil {
			// No submission record: the pipeline never started, so nothing
			// was spent. Drop the intent.
			s.abandon(ctx, intent.CorrelationID)
			continue
		}

		switch st.State {
		case pipeline.StateConfirmed:
			// The money moved while we were down; finish the bookkeeping.
			s.applyConfirmation(ctx, ledger.Confirmation{
				CorrelationID: intent.CorrelationID,
				AccountID:     intent.AccountID,
				Kind:          intentActionKind(intent.Kind),
				Stage:         ledger.StageExecute,
				OK:            true,
			})
		case pipeline.StateFailed:
			s.abandon(ctx, intent.CorrelationID)
		default:
			inFlight = append(inFlight, intent.CorrelationID)
		}
	}
	return inFlight, nil
}

// abandon drops the pending state for a pipeline that failed or never ran.
func (s *Service) abandon(ctx context.Context, correlationID string) {
	s.mu.Lock()
	_, hadCheckout := s.checkouts[correlationID]
	_, hadPayment := s.payments[correlationID]
	delete(s.checkouts, correlationID)
	delete(s.payments, correlationID)
	s.mu.Unlock()
	if !hadCheckout && !hadPayment {
		return
	}
	s.clearIntent(ctx, correlationID)
}

func (s *Service) clearIntent(ctx context.Context, correlationID string) {
	if err := s.database.DeletePendingIntent(ctx, correlationID); err != nil {
		log.Printf("clear pending intent %s: %v", correlationID, err)
	}
}

func (s *Service) restorePending(intent db.PendingIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch intent.Kind {
	case intentCheckout:
		s.checkouts[intent.CorrelationID] = pendingCheckout{agreement: installment.Agreement{
			ID:                intent.AgreementID,
			AccountID:         intent.AccountID,
			MerchantID:        intent.MerchantID,
			TotalAmount:       mustIntentDecimal(intent.TotalAmount),
			TotalWithInterest: mustIntentDecimal(intent.TotalWithInterest),
			AmountPerPayment:  mustIntentDecimal(intent.AmountPerPayment),
			PaymentsTotal:     intent.PaymentsTotal,
			PaymentsRemaining: intent.PaymentsTotal,
		}}
	case intentPayment:
		s.payments[intent.CorrelationID] = pendingPayment{
			agreementID: intent.AgreementID,
			accountID:   intent.AccountID,
		}
	}
}

const (
	intentCheckout = "checkout"
	intentPayment  = "payment"
)

func checkoutIntent(correlationID string, ag installment.Agreement) db.PendingIntent {
	return db.PendingIntent{
		CorrelationID:     correlationID,
		Kind:              intentCheckout,
		AccountID:         ag.AccountID,
		AgreementID:       ag.ID,
		MerchantID:        ag.MerchantID,
		TotalAmount:       ag.TotalAmount.String(),
		TotalWithInterest: ag.TotalWithInterest.String(),
		AmountPerPayment:  ag.AmountPerPayment.String(),
		PaymentsTotal:     ag.PaymentsTotal,
	}
}

func intentActionKind(kind string) ledger.ActionKind {
	if kind == intentPayment {
		return ledger.ActionPayment
	}
	return ledger.ActionPurchase
}

// mustIntentDecimal trusts our own persisted decimal strings.
func mustIntentDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Printf("pending intent holds bad decimal %q: %v", s, err)
		return decimal.Zero
	}
	return d
}

// SweepLateFees accrues the late fee for every agreement overdue past grace
// at the given time. The lateness event id is derived from the missed due
// date, so repeated sweeps charge each missed payment exactly once.
func (s *Service) SweepLateFees(ctx context.Context, now time.Time) {
	for _, ag := range s.led.LateAgreements(now) {
		eventID := fmt.Sprintf("late-%s-%d", ag.ID, ag.NextDueAt.Unix())
		applied, err := s.led.RecordLateFee(ctx, ag.ID, eventID)
		if err != nil {
			log.Printf("late fee sweep on %s: %v", ag.ID, err)
			continue
		}
		if applied {
			s.bus.Publish(events.EventRiskAlert, fmt.Sprintf("agreement %s overdue, late fee accrued", ag.ID))
		}
	}
}

// RunLateFeeMonitor sweeps on an interval until the context ends.
func (s *Service) RunLateFeeMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepLateFees(ctx, now.UTC())
		}
	}
}

func (s *Service) offeredPlans() string {
	counts := make([]int, 0, len(s.params.InterestRates))
	for n := range s.params.InterestRates {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	parts := make([]string, len(counts))
	for i, n := range counts {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}
