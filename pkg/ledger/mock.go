package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mock is an in-process Service for dry-run mode and tests. Submissions
// settle after a configurable delay and are notified through the Notify
// callback, mimicking the out-of-band confirmation path of the real gateway.
type Mock struct {
	// Notify receives settlement confirmations; wired to the event bus by
	// the caller. May be nil in tests that poll Submissions instead.
	Notify func(Confirmation)

	// ConfirmDelay is the simulated network confirmation latency.
	ConfirmDelay time.Duration

	mu          sync.Mutex
	accounts    map[string]*mockAccount
	submissions map[string]*Submission
	byCorr      map[string][]string // correlation id -> handle ids in order
	failNext    map[Stage]string    // stage -> failure cause, consumed once
}

type mockAccount struct {
	snapshot  Snapshot
	allowance decimal.Decimal
}

// NewMock creates an empty mock ledger service.
func NewMock(confirmDelay time.Duration) *Mock {
	return &Mock{
		ConfirmDelay: confirmDelay,
		accounts:     make(map[string]*mockAccount),
		submissions:  make(map[string]*Submission),
		byCorr:       make(map[string][]string),
		failNext:     make(map[Stage]string),
	}
}

// SeedAccount installs an account snapshot.
func (m *Mock) SeedAccount(accountID string, snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID] = &mockAccount{snapshot: snap, allowance: decimal.Zero}
}

// SetRecoveryMode flips the protocol-wide recovery flag for an account.
func (m *Mock) SetRecoveryMode(accountID string, recovery bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[accountID]; ok {
		acc.snapshot.RecoveryMode = recovery
	}
}

// FailNext makes the next settlement of the given stage fail with cause.
func (m *Mock) FailNext(stage Stage, cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[stage] = cause
}

// Snapshot implements Service.
func (m *Mock) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: unknown account %s", ErrNetwork, accountID)
	}
	return acc.snapshot, nil
}

// Allowance implements Service.
func (m *Mock) Allowance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unknown account %s", ErrNetwork, accountID)
	}
	return acc.allowance, nil
}

// Submissions implements Service; this is the authoritative record pipelines
// rebuild from.
func (m *Mock) Submissions(ctx context.Context, correlationID string) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handles := m.byCorr[correlationID]
	subs := make([]Submission, 0, len(handles))
	for _, h := range handles {
		if s, ok := m.submissions[h]; ok {
			subs = append(subs, *s)
		}
	}
	return subs, nil
}

// SubmitAuthorize implements Service.
func (m *Mock) SubmitAuthorize(ctx context.Context, req SubmitRequest) (string, error) {
	return m.submit(req, StageAuthorize)
}

// SubmitExecute implements Service.
func (m *Mock) SubmitExecute(ctx context.Context, req SubmitRequest) (string, error) {
	return m.submit(req, StageExecute)
}

func (m *Mock) submit(req SubmitRequest, stage Stage) (string, error) {
	m.mu.Lock()
	if _, ok := m.accounts[req.AccountID]; !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: unknown account %s", ErrNetwork, req.AccountID)
	}

	sub := &Submission{
		HandleID:      uuid.NewString(),
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		Kind:          req.Kind,
		Stage:         stage,
		Amount:        req.Amount,
		Status:        StatusPending,
	}
	m.submissions[sub.HandleID] = sub
	m.byCorr[req.CorrelationID] = append(m.byCorr[req.CorrelationID], sub.HandleID)
	m.mu.Unlock()

	go m.settle(sub.HandleID)
	return sub.HandleID, nil
}

// settle resolves a pending submission after the confirmation delay and
// notifies the caller. Effects apply only on confirmation, never on submit.
func (m *Mock) settle(handleID string) {
	time.Sleep(m.ConfirmDelay)

	m.mu.Lock()
	sub, ok := m.submissions[handleID]
	if !ok || sub.Status != StatusPending {
		m.mu.Unlock()
		return
	}

	if cause, fail := m.failNext[sub.Stage]; fail {
		delete(m.failNext, sub.Stage)
		sub.Status = StatusFailed
		sub.Cause = cause
	} else {
		sub.Status = StatusConfirmed
		m.applyLocked(sub)
	}

	conf := Confirmation{
		EventID:       uuid.NewString(),
		HandleID:      sub.HandleID,
		CorrelationID: sub.CorrelationID,
		AccountID:     sub.AccountID,
		Kind:          sub.Kind,
		Stage:         sub.Stage,
		OK:            sub.Status == StatusConfirmed,
		Cause:         sub.Cause,
	}
	notify := m.Notify
	m.mu.Unlock()

	if notify != nil {
		notify(conf)
	}
}

// applyLocked mutates account state for a confirmed submission; caller holds
// the lock.
func (m *Mock) applyLocked(sub *Submission) {
	acc, ok := m.accounts[sub.AccountID]
	if !ok {
		return
	}

	if sub.Stage == StageAuthorize {
		acc.allowance = acc.allowance.Add(sub.Amount)
		return
	}

	switch sub.Kind {
	case ActionBorrow:
		acc.snapshot.Debt = acc.snapshot.Debt.Add(sub.Amount)
		acc.snapshot.MUSDBalance = acc.snapshot.MUSDBalance.Add(sub.Amount)
	case ActionRepay:
		acc.snapshot.Debt = acc.snapshot.Debt.Sub(sub.Amount)
		acc.snapshot.MUSDBalance = acc.snapshot.MUSDBalance.Sub(sub.Amount)
	case ActionWithdraw:
		acc.snapshot.Collateral = acc.snapshot.Collateral.Sub(sub.Amount)
	case ActionPurchase, ActionPayment:
		acc.snapshot.MUSDBalance = acc.snapshot.MUSDBalance.Sub(sub.Amount)
		acc.allowance = acc.allowance.Sub(sub.Amount)
		if acc.allowance.IsNegative() {
			acc.allowance = decimal.Zero
		}
	default:
		log.Printf("mock ledger: unknown action kind %q on execute", sub.Kind)
	}
}
