// Package pipeline sequences two-phase (authorize, then execute) actions
// against the Ledger Service. One state machine per correlation id; the
// transition table here is the single point of truth for auto-continuation,
// so no two observers can ever double-submit the same step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/events"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
)

var (
	// ErrInFlight is returned when a pipeline for the correlation id is
	// already running; the caller's request is dropped, never queued.
	ErrInFlight = errors.New("pipeline already in flight for correlation id")
	// ErrUnknownPipeline is returned when no pipeline exists for the id.
	ErrUnknownPipeline = errors.New("unknown pipeline")
)

// State is one node of the pipeline state machine.
type State string

const (
	StateIdle             State = "Idle"
	StateAuthorizing      State = "Authorizing"
	StateAuthorizePending State = "AuthorizePending"
	StateExecuting        State = "Executing"
	StateExecutePending   State = "ExecutePending"
	StateConfirmed        State = "Confirmed"
	StateFailed           State = "Failed"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// PositionCorrelationID is the sentinel correlation id for collateral
// operations: one in-flight borrow/repay/withdraw per account.
func PositionCorrelationID(accountID string) string {
	return "position-" + accountID
}

// Request describes the action a pipeline run carries out.
type Request struct {
	CorrelationID string
	AccountID     string
	Kind          ledger.ActionKind
	Amount        decimal.Decimal
	// NeedsAuthorization marks actions that spend against an allowance
	// (purchases, installment payments). Collateral operations execute
	// directly.
	NeedsAuthorization bool
}

// Status is a caller-facing snapshot of one pipeline.
type Status struct {
	CorrelationID string            `json:"correlation_id"`
	AccountID     string            `json:"account_id"`
	Kind          ledger.ActionKind `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	State         State             `json:"state"`
	Cause         string            `json:"cause,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Transition is the payload published on every state change.
type Transition struct {
	CorrelationID string
	From          State
	To            State
	Cause         string
}

type run struct {
	req       Request
	state     State
	cause     string
	updatedAt time.Time

	authHandle string
	execHandle string

	// earlyConf parks a settlement that arrived before the submit call
	// returned its handle; applied as soon as the handle is recorded.
	earlyConf *ledger.Confirmation
}

// Manager owns every pipeline, keyed by correlation id. A single lock guards
// the map and all transitions; the in-flight check under that lock is what
// makes re-entry a no-op rather than a duplicate.
type Manager struct {
	mu   sync.Mutex
	runs map[string]*run

	svc ledger.Service
	bus *events.Bus
}

// NewManager creates a pipeline manager over the given ledger service.
func NewManager(svc ledger.Service, bus *events.Bus) *Manager {
	return &Manager{
		runs: make(map[string]*run),
		svc:  svc,
		bus:  bus,
	}
}

// Start begins a pipeline for the request's correlation id. If an allowance
// already covers the amount, authorization is skipped and the run enters
// Executing directly; this is also how a retry after an execute failure picks
// up without repeating authorization. Returns ErrInFlight when a run for the
// same id has not reached a terminal state.
func (m *Manager) Start(ctx context.Context, req Request) error {
	if req.CorrelationID == "" || req.AccountID == "" {
		return errors.New("correlation id and account id are required")
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", req.Amount)
	}

	m.mu.Lock()
	if r, ok := m.runs[req.CorrelationID]; ok && !r.state.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (%s)", ErrInFlight, req.CorrelationID, r.state)
	}
	r := &run{req: req, state: StateIdle, updatedAt: time.Now().UTC()}
	m.runs[req.CorrelationID] = r
	m.mu.Unlock()

	needsAuth := req.NeedsAuthorization
	if needsAuth {
		allowance, err := m.svc.Allowance(ctx, req.AccountID)
		if err != nil {
			m.fail(req.CorrelationID, fmt.Sprintf("allowance read: %v", err))
			return fmt.Errorf("read allowance: %w", err)
		}
		needsAuth = allowance.LessThan(req.Amount)
	}

	if needsAuth {
		return m.authorize(ctx, req.CorrelationID)
	}
	return m.execute(ctx, req.CorrelationID)
}

// HandleConfirmation applies one settlement notification. Authorize
// confirmations continue straight into Executing without a second user
// action; execute confirmations close the run. Confirmations for unknown or
// terminal runs are ignored, so replayed notifications are harmless.
func (m *Manager) HandleConfirmation(ctx context.Context, conf ledger.Confirmation) {
	m.mu.Lock()
	r, ok := m.runs[conf.CorrelationID]
	if !ok || r.state.Terminal() {
		m.mu.Unlock()
		return
	}

	switch {
	case conf.Stage == ledger.StageAuthorize && r.state == StateAuthorizePending && conf.HandleID == r.authHandle:
		if !conf.OK {
			m.failLocked(r, fmt.Sprintf("authorization failed: %s", conf.Cause))
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		if err := m.execute(ctx, conf.CorrelationID); err != nil {
			log.Printf("pipeline %s: execute after authorization: %v", conf.CorrelationID, err)
		}
		return

	case conf.Stage == ledger.StageExecute && r.state == StateExecutePending && conf.HandleID == r.execHandle:
		if !conf.OK {
			m.failLocked(r, fmt.Sprintf("execution failed: %s", conf.Cause))
			m.mu.Unlock()
			return
		}
		m.transitionLocked(r, StateConfirmed, "")
		m.mu.Unlock()
		m.bus.Publish(events.EventPipelineConfirmed, m.statusOf(conf.CorrelationID))
		return

	case conf.Stage == ledger.StageAuthorize && r.state == StateAuthorizing,
		conf.Stage == ledger.StageExecute && r.state == StateExecuting:
		// The settlement outran the submit call's return; park it until the
		// handle is recorded.
		c := conf
		r.earlyConf = &c
	}
	m.mu.Unlock()
}

// Listen consumes ledger confirmation events from the bus until the context
// ends. Run it once, in its own goroutine.
func (m *Manager) Listen(ctx context.Context) {
	ch, unsub := m.bus.Subscribe(events.EventLedgerConfirmation, 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if conf, ok := payload.(ledger.Confirmation); ok {
				m.HandleConfirmation(ctx, conf)
			}
		}
	}
}

// Status returns the current view of one pipeline.
func (m *Manager) Status(correlationID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[correlationID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, correlationID)
	}
	return statusLocked(correlationID, r), nil
}

// Rebuild reconstructs a pipeline from the Ledger Service's authoritative
// submission records after a restart. In-memory history is never trusted: the
// derived state comes entirely from what the service settled. A run whose
// authorization confirmed but whose execute step was never submitted resumes
// by submitting it now.
func (m *Manager) Rebuild(ctx context.Context, correlationID string) error {
	subs, err := m.svc.Submissions(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("read submissions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	var lastAuth, lastExec *ledger.Submission
	for i := range subs {
		switch subs[i].Stage {
		case ledger.StageAuthorize:
			lastAuth = &subs[i]
		case ledger.StageExecute:
			lastExec = &subs[i]
		}
	}

	latest := subs[len(subs)-1]
	r := &run{
		req: Request{
			CorrelationID:      correlationID,
			AccountID:          latest.AccountID,
			Kind:               latest.Kind,
			Amount:             latest.Amount,
			NeedsAuthorization: lastAuth != nil,
		},
		updatedAt: time.Now().UTC(),
	}
	if lastAuth != nil {
		r.authHandle = lastAuth.HandleID
	}
	if lastExec != nil {
		r.execHandle = lastExec.HandleID
	}

	resume := false
	switch {
	case lastExec != nil && lastExec.Status == ledger.StatusConfirmed:
		r.state = StateConfirmed
	case lastExec != nil && lastExec.Status == ledger.StatusFailed:
		r.state, r.cause = StateFailed, lastExec.Cause
	case lastExec != nil:
		r.state = StateExecutePending
	case lastAuth != nil && lastAuth.Status == ledger.StatusFailed:
		r.state, r.cause = StateFailed, lastAuth.Cause
	case lastAuth != nil && lastAuth.Status == ledger.StatusConfirmed:
		// Authorized but execute never submitted: resume the continuation.
		r.state = StateExecuting
		resume = true
	default:
		r.state = StateAuthorizePending
	}

	m.mu.Lock()
	m.runs[correlationID] = r
	m.mu.Unlock()
	log.Printf("pipeline %s rebuilt from ledger records: %s", correlationID, r.state)

	if resume {
		return m.submitExecute(ctx, correlationID)
	}
	return nil
}

// authorize moves Idle → Authorizing → AuthorizePending.
func (m *Manager) authorize(ctx context.Context, correlationID string) error {
	m.mu.Lock()
	r, ok := m.runs[correlationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, correlationID)
	}
	m.transitionLocked(r, StateAuthorizing, "")
	req := r.req
	m.mu.Unlock()

	handle, err := m.svc.SubmitAuthorize(ctx, ledger.SubmitRequest{
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		Kind:          req.Kind,
		Stage:         ledger.StageAuthorize,
		Amount:        req.Amount,
	})
	if err != nil {
		m.fail(correlationID, fmt.Sprintf("authorize submission: %v", err))
		return fmt.Errorf("submit authorize: %w", err)
	}

	m.mu.Lock()
	r.authHandle = handle
	m.transitionLocked(r, StateAuthorizePending, "")
	early := takeEarlyConf(r, ledger.StageAuthorize, handle)
	m.mu.Unlock()

	if early != nil {
		m.HandleConfirmation(ctx, *early)
	}
	return nil
}

// execute moves the run into Executing and submits the execute step.
func (m *Manager) execute(ctx context.Context, correlationID string) error {
	m.mu.Lock()
	r, ok := m.runs[correlationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, correlationID)
	}
	m.transitionLocked(r, StateExecuting, "")
	m.mu.Unlock()

	return m.submitExecute(ctx, correlationID)
}

func (m *Manager) submitExecute(ctx context.Context, correlationID string) error {
	m.mu.Lock()
	r, ok := m.runs[correlationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, correlationID)
	}
	req := r.req
	m.mu.Unlock()

	handle, err := m.svc.SubmitExecute(ctx, ledger.SubmitRequest{
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		Kind:          req.Kind,
		Stage:         ledger.StageExecute,
		Amount:        req.Amount,
	})
	if err != nil {
		m.fail(correlationID, fmt.Sprintf("execute submission: %v", err))
		return fmt.Errorf("submit execute: %w", err)
	}

	m.mu.Lock()
	r.execHandle = handle
	m.transitionLocked(r, StateExecutePending, "")
	early := takeEarlyConf(r, ledger.StageExecute, handle)
	m.mu.Unlock()

	if early != nil {
		m.HandleConfirmation(ctx, *early)
	}
	return nil
}

// takeEarlyConf pops a parked settlement if it matches the stage and handle
// just recorded; caller holds the lock.
func takeEarlyConf(r *run, stage ledger.Stage, handle string) *ledger.Confirmation {
	early := r.earlyConf
	if early == nil || early.Stage != stage || early.HandleID != handle {
		return nil
	}
	r.earlyConf = nil
	return early
}

func (m *Manager) fail(correlationID, cause string) {
	m.mu.Lock()
	if r, ok := m.runs[correlationID]; ok && !r.state.Terminal() {
		m.failLocked(r, cause)
	}
	m.mu.Unlock()
}

func (m *Manager) failLocked(r *run, cause string) {
	m.transitionLocked(r, StateFailed, cause)
	m.bus.Publish(events.EventPipelineFailed, statusLocked(r.req.CorrelationID, r))
}

// transitionLocked applies one state change and publishes it; caller holds
// the lock.
func (m *Manager) transitionLocked(r *run, to State, cause string) {
	from := r.state
	r.state = to
	r.cause = cause
	r.updatedAt = time.Now().UTC()
	log.Printf("pipeline %s: %s -> %s%s", r.req.CorrelationID, from, to, causeSuffix(cause))
	m.bus.Publish(events.EventPipelineTransition, Transition{
		CorrelationID: r.req.CorrelationID,
		From:          from,
		To:            to,
		Cause:         cause,
	})
}

func (m *Manager) statusOf(correlationID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[correlationID]; ok {
		return statusLocked(correlationID, r)
	}
	return Status{CorrelationID: correlationID}
}

func statusLocked(correlationID string, r *run) Status {
	return Status{
		CorrelationID: correlationID,
		AccountID:     r.req.AccountID,
		Kind:          r.req.Kind,
		Amount:        r.req.Amount,
		State:         r.state,
		Cause:         r.cause,
		UpdatedAt:     r.updatedAt,
	}
}

func causeSuffix(cause string) string {
	if cause == "" {
		return ""
	}
	return " (" + cause + ")"
}
