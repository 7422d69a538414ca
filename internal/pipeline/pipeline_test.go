package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/events"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T) (*Manager, *ledger.Mock) {
	t.Helper()
	mock := ledger.NewMock(5 * time.Millisecond)
	mock.SeedAccount("acct-1", ledger.Snapshot{
		Collateral:  dec("1.0"),
		Debt:        decimal.Zero,
		OraclePrice: dec("60000"),
		MUSDBalance: dec("10000"),
	})
	m := NewManager(mock, events.NewBus())
	mock.Notify = func(conf ledger.Confirmation) {
		m.HandleConfirmation(context.Background(), conf)
	}
	return m, mock
}

func waitForState(t *testing.T, m *Manager, correlationID string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(correlationID)
		if err == nil && st.State == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := m.Status(correlationID)
	t.Fatalf("pipeline %s never reached %s (stuck at %s, cause %q)", correlationID, want, st.State, st.Cause)
	return Status{}
}

func purchaseReq(correlationID, amount string) Request {
	return Request{
		CorrelationID:      correlationID,
		AccountID:          "acct-1",
		Kind:               ledger.ActionPurchase,
		Amount:             dec(amount),
		NeedsAuthorization: true,
	}
}

// With zero allowance, a purchase walks the full chain and the authorize
// confirmation rolls straight into Executing with no second user action.
func TestAutoContinuation(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	if err := m.Start(ctx, purchaseReq("corr-1", "100")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, m, "corr-1", StateConfirmed)

	subs, err := mock.Submissions(ctx, "corr-1")
	if err != nil {
		t.Fatalf("Submissions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, expected authorize+execute", len(subs))
	}
	if subs[0].Stage != ledger.StageAuthorize || subs[1].Stage != ledger.StageExecute {
		t.Fatalf("submission order %s,%s; execute must follow authorize", subs[0].Stage, subs[1].Stage)
	}
	// Execute was only submitted after the authorization settled.
	if subs[0].Status != ledger.StatusConfirmed {
		t.Fatalf("authorize status %s at execute time", subs[0].Status)
	}
}

// Actions that need no allowance skip authorization entirely.
func TestSkipAuthorizeForDirectActions(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	err := m.Start(ctx, Request{
		CorrelationID: "corr-borrow",
		AccountID:     "acct-1",
		Kind:          ledger.ActionBorrow,
		Amount:        dec("5000"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, m, "corr-borrow", StateConfirmed)

	subs, _ := mock.Submissions(ctx, "corr-borrow")
	if len(subs) != 1 || subs[0].Stage != ledger.StageExecute {
		t.Fatalf("expected a single execute submission, got %+v", subs)
	}
}

func TestReentrancyIsNoOp(t *testing.T) {
	mock := ledger.NewMock(200 * time.Millisecond) // keep the run pending
	mock.SeedAccount("acct-1", ledger.Snapshot{
		Collateral: dec("1.0"), OraclePrice: dec("60000"), MUSDBalance: dec("10000"),
	})
	m := NewManager(mock, events.NewBus())
	ctx := context.Background()

	if err := m.Start(ctx, purchaseReq("corr-1", "100")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := m.Start(ctx, purchaseReq("corr-1", "100"))
	if err == nil {
		t.Fatal("second Start during flight must be rejected")
	}
	subs, _ := mock.Submissions(ctx, "corr-1")
	if len(subs) != 1 {
		t.Fatalf("re-entry duplicated submissions: %d", len(subs))
	}

	// A different correlation id is unaffected.
	if err := m.Start(ctx, purchaseReq("corr-2", "50")); err != nil {
		t.Fatalf("independent pipeline blocked: %v", err)
	}
}

// A failed authorization aborts the run; execute is never attempted.
func TestAuthorizeFailureAborts(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	mock.FailNext(ledger.StageAuthorize, "allowance denied")
	if err := m.Start(ctx, purchaseReq("corr-1", "100")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := waitForState(t, m, "corr-1", StateFailed)
	if st.Cause == "" {
		t.Fatal("failed run must carry the failure cause")
	}

	subs, _ := mock.Submissions(ctx, "corr-1")
	for _, s := range subs {
		if s.Stage == ledger.StageExecute {
			t.Fatal("execute submitted despite failed authorization")
		}
	}
}

// After an execute failure the authorization stands; a retry finds the
// allowance already granted and re-enters at Executing without a second
// authorize submission.
func TestRetryAfterExecuteFailureSkipsAuthorization(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	mock.FailNext(ledger.StageExecute, "gateway rejected")
	if err := m.Start(ctx, purchaseReq("corr-1", "100")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, m, "corr-1", StateFailed)

	if err := m.Start(ctx, purchaseReq("corr-1", "100")); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	waitForState(t, m, "corr-1", StateConfirmed)

	subs, _ := mock.Submissions(ctx, "corr-1")
	auths, execs := 0, 0
	for _, s := range subs {
		switch s.Stage {
		case ledger.StageAuthorize:
			auths++
		case ledger.StageExecute:
			execs++
		}
	}
	if auths != 1 {
		t.Fatalf("authorize submitted %d times across retry, expected 1", auths)
	}
	if execs != 2 {
		t.Fatalf("execute submitted %d times, expected 2 (failed + retried)", execs)
	}
}

// eagerLedger settles every submission synchronously, delivering the
// confirmation before the submit call has even returned its handle.
type eagerLedger struct {
	mgr *Manager
}

func (e *eagerLedger) Snapshot(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	return ledger.Snapshot{}, nil
}

func (e *eagerLedger) Allowance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (e *eagerLedger) Submissions(ctx context.Context, correlationID string) ([]ledger.Submission, error) {
	return nil, nil
}

func (e *eagerLedger) SubmitAuthorize(ctx context.Context, req ledger.SubmitRequest) (string, error) {
	e.mgr.HandleConfirmation(ctx, ledger.Confirmation{
		EventID:       "evt-auth",
		HandleID:      "h-auth",
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		Kind:          req.Kind,
		Stage:         ledger.StageAuthorize,
		OK:            true,
	})
	return "h-auth", nil
}

func (e *eagerLedger) SubmitExecute(ctx context.Context, req ledger.SubmitRequest) (string, error) {
	e.mgr.HandleConfirmation(ctx, ledger.Confirmation{
		EventID:       "evt-exec",
		HandleID:      "h-exec",
		CorrelationID: req.CorrelationID,
		AccountID:     req.AccountID,
		Kind:          req.Kind,
		Stage:         ledger.StageExecute,
		OK:            true,
	})
	return "h-exec", nil
}

// A settlement that lands before the submit call returns its handle must not
// be lost: the run would otherwise sit in a pending state forever with
// re-entry rejected.
func TestConfirmationBeforeHandleRecorded(t *testing.T) {
	svc := &eagerLedger{}
	m := NewManager(svc, events.NewBus())
	svc.mgr = m
	ctx := context.Background()

	if err := m.Start(ctx, purchaseReq("corr-eager", "100")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Both stages confirmed synchronously; no waiting, no second delivery.
	st, err := m.Status("corr-eager")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateConfirmed {
		t.Fatalf("state=%s cause=%q, expected Confirmed without redelivery", st.State, st.Cause)
	}
}

// A restarted manager derives pipeline state from the service's submission
// records, not from memory.
func TestRebuildFromLedgerRecords(t *testing.T) {
	m, mock := newTestManager(t)
	ctx := context.Background()

	if err := m.Start(ctx, purchaseReq("corr-1", "100")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, m, "corr-1", StateConfirmed)

	// Fresh manager over the same service: nothing in memory.
	m2 := NewManager(mock, events.NewBus())
	if _, err := m2.Status("corr-1"); err == nil {
		t.Fatal("fresh manager should not know the pipeline yet")
	}
	if err := m2.Rebuild(ctx, "corr-1"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	st, err := m2.Status("corr-1")
	if err != nil {
		t.Fatalf("Status after rebuild: %v", err)
	}
	if st.State != StateConfirmed {
		t.Fatalf("rebuilt state %s, expected Confirmed", st.State)
	}

	// Unknown correlation ids rebuild to nothing, without error.
	if err := m2.Rebuild(ctx, "corr-unknown"); err != nil {
		t.Fatalf("Rebuild unknown: %v", err)
	}
	if _, err := m2.Status("corr-unknown"); err == nil {
		t.Fatal("rebuild of an id with no submissions must not create a run")
	}
}

// Authorization settled but execute never submitted (crash in between): the
// rebuild resumes the continuation by submitting execute itself.
func TestRebuildResumesAfterAuthorization(t *testing.T) {
	mock := ledger.NewMock(5 * time.Millisecond)
	mock.SeedAccount("acct-1", ledger.Snapshot{
		Collateral: dec("1.0"), OraclePrice: dec("60000"), MUSDBalance: dec("10000"),
	})
	ctx := context.Background()

	// Simulate the pre-crash half: authorize submitted and confirmed with no
	// pipeline attached.
	_, err := mock.SubmitAuthorize(ctx, ledger.SubmitRequest{
		CorrelationID: "corr-1",
		AccountID:     "acct-1",
		Kind:          ledger.ActionPurchase,
		Stage:         ledger.StageAuthorize,
		Amount:        dec("100"),
	})
	if err != nil {
		t.Fatalf("SubmitAuthorize: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	m := NewManager(mock, events.NewBus())
	mock.Notify = func(conf ledger.Confirmation) {
		m.HandleConfirmation(context.Background(), conf)
	}
	if err := m.Rebuild(ctx, "corr-1"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	waitForState(t, m, "corr-1", StateConfirmed)

	subs, _ := mock.Submissions(ctx, "corr-1")
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, expected the resumed execute alongside the authorize", len(subs))
	}
}
