package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/events"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/guard"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/merchant"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/pipeline"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/purchase"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/db"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	http         *httptest.Server
	mock         *ledger.Mock
	installments *installment.Ledger
}

func newTestAPIServer(t *testing.T) (*testEnv, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewInMemory()
	if err != nil {
		t.Fatalf("db.NewInMemory: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	params := protocol.Default()
	bus := events.NewBus()
	installments := installment.NewLedger(database, params)
	merchants := merchant.NewRegistry(database)

	mock := ledger.NewMock(5 * time.Millisecond)
	mock.Notify = func(conf ledger.Confirmation) {
		bus.Publish(events.EventLedgerConfirmation, conf)
	}

	pipe := pipeline.NewManager(mock, bus)
	purchases := purchase.NewService(database, installments, merchants, pipe, bus, params)

	ctx, cancel := context.WithCancel(context.Background())
	go pipe.Listen(ctx)
	go purchases.Listen(ctx)

	server := NewServer(Deps{
		Bus:          bus,
		DB:           database,
		Ledger:       mock,
		Installments: installments,
		Guard:        guard.New(params),
		Pipe:         pipe,
		Purchases:    purchases,
		Merchants:    merchants,
		Params:       params,
		JWTSecret:    "test-secret",
		Meta:         SystemMeta{DryRun: true, Version: "test"},
	})

	httpServer := httptest.NewServer(server.Router)
	env := &testEnv{http: httpServer, mock: mock, installments: installments}

	cleanup := func() {
		cancel()
		httpServer.Close()
		_ = database.Close()
	}
	return env, cleanup
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// registerAndLogin creates a user and returns its token and ledger account id.
func registerAndLogin(t *testing.T, env *testEnv) (string, string) {
	t.Helper()
	client := env.http.Client()

	status := doJSONRequest(t, client, http.MethodPost, env.http.URL+"/api/auth/register", "", map[string]string{
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d", status)
	}

	var loginResp struct {
		Token     string `json:"token"`
		AccountID string `json:"account_id"`
	}
	status = doJSONRequest(t, client, http.MethodPost, env.http.URL+"/api/auth/login", "", map[string]string{
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" || loginResp.AccountID == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token, loginResp.AccountID
}

func TestAuthRequired(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, env.http.Client(), http.MethodGet, env.http.URL+"/api/position", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401 MISSING_TOKEN, got status=%d code=%s", status, resp.Code)
	}
}

func TestPositionAndHealthEndpoints(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, accountID := registerAndLogin(t, env)
	env.mock.SeedAccount(accountID, ledger.Snapshot{
		Collateral:  dec("0.5"),
		Debt:        dec("15000"),
		OraclePrice: dec("50000"),
		MUSDBalance: dec("2000"),
	})
	client := env.http.Client()

	var posResp struct {
		Collateral string `json:"collateral"`
		Debt       string `json:"debt"`
	}
	status := doJSONRequest(t, client, http.MethodGet, env.http.URL+"/api/position", token, nil, &posResp)
	if status != http.StatusOK {
		t.Fatalf("position status=%d", status)
	}
	if posResp.Collateral != "0.5" || posResp.Debt != "15000" {
		t.Fatalf("unexpected position: %+v", posResp)
	}

	var healthResp struct {
		CollateralRatioPct string `json:"collateral_ratio_pct"`
		HealthFactor       string `json:"health_factor"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.http.URL+"/api/position/health", token, nil, &healthResp)
	if status != http.StatusOK {
		t.Fatalf("health status=%d", status)
	}
	// 25,000 value against 15,000 debt: 166.66...%
	if !strings.HasPrefix(healthResp.CollateralRatioPct, "166.6") {
		t.Fatalf("collateral_ratio_pct=%s, expected ~166.67", healthResp.CollateralRatioPct)
	}
}

func TestBorrowValidationRejection(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, accountID := registerAndLogin(t, env)
	env.mock.SeedAccount(accountID, ledger.Snapshot{
		Collateral:  dec("0.5"),
		Debt:        decimal.Zero,
		OraclePrice: dec("50000"),
	})

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, env.http.Client(), http.MethodPost, env.http.URL+"/api/actions/borrow", token, map[string]string{
		"amount": "100",
	}, &resp)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
	if resp.Code != "BELOW_MINIMUM_DEBT" {
		t.Fatalf("expected BELOW_MINIMUM_DEBT, got %s", resp.Code)
	}
}

func TestBorrowRunsPipelineToConfirmation(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, accountID := registerAndLogin(t, env)
	env.mock.SeedAccount(accountID, ledger.Snapshot{
		Collateral:  dec("1.0"),
		Debt:        decimal.Zero,
		OraclePrice: dec("60000"),
	})
	client := env.http.Client()

	var borrowResp struct {
		CorrelationID string `json:"correlation_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.http.URL+"/api/actions/borrow", token, map[string]string{
		"amount": "5000",
	}, &borrowResp)
	if status != http.StatusAccepted || borrowResp.CorrelationID == "" {
		t.Fatalf("borrow failed status=%d resp=%+v", status, borrowResp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var stResp struct {
			State string `json:"state"`
		}
		status = doJSONRequest(t, client, http.MethodGet, env.http.URL+"/api/pipeline/"+borrowResp.CorrelationID, token, nil, &stResp)
		if status == http.StatusOK && stResp.State == "Confirmed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline never confirmed, last state=%s status=%d", stResp.State, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWithdrawGuardEndpoint(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, accountID := registerAndLogin(t, env)
	env.mock.SeedAccount(accountID, ledger.Snapshot{
		Collateral:  dec("1.0"),
		Debt:        decimal.Zero,
		OraclePrice: dec("60000"),
		MUSDBalance: dec("250"),
	})

	// 300 still owed against a 250 balance.
	err := env.installments.AddPurchase(context.Background(), installment.Agreement{
		ID:                "ag-1",
		AccountID:         accountID,
		MerchantID:        "merchant-1",
		TotalAmount:       dec("300"),
		TotalWithInterest: dec("300"),
		AmountPerPayment:  dec("100"),
		PaymentsTotal:     3,
		PaymentsRemaining: 3,
		NextDueAt:         time.Now().UTC().Add(14 * 24 * time.Hour),
		LateFeeAccrued:    decimal.Zero,
	})
	if err != nil {
		t.Fatalf("AddPurchase: %v", err)
	}

	var verdict struct {
		Allowed   bool   `json:"allowed"`
		Shortfall string `json:"shortfall"`
	}
	status := doJSONRequest(t, env.http.Client(), http.MethodGet, env.http.URL+"/api/guard/withdraw", token, nil, &verdict)
	if status != http.StatusOK {
		t.Fatalf("guard status=%d", status)
	}
	if verdict.Allowed {
		t.Fatal("withdrawal should be blocked")
	}
	if verdict.Shortfall != "50" {
		t.Fatalf("shortfall=%s, expected 50", verdict.Shortfall)
	}
}

func TestCORSPreflight(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/position", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://dashboard.example.com")

	resp, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, expected 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
		t.Fatalf("Allow-Methods=%q, DELETE missing", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("Allow-Headers=%q, Authorization missing", got)
	}
}

func TestMerchantLifecycle(t *testing.T) {
	env, cleanup := newTestAPIServer(t)
	defer cleanup()

	token, _ := registerAndLogin(t, env)
	client := env.http.Client()

	var created struct {
		ID string `json:"ID"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.http.URL+"/api/merchants", token, map[string]any{
		"name":           "Block Height Books",
		"payout_address": "bc1q-payout",
		"fee_bps":        100,
	}, &created)
	if status != http.StatusCreated || created.ID == "" {
		t.Fatalf("create merchant status=%d resp=%+v", status, created)
	}

	status = doJSONRequest(t, client, http.MethodDelete, env.http.URL+"/api/merchants/"+created.ID, token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("deactivate status=%d", status)
	}

	var listResp struct {
		Merchants []json.RawMessage `json:"merchants"`
	}
	status = doJSONRequest(t, client, http.MethodGet, env.http.URL+"/api/merchants?active=true", token, nil, &listResp)
	if status != http.StatusOK {
		t.Fatalf("list status=%d", status)
	}
	if len(listResp.Merchants) != 0 {
		t.Fatalf("deactivated merchant still listed: %d", len(listResp.Merchants))
	}
}
