package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/musd"
)

// Client is an HTTP implementation of Service against a remote ledger
// gateway. Amounts cross the wire as smallest-unit integer strings.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient builds a REST client for the ledger gateway.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type snapshotPayload struct {
	Collateral   string `json:"collateral"`
	Debt         string `json:"debt"`
	OraclePrice  string `json:"oracle_price"`
	MUSDBalance  string `json:"musd_balance"`
	RecoveryMode bool   `json:"recovery_mode"`
}

// Snapshot fetches the current position snapshot for an account.
func (c *Client) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	var payload snapshotPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/accounts/%s/snapshot", accountID), &payload); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{RecoveryMode: payload.RecoveryMode}
	var err error
	if snap.Collateral, err = musd.FromBaseUnits(payload.Collateral); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot collateral: %w", err)
	}
	if snap.Debt, err = musd.FromBaseUnits(payload.Debt); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot debt: %w", err)
	}
	if snap.OraclePrice, err = musd.FromBaseUnits(payload.OraclePrice); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot oracle price: %w", err)
	}
	if snap.MUSDBalance, err = musd.FromBaseUnits(payload.MUSDBalance); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot musd balance: %w", err)
	}
	return snap, nil
}

// Allowance fetches the current spending allowance for an account.
func (c *Client) Allowance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var payload struct {
		Allowance string `json:"allowance"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/accounts/%s/allowance", accountID), &payload); err != nil {
		return decimal.Zero, err
	}
	allowance, err := musd.FromBaseUnits(payload.Allowance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("allowance: %w", err)
	}
	return allowance, nil
}

type submissionPayload struct {
	HandleID      string `json:"handle_id"`
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	Kind          string `json:"kind"`
	Stage         string `json:"stage"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	Cause         string `json:"cause,omitempty"`
}

// Submissions lists the authoritative submission records for a correlation id.
func (c *Client) Submissions(ctx context.Context, correlationID string) ([]Submission, error) {
	var payload []submissionPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/v1/submissions?correlation_id=%s", correlationID), &payload); err != nil {
		return nil, err
	}

	subs := make([]Submission, 0, len(payload))
	for _, p := range payload {
		amount, err := musd.FromBaseUnits(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("submission %s amount: %w", p.HandleID, err)
		}
		subs = append(subs, Submission{
			HandleID:      p.HandleID,
			CorrelationID: p.CorrelationID,
			AccountID:     p.AccountID,
			Kind:          ActionKind(p.Kind),
			Stage:         Stage(p.Stage),
			Amount:        amount,
			Status:        SubmissionStatus(p.Status),
			Cause:         p.Cause,
		})
	}
	return subs, nil
}

// SubmitAuthorize submits the authorize half of an action; returns a pending
// handle id.
func (c *Client) SubmitAuthorize(ctx context.Context, req SubmitRequest) (string, error) {
	return c.submit(ctx, "/v1/submissions/authorize", req)
}

// SubmitExecute submits the execute half of an action; returns a pending
// handle id.
func (c *Client) SubmitExecute(ctx context.Context, req SubmitRequest) (string, error) {
	return c.submit(ctx, "/v1/submissions/execute", req)
}

func (c *Client) submit(ctx context.Context, path string, req SubmitRequest) (string, error) {
	// Owed/spend amounts are rounded up so the authorization never
	// understates what the execute step needs.
	body, err := json.Marshal(map[string]string{
		"correlation_id": req.CorrelationID,
		"account_id":     req.AccountID,
		"kind":           string(req.Kind),
		"amount":         musd.ToBaseUnitsCeil(req.Amount),
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("%w: submit status %d", ErrNetwork, res.StatusCode)
	}

	var payload struct {
		HandleID string `json:"handle_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", ErrNetwork, err)
	}
	return payload.HandleID, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d for %s", ErrNetwork, res.StatusCode, path)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
