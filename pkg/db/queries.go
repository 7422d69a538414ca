package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEvent is returned when a payment event id was already recorded.
	ErrDuplicateEvent = errors.New("event already recorded")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// ----------------------------------------
// Users
// ----------------------------------------

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, account_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.AccountID, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user for an email, or nil when absent.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, COALESCE(account_id, ''), created_at, updated_at
		FROM users WHERE email = ?
	`, email)

	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.AccountID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// GetUser returns a user by id.
func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, COALESCE(account_id, ''), created_at, updated_at
		FROM users WHERE id = ?
	`, id)

	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.AccountID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns every registered user.
func (d *Database) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, email, password_hash, COALESCE(account_id, ''), created_at, updated_at
		FROM users ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.AccountID, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ----------------------------------------
// Merchants
// ----------------------------------------

// CreateMerchant inserts a merchant row.
func (d *Database) CreateMerchant(ctx context.Context, m Merchant) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO merchants (id, name, payout_address, fee_bps, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Name, m.PayoutAddress, m.FeeBps, boolToInt(m.IsActive), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create merchant: %w", err)
	}
	return nil
}

// GetMerchant returns a merchant by id.
func (d *Database) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, name, payout_address, fee_bps, is_active, created_at, updated_at
		FROM merchants WHERE id = ?
	`, id)

	var m Merchant
	var active int
	if err := row.Scan(&m.ID, &m.Name, &m.PayoutAddress, &m.FeeBps, &active, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}
	m.IsActive = active == 1
	return &m, nil
}

// ListMerchants returns merchants, optionally only active ones.
func (d *Database) ListMerchants(ctx context.Context, activeOnly bool) ([]Merchant, error) {
	query := `
		SELECT id, name, payout_address, fee_bps, is_active, created_at, updated_at
		FROM merchants
	`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY created_at"

	rows, err := d.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}
	defer rows.Close()

	var merchants []Merchant
	for rows.Next() {
		var m Merchant
		var active int
		if err := rows.Scan(&m.ID, &m.Name, &m.PayoutAddress, &m.FeeBps, &active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan merchant: %w", err)
		}
		m.IsActive = active == 1
		merchants = append(merchants, m)
	}
	return merchants, rows.Err()
}

// DeactivateMerchant marks a merchant inactive.
func (d *Database) DeactivateMerchant(ctx context.Context, id string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE merchants SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate merchant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Purchase agreements
// ----------------------------------------

// UpsertAgreement creates or updates an agreement row.
func (d *Database) UpsertAgreement(ctx context.Context, a AgreementRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO purchase_agreements (
			id, account_id, merchant_id, total_amount, total_with_interest,
			amount_per_payment, payments_total, payments_remaining, next_due_at,
			late_fee_accrued, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			payments_remaining = excluded.payments_remaining,
			next_due_at = excluded.next_due_at,
			late_fee_accrued = excluded.late_fee_accrued,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`,
		a.ID, a.AccountID, a.MerchantID, a.TotalAmount, a.TotalWithInterest,
		a.AmountPerPayment, a.PaymentsTotal, a.PaymentsRemaining, a.NextDueAt,
		a.LateFeeAccrued, boolToInt(a.IsActive),
	)
	if err != nil {
		return fmt.Errorf("upsert agreement: %w", err)
	}
	return nil
}

// ListAgreements returns all agreement rows (terminal ones included).
func (d *Database) ListAgreements(ctx context.Context) ([]AgreementRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, merchant_id, total_amount, total_with_interest,
		       amount_per_payment, payments_total, payments_remaining, next_due_at,
		       late_fee_accrued, is_active, created_at, updated_at
		FROM purchase_agreements
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	var agreements []AgreementRow
	for rows.Next() {
		var a AgreementRow
		var active int
		if err := rows.Scan(
			&a.ID, &a.AccountID, &a.MerchantID, &a.TotalAmount, &a.TotalWithInterest,
			&a.AmountPerPayment, &a.PaymentsTotal, &a.PaymentsRemaining, &a.NextDueAt,
			&a.LateFeeAccrued, &active, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan agreement: %w", err)
		}
		a.IsActive = active == 1
		agreements = append(agreements, a)
	}
	return agreements, rows.Err()
}

// ----------------------------------------
// Pending intents
// ----------------------------------------

// UpsertPendingIntent records an in-flight checkout or payment before its
// pipeline starts.
func (d *Database) UpsertPendingIntent(ctx context.Context, p PendingIntent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO pending_intents (
			correlation_id, kind, account_id, agreement_id, merchant_id,
			total_amount, total_with_interest, amount_per_payment, payments_total
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO NOTHING
	`,
		p.CorrelationID, p.Kind, p.AccountID, p.AgreementID, p.MerchantID,
		p.TotalAmount, p.TotalWithInterest, p.AmountPerPayment, p.PaymentsTotal,
	)
	if err != nil {
		return fmt.Errorf("upsert pending intent: %w", err)
	}
	return nil
}

// DeletePendingIntent removes an intent once applied or abandoned. Deleting a
// missing intent is a no-op.
func (d *Database) DeletePendingIntent(ctx context.Context, correlationID string) error {
	if _, err := d.DB.ExecContext(ctx, `
		DELETE FROM pending_intents WHERE correlation_id = ?
	`, correlationID); err != nil {
		return fmt.Errorf("delete pending intent: %w", err)
	}
	return nil
}

// ListPendingIntents returns every intent awaiting its confirmation.
func (d *Database) ListPendingIntents(ctx context.Context) ([]PendingIntent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT correlation_id, kind, account_id, agreement_id, merchant_id,
		       total_amount, total_with_interest, amount_per_payment, payments_total, created_at
		FROM pending_intents ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	defer rows.Close()

	var intents []PendingIntent
	for rows.Next() {
		var p PendingIntent
		if err := rows.Scan(
			&p.CorrelationID, &p.Kind, &p.AccountID, &p.AgreementID, &p.MerchantID,
			&p.TotalAmount, &p.TotalWithInterest, &p.AmountPerPayment, &p.PaymentsTotal, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending intent: %w", err)
		}
		intents = append(intents, p)
	}
	return intents, rows.Err()
}

// ----------------------------------------
// Payment events
// ----------------------------------------

// InsertPaymentEvent records a processed event id. ErrDuplicateEvent signals
// the event was seen before; callers treat that as an idempotent no-op.
func (d *Database) InsertPaymentEvent(ctx context.Context, e PaymentEvent) error {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO payment_events (event_id, agreement_id, kind)
		VALUES (?, ?, ?)
	`, e.EventID, e.AgreementID, e.Kind)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// ListPaymentEvents returns all processed event ids (used to reseed dedup
// state at startup).
func (d *Database) ListPaymentEvents(ctx context.Context) ([]PaymentEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT event_id, agreement_id, kind, created_at FROM payment_events
	`)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	var events []PaymentEvent
	for rows.Next() {
		var e PaymentEvent
		if err := rows.Scan(&e.EventID, &e.AgreementID, &e.Kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
