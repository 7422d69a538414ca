package db

import "time"

// User is a registered dashboard user mapped to a ledger account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	AccountID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Merchant is a registered storefront accepting BNPL checkout.
type Merchant struct {
	ID            string
	Name          string
	PayoutAddress string
	FeeBps        int
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgreementRow is the persisted form of a purchase agreement. Monetary
// fields are exact decimal strings.
type AgreementRow struct {
	ID                string
	AccountID         string
	MerchantID        string
	TotalAmount       string
	TotalWithInterest string
	AmountPerPayment  string
	PaymentsTotal     int
	PaymentsRemaining int
	NextDueAt         time.Time
	LateFeeAccrued    string
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PendingIntent is a purchase or payment whose pipeline has started but whose
// execute confirmation has not been applied yet. Persisted so a restart can
// finish what the confirmation would have done; deleted once applied.
type PendingIntent struct {
	CorrelationID     string
	Kind              string // "checkout" or "payment"
	AccountID         string
	AgreementID       string
	MerchantID        string
	TotalAmount       string
	TotalWithInterest string
	AmountPerPayment  string
	PaymentsTotal     int
	CreatedAt         time.Time
}

// PaymentEvent is a processed confirmation event; the primary key on
// event_id is what makes replays no-ops across restarts.
type PaymentEvent struct {
	EventID     string
	AgreementID string
	Kind        string
	CreatedAt   time.Time
}
