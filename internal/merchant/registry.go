// Package merchant is the storefront registry: who can accept BNPL checkout
// and on what fee terms.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/db"
)

// ErrInactive is returned when a purchase targets a deactivated merchant.
var ErrInactive = errors.New("merchant is not active")

const maxFeeBps = 1000 // 10%

// Registry manages merchant records backed by the database.
type Registry struct {
	db *db.Database
}

// NewRegistry creates a merchant registry.
func NewRegistry(database *db.Database) *Registry {
	return &Registry{db: database}
}

// Register creates a merchant and returns the stored record.
func (r *Registry) Register(ctx context.Context, name, payoutAddress string, feeBps int) (db.Merchant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return db.Merchant{}, errors.New("merchant name is required")
	}
	if payoutAddress == "" {
		return db.Merchant{}, errors.New("payout address is required")
	}
	if feeBps < 0 || feeBps > maxFeeBps {
		return db.Merchant{}, fmt.Errorf("fee must be between 0 and %d bps, got %d", maxFeeBps, feeBps)
	}

	now := time.Now().UTC()
	m := db.Merchant{
		ID:            uuid.NewString(),
		Name:          name,
		PayoutAddress: payoutAddress,
		FeeBps:        feeBps,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.db.CreateMerchant(ctx, m); err != nil {
		return db.Merchant{}, err
	}
	log.Printf("merchant registered: %s (%s, %d bps)", m.Name, m.ID, m.FeeBps)
	return m, nil
}

// Get returns one merchant.
func (r *Registry) Get(ctx context.Context, id string) (db.Merchant, error) {
	m, err := r.db.GetMerchant(ctx, id)
	if err != nil {
		return db.Merchant{}, err
	}
	return *m, nil
}

// RequireActive returns the merchant only if it can accept checkout.
func (r *Registry) RequireActive(ctx context.Context, id string) (db.Merchant, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return db.Merchant{}, err
	}
	if !m.IsActive {
		return db.Merchant{}, fmt.Errorf("%w: %s", ErrInactive, id)
	}
	return m, nil
}

// List returns merchants, optionally only active ones.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]db.Merchant, error) {
	return r.db.ListMerchants(ctx, activeOnly)
}

// Deactivate removes a merchant from checkout. Existing agreements keep
// their merchant id for history.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.db.DeactivateMerchant(ctx, id); err != nil {
		return err
	}
	log.Printf("merchant deactivated: %s", id)
	return nil
}
