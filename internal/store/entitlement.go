package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hollisdev/subledger/internal/model"
)

// EntitlementStore persists the subscriptions table the client application
// consults for access decisions.
type EntitlementStore struct {
	db *sql.DB
}

func NewEntitlementStore(db *sql.DB) *EntitlementStore {
	return &EntitlementStore{db: db}
}

func scanEntitlement(scanner interface{ Scan(...any) error }) (*model.Entitlement, error) {
	var e model.Entitlement
	var startDate, endDate, nextPayment sql.NullTime
	var paymentStatus sql.NullString
	var autoRenew int
	err := scanner.Scan(
		&e.ID, &e.Auth0ID, &e.StripeSubscriptionID, &e.Status,
		&startDate, &endDate, &paymentStatus, &nextPayment, &autoRenew,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startDate.Valid {
		e.StartDate = &startDate.Time
	}
	if endDate.Valid {
		e.EndDate = &endDate.Time
	}
	if paymentStatus.Valid {
		e.PaymentStatus = paymentStatus.String
	}
	if nextPayment.Valid {
		e.NextPaymentDate = &nextPayment.Time
	}
	e.AutoRenew = autoRenew != 0
	return &e, nil
}

const entitlementCols = `id, user_id, payment_method, status, start_date, end_date, payment_status, next_payment_date, auto_renew, created_at, updated_at`

// Upsert writes the entitlement for an identity. One active entitlement per
// identity: a conflicting write replaces the previous one (last write wins).
func (s *EntitlementStore) Upsert(e *model.Entitlement) (*model.Entitlement, error) {
	now := time.Now().UTC()
	var autoRenew int
	if e.AutoRenew {
		autoRenew = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (user_id, payment_method, status, start_date, end_date, payment_status, next_payment_date, auto_renew, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   payment_method = excluded.payment_method,
		   status = excluded.status,
		   start_date = excluded.start_date,
		   end_date = excluded.end_date,
		   payment_status = excluded.payment_status,
		   next_payment_date = excluded.next_payment_date,
		   auto_renew = excluded.auto_renew,
		   updated_at = excluded.updated_at`,
		e.Auth0ID, e.StripeSubscriptionID, e.Status, e.StartDate, e.EndDate,
		e.PaymentStatus, e.NextPaymentDate, autoRenew, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert entitlement: %w", err)
	}
	return s.GetByAuth0ID(e.Auth0ID)
}

// GetByAuth0ID returns the entitlement for the identity, or nil if absent.
func (s *EntitlementStore) GetByAuth0ID(auth0ID string) (*model.Entitlement, error) {
	row := s.db.QueryRow(
		`SELECT `+entitlementCols+` FROM subscriptions WHERE user_id = ?`,
		auth0ID,
	)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

// GetByStripeSubscriptionID returns the entitlement referencing the Stripe
// subscription, or nil if absent.
func (s *EntitlementStore) GetByStripeSubscriptionID(subID string) (*model.Entitlement, error) {
	row := s.db.QueryRow(
		`SELECT `+entitlementCols+` FROM subscriptions WHERE payment_method = ?`,
		subID,
	)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement by stripe id: %w", err)
	}
	return e, nil
}

// UpdateStatus mirrors a provider status change onto the entitlement.
func (s *EntitlementStore) UpdateStatus(auth0ID, status string) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE user_id = ?`,
		status, time.Now().UTC(), auth0ID,
	)
	if err != nil {
		return fmt.Errorf("update entitlement status: %w", err)
	}
	return nil
}
