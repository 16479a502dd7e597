package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hollisdev/subledger/internal/model"
)

// RegistrationStore persists per-purchase registration state in the
// subscription_users table shared with the client application.
type RegistrationStore struct {
	db *sql.DB
}

func NewRegistrationStore(db *sql.DB) *RegistrationStore {
	return &RegistrationStore{db: db}
}

func scanRegistration(scanner interface{ Scan(...any) error }) (*model.Registration, error) {
	var r model.Registration
	var email, purchaserEmail, auth0ID sql.NullString
	err := scanner.Scan(
		&r.SubscriptionID, &email, &purchaserEmail, &auth0ID, &r.Status,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if email.Valid {
		r.Email = &email.String
	}
	if purchaserEmail.Valid {
		r.PurchaserEmail = &purchaserEmail.String
	}
	if auth0ID.Valid {
		r.Auth0ID = &auth0ID.String
	}
	return &r, nil
}

const registrationCols = `subscription_id, email, purchaser_email, auth0_id, registration_status, created_at, updated_at`

// statusRankExpr orders registration statuses in SQL so status updates can
// be guarded against backward transitions without a read-modify-write.
const statusRankExpr = `CASE %s WHEN 'AUTH0_INVITE_SENT' THEN 1 WHEN 'AUTH0_ACCOUNT_LINKED' THEN 2 ELSE 0 END`

// Upsert inserts a registration at PAYMENT_COMPLETED if none exists for the
// subscription ID. Re-delivery of the same checkout event is a no-op: the
// existing row, including any advanced status, is left untouched.
func (s *RegistrationStore) Upsert(subscriptionID, email, purchaserEmail string) (*model.Registration, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO subscription_users (subscription_id, email, purchaser_email, registration_status, created_at, updated_at)
		 VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
		 ON CONFLICT(subscription_id) DO NOTHING`,
		subscriptionID, email, purchaserEmail, model.StatusPaymentCompleted, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert registration: %w", err)
	}
	return s.Get(subscriptionID)
}

// Get returns the registration for the subscription ID, or nil if absent.
func (s *RegistrationStore) Get(subscriptionID string) (*model.Registration, error) {
	row := s.db.QueryRow(
		`SELECT `+registrationCols+` FROM subscription_users WHERE subscription_id = ?`,
		subscriptionID,
	)
	r, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return r, nil
}

// GetByAuth0ID returns the registration linked to the Auth0 identity, or nil.
func (s *RegistrationStore) GetByAuth0ID(auth0ID string) (*model.Registration, error) {
	row := s.db.QueryRow(
		`SELECT `+registrationCols+` FROM subscription_users WHERE auth0_id = ?`,
		auth0ID,
	)
	r, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registration by auth0 id: %w", err)
	}
	return r, nil
}

// AdvanceStatus moves the registration forward to the given status. The
// rank guard in the WHERE clause makes backward or repeated transitions a
// no-op; the returned bool reports whether a row actually changed.
func (s *RegistrationStore) AdvanceStatus(subscriptionID string, status model.RegistrationStatus) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE subscription_users SET registration_status = ?, updated_at = ?
		 WHERE subscription_id = ?
		   AND `+fmt.Sprintf(statusRankExpr, "registration_status")+` < `+fmt.Sprintf(statusRankExpr, "?"),
		status, time.Now().UTC(), subscriptionID, status,
	)
	if err != nil {
		return false, fmt.Errorf("advance registration status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// LinkIdentity sets the Auth0 ID and advances the registration to
// AUTH0_ACCOUNT_LINKED in one write. The email is updated when the identity
// provider reports one (a gift recipient may have registered under a
// different address than the checkout carried). Linking an already linked
// registration is a no-op.
func (s *RegistrationStore) LinkIdentity(subscriptionID, auth0ID, email string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE subscription_users
		 SET auth0_id = ?, email = COALESCE(NULLIF(?, ''), email), registration_status = ?, updated_at = ?
		 WHERE subscription_id = ? AND registration_status != ?`,
		auth0ID, email, model.StatusAccountLinked, time.Now().UTC(),
		subscriptionID, model.StatusAccountLinked,
	)
	if err != nil {
		return false, fmt.Errorf("link identity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
