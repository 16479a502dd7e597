package model

import "time"

// RegistrationStatus tracks how far a purchase has progressed through the
// Stripe-to-Auth0 registration flow. Transitions only move forward.
type RegistrationStatus string

const (
	StatusPaymentCompleted RegistrationStatus = "PAYMENT_COMPLETED"
	StatusInviteSent       RegistrationStatus = "AUTH0_INVITE_SENT"
	StatusAccountLinked    RegistrationStatus = "AUTH0_ACCOUNT_LINKED"
)

// StatusRank orders registration statuses for monotonic transitions.
func StatusRank(s RegistrationStatus) int {
	switch s {
	case StatusInviteSent:
		return 1
	case StatusAccountLinked:
		return 2
	default:
		return 0
	}
}

// Registration is one row of subscription_users: per-purchase state keyed
// by the Stripe subscription ID.
type Registration struct {
	SubscriptionID string             `json:"subscription_id"`
	Email          *string            `json:"email"`
	PurchaserEmail *string            `json:"purchaser_email"`
	Auth0ID        *string            `json:"auth0_id"`
	Status         RegistrationStatus `json:"registration_status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Entitlement is one row of subscriptions: the record the client app
// consults to grant or deny access. The payment_method column holds the
// Stripe subscription ID, not a payment instrument; the name is a legacy
// of the shared schema and cannot change without migrating the client app.
type Entitlement struct {
	ID                   int64      `json:"id"`
	Auth0ID              string     `json:"user_id"`
	StripeSubscriptionID string     `json:"payment_method"`
	Status               string     `json:"status"`
	StartDate            *time.Time `json:"start_date"`
	EndDate              *time.Time `json:"end_date"`
	PaymentStatus        string     `json:"payment_status"`
	NextPaymentDate      *time.Time `json:"next_payment_date"`
	AutoRenew            bool       `json:"auto_renew"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Event types for the subscription_events log.
type EventType string

const (
	EventValidationCheck EventType = "validation_check"
	EventStripeAPICall   EventType = "stripe_api_call"
	EventRedirect        EventType = "redirect"
	EventError           EventType = "error"
)

type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventFailure EventStatus = "failure"
	EventErrored EventStatus = "error"
)

// Event is one append-only row of subscription_events. Rows are never
// updated or deleted; the monitoring aggregator only reads them.
type Event struct {
	ID             int64       `json:"id"`
	Type           EventType   `json:"event_type"`
	Status         EventStatus `json:"event_status"`
	UserID         *string     `json:"user_id"`
	UserEmail      *string     `json:"user_email"`
	Details        *string     `json:"details"`
	ErrorMessage   *string     `json:"error_message"`
	ResponseTimeMs *float64    `json:"response_time_ms"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Settings is the single global_config row shared with the client app.
type Settings struct {
	ValidationEnabled bool    `json:"subscription_validation_enabled"`
	LandingPageURL    *string `json:"subscription_landing_page_url"`
}

type PushSubscription struct {
	ID        int64     `json:"id"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
	CreatedAt time.Time `json:"created_at"`
}

type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusUploading BackupStatus = "uploading"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

type Backup struct {
	ID           int64        `json:"id"`
	Filename     string       `json:"filename"`
	S3Key        string       `json:"s3_key"`
	SizeBytes    int64        `json:"size_bytes"`
	Status       BackupStatus `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
