package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollisdev/subledger/internal/model"
)

// EventStore appends to and reads the subscription_events log. Rows are
// append-only; nothing here mutates or deletes them.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Append writes one event. A zero CreatedAt is stamped with the current
// time; tests seed historical timestamps directly.
func (s *EventStore) Append(e *model.Event) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO subscription_events (event_type, event_status, user_id, user_email, details, error_message, response_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.Status, e.UserID, e.UserEmail, e.Details, e.ErrorMessage, e.ResponseTimeMs, createdAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func marshalDetails(details map[string]any) *string {
	if len(details) == 0 {
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// LogValidationCheck records an access validation check for an identity.
func (s *EventStore) LogValidationCheck(userID, userEmail string, valid bool, details map[string]any) error {
	status := model.EventSuccess
	if !valid {
		status = model.EventFailure
	}
	return s.Append(&model.Event{
		Type:      model.EventValidationCheck,
		Status:    status,
		UserID:    nullable(userID),
		UserEmail: nullable(userEmail),
		Details:   marshalDetails(details),
	})
}

// RecordProviderCall records a Stripe API call with its response time.
// It satisfies the stripeapi.CallRecorder interface.
func (s *EventStore) RecordProviderCall(endpoint string, success bool, elapsed time.Duration, errMsg string) {
	status := model.EventSuccess
	if !success {
		status = model.EventFailure
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	err := s.Append(&model.Event{
		Type:           model.EventStripeAPICall,
		Status:         status,
		Details:        marshalDetails(map[string]any{"endpoint": endpoint}),
		ErrorMessage:   nullable(errMsg),
		ResponseTimeMs: &ms,
	})
	if err != nil {
		// Event logging never blocks the calling flow, but a dead event
		// sink blinds the monitoring layer, so make it visible.
		slog.Warn("drop stripe_api_call event", "endpoint", endpoint, "error", err)
	}
}

// LogRedirect records that a user was sent to the landing page.
func (s *EventStore) LogRedirect(userID, userEmail, redirectURL, reason string) error {
	return s.Append(&model.Event{
		Type:      model.EventRedirect,
		Status:    model.EventSuccess,
		UserID:    nullable(userID),
		UserEmail: nullable(userEmail),
		Details:   marshalDetails(map[string]any{"redirect_url": redirectURL, "reason": reason}),
	})
}

// LogError records a flow error, such as a callback without a registration.
func (s *EventStore) LogError(errType, errMsg, userID, userEmail string) error {
	full := errType + ": " + errMsg
	return s.Append(&model.Event{
		Type:         model.EventError,
		Status:       model.EventErrored,
		UserID:       nullable(userID),
		UserEmail:    nullable(userEmail),
		ErrorMessage: &full,
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TypeStats holds windowed counts for one event type.
type TypeStats struct {
	Total             int
	Successful        int
	Failed            int
	AvgResponseTimeMs float64
}

// StatsSince aggregates counts for one event type from the given time.
func (s *EventStore) StatsSince(t model.EventType, since time.Time) (*TypeStats, error) {
	var st TypeStats
	var avg sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN event_status = 'success' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN event_status = 'failure' THEN 1 ELSE 0 END), 0),
		        AVG(response_time_ms)
		 FROM subscription_events WHERE event_type = ? AND created_at >= ?`,
		t, since.UTC(),
	).Scan(&st.Total, &st.Successful, &st.Failed, &avg)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	if avg.Valid {
		st.AvgResponseTimeMs = avg.Float64
	}
	return &st, nil
}

// CountInRange counts events of a type in [from, to).
func (s *EventStore) CountInRange(t model.EventType, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM subscription_events WHERE event_type = ? AND created_at >= ? AND created_at < ?`,
		t, from.UTC(), to.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events in range: %w", err)
	}
	return n, nil
}

// FailureStatsInRange counts total and failed events of a type in [from, to).
func (s *EventStore) FailureStatsInRange(t model.EventType, from, to time.Time) (total, failed int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN event_status = 'failure' THEN 1 ELSE 0 END), 0)
		 FROM subscription_events WHERE event_type = ? AND created_at >= ? AND created_at < ?`,
		t, from.UTC(), to.UTC(),
	).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failure stats in range: %w", err)
	}
	return total, failed, nil
}

// UniqueFailedUsersSince counts distinct identities with failed validation
// checks from the given time.
func (s *EventStore) UniqueFailedUsersSince(since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT user_id) FROM subscription_events
		 WHERE event_type = ? AND event_status = 'failure' AND user_id IS NOT NULL AND created_at >= ?`,
		model.EventValidationCheck, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unique failed users: %w", err)
	}
	return n, nil
}

// RedirectStatsSince counts redirects and distinct redirected users.
func (s *EventStore) RedirectStatsSince(since time.Time) (total, uniqueUsers int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(*), COUNT(DISTINCT user_id) FROM subscription_events
		 WHERE event_type = ? AND created_at >= ?`,
		model.EventRedirect, since.UTC(),
	).Scan(&total, &uniqueUsers)
	if err != nil {
		return 0, 0, fmt.Errorf("redirect stats: %w", err)
	}
	return total, uniqueUsers, nil
}

// DayCount is one per-day timeseries bucket.
type DayCount struct {
	Date   string `json:"date"`
	Total  int    `json:"total"`
	Failed int    `json:"failed"`
}

// DailyCounts buckets events of a type by calendar day from the given time.
func (s *EventStore) DailyCounts(t model.EventType, since time.Time) ([]DayCount, error) {
	rows, err := s.db.Query(
		`SELECT date(created_at),
		        COUNT(*),
		        COALESCE(SUM(CASE WHEN event_status = 'failure' THEN 1 ELSE 0 END), 0)
		 FROM subscription_events WHERE event_type = ? AND created_at >= ?
		 GROUP BY date(created_at) ORDER BY date(created_at)`,
		t, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}
	defer rows.Close()

	var buckets []DayCount
	for rows.Next() {
		var b DayCount
		if err := rows.Scan(&b.Date, &b.Total, &b.Failed); err != nil {
			return nil, fmt.Errorf("scan day bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// RecentFailures returns the latest failure and error events, newest first.
func (s *EventStore) RecentFailures(limit int) ([]model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, event_type, event_status, user_id, user_email, details, error_message, response_time_ms, created_at
		 FROM subscription_events WHERE event_status IN ('failure', 'error')
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Status, &e.UserID, &e.UserEmail, &e.Details, &e.ErrorMessage, &e.ResponseTimeMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
