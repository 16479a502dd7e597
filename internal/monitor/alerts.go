package monitor

import (
	"fmt"
	"time"

	"github.com/hollisdev/subledger/internal/model"
)

const (
	// Alert rules look at the trailing 15 minutes and only fire once a
	// minimum volume is reached, so a single failed call at 3am does not
	// page anyone.
	alertWindow    = 15 * time.Minute
	alertMinVolume = 5

	stripeFailureRateThreshold = 0.10
	validationSpikeFactor      = 2.0
)

const (
	AlertStripeFailureRate = "stripe_api_failure_rate"
	AlertValidationSpike   = "validation_spike"

	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Alert is a derived condition over the event log. Alerts are computed on
// demand and never persisted.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

// Alerts evaluates every alert rule against the current window.
func (a *Aggregator) Alerts() ([]Alert, error) {
	now := a.now().UTC()
	var alerts []Alert

	stripeAlert, err := a.stripeFailureAlert(now)
	if err != nil {
		return nil, err
	}
	if stripeAlert != nil {
		alerts = append(alerts, *stripeAlert)
	}

	spikeAlert, err := a.validationSpikeAlert(now)
	if err != nil {
		return nil, err
	}
	if spikeAlert != nil {
		alerts = append(alerts, *spikeAlert)
	}

	return alerts, nil
}

// stripeFailureAlert fires when more than 10% of Stripe API calls failed
// in the last 15 minutes, given enough volume to mean anything.
func (a *Aggregator) stripeFailureAlert(now time.Time) (*Alert, error) {
	total, failed, err := a.events.FailureStatsInRange(model.EventStripeAPICall, now.Add(-alertWindow), now)
	if err != nil {
		return nil, fmt.Errorf("stripe failure alert: %w", err)
	}
	if total <= alertMinVolume {
		return nil, nil
	}
	rate := float64(failed) / float64(total)
	if rate <= stripeFailureRateThreshold {
		return nil, nil
	}
	return &Alert{
		Type:      AlertStripeFailureRate,
		Severity:  SeverityHigh,
		Title:     "High Stripe API failure rate",
		Message:   fmt.Sprintf("%.1f%% of Stripe API calls failed in the last 15 minutes (%d of %d)", rate*100, failed, total),
		Value:     rate,
		Threshold: stripeFailureRateThreshold,
		CreatedAt: now,
	}, nil
}

// validationSpikeAlert fires when validation-check volume more than
// doubled against the previous 15-minute window. The volume gate is on
// the current window, not the previous one, so a burst arriving after a
// quiet window still fires; a previous-window gate would stay silent on
// exactly the from-zero bursts worth waking up for.
func (a *Aggregator) validationSpikeAlert(now time.Time) (*Alert, error) {
	current, err := a.events.CountInRange(model.EventValidationCheck, now.Add(-alertWindow), now)
	if err != nil {
		return nil, fmt.Errorf("validation spike alert: %w", err)
	}
	if current <= alertMinVolume {
		return nil, nil
	}
	previous, err := a.events.CountInRange(model.EventValidationCheck, now.Add(-2*alertWindow), now.Add(-alertWindow))
	if err != nil {
		return nil, fmt.Errorf("validation spike alert: %w", err)
	}
	if float64(current) <= validationSpikeFactor*float64(previous) {
		return nil, nil
	}
	ratio := float64(current)
	if previous > 0 {
		ratio = float64(current) / float64(previous)
	}
	return &Alert{
		Type:      AlertValidationSpike,
		Severity:  SeverityMedium,
		Title:     "Validation check volume spike",
		Message:   fmt.Sprintf("%d validation checks in the last 15 minutes, up from %d in the previous window", current, previous),
		Value:     ratio,
		Threshold: validationSpikeFactor,
		CreatedAt: now,
	}, nil
}
