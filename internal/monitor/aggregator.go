package monitor

import (
	"fmt"
	"time"

	"github.com/hollisdev/subledger/internal/model"
	"github.com/hollisdev/subledger/internal/store"
)

// Aggregator computes dashboard summaries and alerts from the event log.
// It is read-only; every number is derived on demand.
type Aggregator struct {
	events *store.EventStore
	now    func() time.Time
}

func NewAggregator(events *store.EventStore) *Aggregator {
	return &Aggregator{events: events, now: time.Now}
}

type ValidationSummary struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	FailureRate       float64 `json:"failure_rate"`
	UniqueFailedUsers int     `json:"unique_failed_users"`
}

type ProviderSummary struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

type RedirectSummary struct {
	Total       int `json:"total"`
	UniqueUsers int `json:"unique_users"`
}

type Summary struct {
	WindowDays int               `json:"window_days"`
	Validation ValidationSummary `json:"validation"`
	StripeAPI  ProviderSummary   `json:"stripe_api"`
	Redirects  RedirectSummary   `json:"redirects"`
}

// Summary aggregates the event log over the trailing N days.
func (a *Aggregator) Summary(days int) (*Summary, error) {
	since := a.now().UTC().AddDate(0, 0, -days)
	out := &Summary{WindowDays: days}

	vs, err := a.events.StatsSince(model.EventValidationCheck, since)
	if err != nil {
		return nil, fmt.Errorf("validation stats: %w", err)
	}
	out.Validation = ValidationSummary{
		Total:      vs.Total,
		Successful: vs.Successful,
		Failed:     vs.Failed,
	}
	if vs.Total > 0 {
		out.Validation.FailureRate = float64(vs.Failed) / float64(vs.Total)
	}
	out.Validation.UniqueFailedUsers, err = a.events.UniqueFailedUsersSince(since)
	if err != nil {
		return nil, fmt.Errorf("unique failed users: %w", err)
	}

	ps, err := a.events.StatsSince(model.EventStripeAPICall, since)
	if err != nil {
		return nil, fmt.Errorf("stripe stats: %w", err)
	}
	out.StripeAPI = ProviderSummary{
		Total:             ps.Total,
		Successful:        ps.Successful,
		Failed:            ps.Failed,
		AvgResponseTimeMs: ps.AvgResponseTimeMs,
	}
	if ps.Total > 0 {
		out.StripeAPI.SuccessRate = float64(ps.Successful) / float64(ps.Total)
	}

	out.Redirects.Total, out.Redirects.UniqueUsers, err = a.events.RedirectStatsSince(since)
	if err != nil {
		return nil, fmt.Errorf("redirect stats: %w", err)
	}

	return out, nil
}

type Timeline struct {
	WindowDays int              `json:"window_days"`
	Validation []store.DayCount `json:"validation"`
	StripeAPI  []store.DayCount `json:"stripe_api"`
	Redirects  []store.DayCount `json:"redirects"`
}

// Timeline returns per-day buckets for the trailing N days.
func (a *Aggregator) Timeline(days int) (*Timeline, error) {
	since := a.now().UTC().AddDate(0, 0, -days)
	out := &Timeline{WindowDays: days}

	var err error
	if out.Validation, err = a.events.DailyCounts(model.EventValidationCheck, since); err != nil {
		return nil, fmt.Errorf("validation timeline: %w", err)
	}
	if out.StripeAPI, err = a.events.DailyCounts(model.EventStripeAPICall, since); err != nil {
		return nil, fmt.Errorf("stripe timeline: %w", err)
	}
	if out.Redirects, err = a.events.DailyCounts(model.EventRedirect, since); err != nil {
		return nil, fmt.Errorf("redirect timeline: %w", err)
	}
	return out, nil
}

// RecentFailures returns the latest failed and errored events.
func (a *Aggregator) RecentFailures(limit int) ([]model.Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return a.events.RecentFailures(limit)
}
