package monitor

import (
	"log/slog"
	"testing"
	"time"

	"github.com/hollisdev/subledger/internal/model"
)

type fakePusher struct {
	calls []string
}

func (f *fakePusher) SendAlert(severity, title, message string) {
	f.calls = append(f.calls, severity+":"+title)
}

type fakeMailer struct {
	configured bool
	calls      int
}

func (f *fakeMailer) Configured() bool { return f.configured }

func (f *fakeMailer) SendAlert(severity, title, message string) error {
	f.calls++
	return nil
}

func TestNotifierCooldown(t *testing.T) {
	n := NewNotifier(nil, nil, nil, nil, slog.Default())

	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	if !n.shouldDeliver(AlertStripeFailureRate, base) {
		t.Error("first firing should deliver")
	}
	if n.shouldDeliver(AlertStripeFailureRate, base.Add(5*time.Minute)) {
		t.Error("second firing within cooldown should not deliver")
	}
	// A different alert type has its own cooldown.
	if !n.shouldDeliver(AlertValidationSpike, base.Add(5*time.Minute)) {
		t.Error("different alert type should deliver")
	}
	if !n.shouldDeliver(AlertStripeFailureRate, base.Add(16*time.Minute)) {
		t.Error("firing after cooldown should deliver")
	}
}

func TestNotifierDeliver(t *testing.T) {
	pusher := &fakePusher{}
	mailer := &fakeMailer{configured: true}
	feed := NewFeed(slog.Default())
	c := mockFeedClient(feed)
	feed.register(c)
	defer feed.unregister(c)

	n := NewNotifier(nil, feed, pusher, mailer, slog.Default())
	n.deliver(Alert{
		Type:     AlertStripeFailureRate,
		Severity: SeverityHigh,
		Title:    "High Stripe API failure rate",
		Message:  "15.0% of Stripe API calls failed",
	})

	if len(pusher.calls) != 1 || pusher.calls[0] != "high:High Stripe API failure rate" {
		t.Errorf("pusher calls = %v, want one high alert", pusher.calls)
	}
	if mailer.calls != 1 {
		t.Errorf("mailer calls = %d, want 1", mailer.calls)
	}
	select {
	case <-c.send:
	default:
		t.Error("expected alert broadcast on the feed")
	}
}

func TestNotifierSkipsUnconfiguredMailer(t *testing.T) {
	mailer := &fakeMailer{configured: false}

	n := NewNotifier(nil, nil, nil, mailer, slog.Default())
	n.deliver(Alert{Type: AlertValidationSpike, Severity: SeverityMedium, Title: "t", Message: "m"})

	if mailer.calls != 0 {
		t.Errorf("mailer calls = %d, want 0 when unconfigured", mailer.calls)
	}
}

func TestNotifierEndToEnd(t *testing.T) {
	agg, events, now := setupAggregator(t)
	_ = now
	pusher := &fakePusher{}

	n := NewNotifier(agg, nil, pusher, nil, slog.Default())

	// No alert conditions yet.
	n.tick()
	if len(pusher.calls) != 0 {
		t.Fatalf("pusher calls = %d, want 0 before any failures", len(pusher.calls))
	}

	seedWindow(t, events, model.EventStripeAPICall, agg.now().Add(-5*time.Minute), 10, 10)

	n.tick()
	if len(pusher.calls) != 1 {
		t.Fatalf("pusher calls = %d, want 1 after failure burst", len(pusher.calls))
	}

	// Second tick inside the cooldown stays quiet.
	n.tick()
	if len(pusher.calls) != 1 {
		t.Errorf("pusher calls = %d, want still 1 within cooldown", len(pusher.calls))
	}
}
