package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AlertPusher delivers an alert to subscribed operator browsers.
type AlertPusher interface {
	SendAlert(severity, title, message string)
}

// AlertMailer delivers an alert to the operator mailbox.
type AlertMailer interface {
	Configured() bool
	SendAlert(severity, title, message string) error
}

// Notifier periodically evaluates alert rules and delivers newly firing
// alerts to the feed, web push, and email. A per-type cooldown keeps a
// sustained condition from repeating every minute.
type Notifier struct {
	agg    *Aggregator
	feed   *Feed
	pusher AlertPusher
	mailer AlertMailer
	logger *slog.Logger

	interval time.Duration
	cooldown time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewNotifier(agg *Aggregator, feed *Feed, pusher AlertPusher, mailer AlertMailer, logger *slog.Logger) *Notifier {
	return &Notifier{
		agg:       agg,
		feed:      feed,
		pusher:    pusher,
		mailer:    mailer,
		logger:    logger,
		interval:  time.Minute,
		cooldown:  15 * time.Minute,
		lastFired: make(map[string]time.Time),
	}
}

// Start begins the evaluation loop.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	n.mu.Unlock()

	go func() {
		defer close(n.done)
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.tick()
			}
		}
	}()
}

// Stop gracefully stops the loop.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	done := n.done
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (n *Notifier) tick() {
	alerts, err := n.agg.Alerts()
	if err != nil {
		n.logger.Error("evaluate alerts", "error", err)
		return
	}
	for _, alert := range alerts {
		if !n.shouldDeliver(alert.Type, alert.CreatedAt) {
			continue
		}
		n.deliver(alert)
	}
}

// shouldDeliver applies the per-type cooldown.
func (n *Notifier) shouldDeliver(alertType string, at time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if last, ok := n.lastFired[alertType]; ok && at.Sub(last) < n.cooldown {
		return false
	}
	n.lastFired[alertType] = at
	return true
}

func (n *Notifier) deliver(alert Alert) {
	n.logger.Warn("alert firing",
		"type", alert.Type,
		"severity", alert.Severity,
		"message", alert.Message,
	)

	if n.feed != nil {
		n.feed.BroadcastAlert(alert)
	}
	if n.pusher != nil {
		n.pusher.SendAlert(alert.Severity, alert.Title, alert.Message)
	}
	if n.mailer != nil && n.mailer.Configured() {
		if err := n.mailer.SendAlert(alert.Severity, alert.Title, alert.Message); err != nil {
			n.logger.Error("send alert email", "error", err)
		}
	}
}
