package stripeapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v84"
	checksession "github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/subscription"
	"github.com/stripe/stripe-go/v84/webhook"
)

// ErrNotFound is returned when Stripe reports the requested resource
// does not exist, as opposed to a transport or API failure.
var ErrNotFound = errors.New("stripe resource not found")

const defaultCallTimeout = 10 * time.Second

// CallRecorder receives the outcome of every outbound Stripe call.
// The event store implements it.
type CallRecorder interface {
	RecordProviderCall(endpoint string, success bool, elapsed time.Duration, errMsg string)
}

type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Subscription is the slice of a Stripe subscription the reconciliation
// flow cares about.
type Subscription struct {
	ID                string
	Status            string
	StartDate         time.Time
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// Active reports whether the subscription grants access right now.
func (s *Subscription) Active() bool {
	return s.Status == string(stripe.SubscriptionStatusActive) ||
		s.Status == string(stripe.SubscriptionStatusTrialing)
}

// CheckoutSession is a resolved checkout session with its subscription
// expanded.
type CheckoutSession struct {
	ID              string
	Mode            string
	PaymentStatus   string
	PaymentIntentID string
	CustomerEmail   string
	CustomerName    string
	// RecipientName is the shipping name collected at checkout. The
	// storefront only collects it for gift purchases, so a non-empty
	// value marks the session as a gift.
	RecipientName string
	Subscription  *Subscription
}

func (cs *CheckoutSession) IsGift() bool {
	return cs.RecipientName != ""
}

type Client struct {
	cfg      Config
	recorder CallRecorder
	timeout  time.Duration
}

type Option func(*Client)

// WithCallRecorder wires an event sink for outbound call telemetry.
func WithCallRecorder(r CallRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(cfg Config, opts ...Option) *Client {
	stripe.Key = cfg.SecretKey
	c := &Client{cfg: cfg, timeout: defaultCallTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyWebhook checks the signature and returns the parsed event.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

// ResolveCheckoutSession fetches a checkout session with its subscription
// expanded in the same call.
func (c *Client) ResolveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")

	start := time.Now()
	sess, err := checksession.Get(sessionID, params)
	c.record("resolve_checkout_session", start, err)
	if err != nil {
		return nil, c.wrapErr("get checkout session", err)
	}

	cs := &CheckoutSession{
		ID:            sess.ID,
		Mode:          string(sess.Mode),
		PaymentStatus: string(sess.PaymentStatus),
	}
	if sess.PaymentIntent != nil {
		cs.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.CustomerDetails != nil {
		cs.CustomerEmail = sess.CustomerDetails.Email
		cs.CustomerName = sess.CustomerDetails.Name
	}
	if sess.CollectedInformation != nil && sess.CollectedInformation.ShippingDetails != nil {
		cs.RecipientName = sess.CollectedInformation.ShippingDetails.Name
	}
	if sess.Subscription != nil {
		cs.Subscription = fromStripeSubscription(sess.Subscription)
	}
	return cs, nil
}

// GetSubscription fetches the live state of one subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := subscription.Get(subscriptionID, params)
	c.record("get_subscription", start, err)
	if err != nil {
		return nil, c.wrapErr("get subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.StartDate > 0 {
		out.StartDate = time.Unix(sub.StartDate, 0).UTC()
	}
	// Billing periods live on the subscription items.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		if end := sub.Items.Data[0].CurrentPeriodEnd; end > 0 {
			out.CurrentPeriodEnd = time.Unix(end, 0).UTC()
		}
	}
	return out
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) record(endpoint string, start time.Time, err error) {
	if c.recorder == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.recorder.RecordProviderCall(endpoint, err == nil, time.Since(start), msg)
}

func (c *Client) wrapErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
