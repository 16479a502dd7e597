package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/hollisdev/subledger/internal/middleware"
	"github.com/hollisdev/subledger/internal/model"
	"github.com/hollisdev/subledger/internal/store"
	"github.com/hollisdev/subledger/internal/stripeapi"
)

const maxWebhookBody = 65536

// WebhookHandler processes Stripe webhook deliveries. Checkout completion
// is the entry point of the whole registration flow: it writes the
// registration record that the identity callback later links.
type WebhookHandler struct {
	payments      PaymentProvider
	identity      IdentityProvider
	registrations *store.RegistrationStore
	events        *store.EventStore
	logger        *slog.Logger
}

func NewWebhookHandler(
	payments PaymentProvider,
	identity IdentityProvider,
	registrations *store.RegistrationStore,
	events *store.EventStore,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		payments:      payments,
		identity:      identity,
		registrations: registrations,
		events:        events,
		logger:        logger,
	}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", middleware.GetRequestID(r.Context()))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeResult(w, http.StatusBadRequest, err)
		return
	}

	event, err := h.payments.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("webhook signature rejected", "error", err)
		writeResult(w, http.StatusBadRequest, err)
		return
	}

	logger.Info("webhook verified", "type", event.Type)

	if event.Type != "checkout.session.completed" {
		writeResult(w, http.StatusOK, nil)
		return
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil || payload.ID == "" {
		logger.Error("webhook payload missing session id", "error", err)
		writeResult(w, http.StatusOK, nil)
		return
	}

	// Re-fetch the session with the subscription expanded; the webhook
	// payload alone does not carry enough detail.
	sess, err := h.payments.ResolveCheckoutSession(r.Context(), payload.ID)
	if err != nil {
		logger.Error("resolve checkout session", "session_id", payload.ID, "error", err)
		h.events.LogError("webhook_error", err.Error(), "", "")
		writeResult(w, http.StatusOK, nil)
		return
	}

	switch sess.Mode {
	case "subscription":
		h.handleSubscriptionCheckout(r, logger, sess)
	case "payment":
		// One-time purchases are recorded keyed by the payment intent so
		// the record shares the registration table.
		if sess.PaymentIntentID == "" {
			logger.Warn("payment mode session without payment intent", "session_id", sess.ID)
			break
		}
		if _, err := h.registrations.Upsert(sess.PaymentIntentID, sess.CustomerEmail, ""); err != nil {
			logger.Error("record payment checkout", "payment_intent", sess.PaymentIntentID, "error", err)
		}
	default:
		logger.Info("ignoring checkout mode", "mode", sess.Mode, "session_id", sess.ID)
	}

	writeResult(w, http.StatusOK, nil)
}

func (h *WebhookHandler) handleSubscriptionCheckout(r *http.Request, logger *slog.Logger, sess *stripeapi.CheckoutSession) {
	if sess.Subscription == nil {
		logger.Warn("no subscription on session", "session_id", sess.ID)
		return
	}
	subscriptionID := sess.Subscription.ID

	existing, err := h.registrations.Get(subscriptionID)
	if err != nil {
		logger.Error("look up registration", "subscription_id", subscriptionID, "error", err)
		return
	}
	if existing != nil {
		// Duplicate delivery; the first one already did the work.
		logger.Info("registration already exists", "subscription_id", subscriptionID)
		return
	}

	email := sess.CustomerEmail
	purchaserEmail := ""
	if sess.IsGift() {
		// The storefront collects the recipient address in the shipping
		// name field.
		email = sess.RecipientName
		purchaserEmail = sess.CustomerEmail
	}

	if _, err := h.registrations.Upsert(subscriptionID, email, purchaserEmail); err != nil {
		logger.Error("create registration", "subscription_id", subscriptionID, "error", err)
		return
	}
	logger.Info("registration created", "subscription_id", subscriptionID, "gift", sess.IsGift())

	if sess.IsGift() && email != "" {
		if err := h.identity.SendInvitation(r.Context(), email, subscriptionID); err != nil {
			// The registration stays at PAYMENT_COMPLETED; the admin
			// recovery path re-sends the invitation.
			logger.Error("send gift invitation", "subscription_id", subscriptionID, "error", err)
			h.events.LogError("invitation_error", err.Error(), "", email)
			return
		}
		if _, err := h.registrations.AdvanceStatus(subscriptionID, model.StatusInviteSent); err != nil {
			logger.Error("advance registration status", "subscription_id", subscriptionID, "error", err)
		}
	}
}
