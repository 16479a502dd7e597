package handler

import (
	"log/slog"
	"net/http"

	"github.com/hollisdev/subledger/internal/model"
	"github.com/hollisdev/subledger/internal/store"
)

// SuccessHandler receives the browser redirect after Stripe checkout.
// It duplicates the webhook's registration write on purpose: whichever
// arrives first creates the record, the other is a no-op.
type SuccessHandler struct {
	payments      PaymentProvider
	identity      IdentityProvider
	registrations *store.RegistrationStore
	events        *store.EventStore
	appURL        string
	logger        *slog.Logger
}

func NewSuccessHandler(
	payments PaymentProvider,
	identity IdentityProvider,
	registrations *store.RegistrationStore,
	events *store.EventStore,
	appURL string,
	logger *slog.Logger,
) *SuccessHandler {
	return &SuccessHandler{
		payments:      payments,
		identity:      identity,
		registrations: registrations,
		events:        events,
		appURL:        appURL,
		logger:        logger,
	}
}

func (h *SuccessHandler) errorRedirect(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, h.appURL+"/error?reason="+reason, http.StatusSeeOther)
}

func (h *SuccessHandler) HandleSuccess(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.errorRedirect(w, r, "missing_session")
		return
	}

	sess, err := h.payments.ResolveCheckoutSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("resolve checkout session", "session_id", sessionID, "error", err)
		h.events.LogError("stripe_error", err.Error(), "", "")
		h.errorRedirect(w, r, "stripe_error")
		return
	}

	if sess.Mode != "subscription" {
		h.logger.Warn("success redirect for non-subscription session", "session_id", sessionID, "mode", sess.Mode)
		h.errorRedirect(w, r, "not_subscription")
		return
	}
	if sess.Subscription == nil {
		h.logger.Warn("no subscription on session", "session_id", sessionID)
		h.errorRedirect(w, r, "no_subscription")
		return
	}
	subscriptionID := sess.Subscription.ID

	email := sess.CustomerEmail
	purchaserEmail := ""
	if sess.IsGift() {
		email = sess.RecipientName
		purchaserEmail = sess.CustomerEmail
	}

	if _, err := h.registrations.Upsert(subscriptionID, email, purchaserEmail); err != nil {
		h.logger.Error("create registration", "subscription_id", subscriptionID, "error", err)
		h.errorRedirect(w, r, "database_error")
		return
	}

	if sess.IsGift() && email != "" {
		// The purchaser is done here; the recipient continues via the
		// emailed invitation.
		if err := h.identity.SendInvitation(r.Context(), email, subscriptionID); err != nil {
			h.logger.Error("send gift invitation", "subscription_id", subscriptionID, "error", err)
			h.events.LogError("invitation_error", err.Error(), "", email)
		} else if _, err := h.registrations.AdvanceStatus(subscriptionID, model.StatusInviteSent); err != nil {
			h.logger.Error("advance registration status", "subscription_id", subscriptionID, "error", err)
		}
		http.Redirect(w, r, h.appURL+"/gift-confirmation", http.StatusSeeOther)
		return
	}

	// Direct purchase: hand the buyer to the login flow with the
	// subscription id riding in state.
	http.Redirect(w, r, h.identity.AuthorizeURL(subscriptionID), http.StatusSeeOther)
}
