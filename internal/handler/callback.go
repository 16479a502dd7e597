package handler

import (
	"log/slog"
	"net/http"

	"github.com/hollisdev/subledger/internal/magiclink"
	"github.com/hollisdev/subledger/internal/model"
	"github.com/hollisdev/subledger/internal/store"
)

// EntitlementPolicy decides what happens when the entitlement write fails
// during the identity callback.
type EntitlementPolicy int

const (
	// PolicyContinueOnFailure still links the identity so the user is not
	// stranded; the entitlement can be repaired from the admin API.
	PolicyContinueOnFailure EntitlementPolicy = iota
	// PolicyFailClosed aborts the callback without linking.
	PolicyFailClosed
)

// CallbackHandler completes the registration flow: Auth0 redirects here
// after the user sets a password, carrying the subscription id in state.
type CallbackHandler struct {
	payments      PaymentProvider
	identity      IdentityProvider
	registrations *store.RegistrationStore
	entitlements  *store.EntitlementStore
	events        *store.EventStore
	links         *magiclink.Signer
	policy        EntitlementPolicy
	appURL        string
	logger        *slog.Logger
}

func NewCallbackHandler(
	payments PaymentProvider,
	identity IdentityProvider,
	registrations *store.RegistrationStore,
	entitlements *store.EntitlementStore,
	events *store.EventStore,
	links *magiclink.Signer,
	appURL string,
	logger *slog.Logger,
) *CallbackHandler {
	return &CallbackHandler{
		payments:      payments,
		identity:      identity,
		registrations: registrations,
		entitlements:  entitlements,
		events:        events,
		links:         links,
		policy:        PolicyContinueOnFailure,
		appURL:        appURL,
		logger:        logger,
	}
}

// SetPolicy overrides the default entitlement failure policy.
func (h *CallbackHandler) SetPolicy(p EntitlementPolicy) { h.policy = p }

func (h *CallbackHandler) errorRedirect(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, h.appURL+"/error?reason="+reason, http.StatusSeeOther)
}

func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	subscriptionID := r.URL.Query().Get("state")
	if code == "" || subscriptionID == "" {
		h.errorRedirect(w, r, "missing_params")
		return
	}

	ident, err := h.identity.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Error("exchange auth code", "subscription_id", subscriptionID, "error", err)
		h.events.LogError("auth0_error", err.Error(), "", "")
		h.errorRedirect(w, r, "auth_failed")
		return
	}

	reg, err := h.registrations.Get(subscriptionID)
	if err != nil {
		h.logger.Error("look up registration", "subscription_id", subscriptionID, "error", err)
		h.errorRedirect(w, r, "database_error")
		return
	}
	if reg == nil {
		// The webhook and success redirect both write this record, so a
		// missing row means neither ran for this subscription.
		h.logger.Error("callback for unknown subscription", "subscription_id", subscriptionID, "auth0_id", ident.Auth0ID)
		h.events.LogError("consistency_error", "callback for unknown subscription "+subscriptionID, ident.Auth0ID, ident.Email)
		h.errorRedirect(w, r, "user_not_found")
		return
	}

	if err := h.writeEntitlement(r, subscriptionID, ident.Auth0ID); err != nil {
		h.logger.Error("write entitlement", "subscription_id", subscriptionID, "auth0_id", ident.Auth0ID, "error", err)
		h.events.LogError("entitlement_error", err.Error(), ident.Auth0ID, ident.Email)
		if h.policy == PolicyFailClosed {
			h.errorRedirect(w, r, "entitlement_failed")
			return
		}
	}

	if _, err := h.registrations.LinkIdentity(subscriptionID, ident.Auth0ID, ident.Email); err != nil {
		h.logger.Error("link identity", "subscription_id", subscriptionID, "auth0_id", ident.Auth0ID, "error", err)
		h.errorRedirect(w, r, "database_error")
		return
	}
	h.logger.Info("account linked", "subscription_id", subscriptionID, "auth0_id", ident.Auth0ID)

	link, err := h.links.Link(ident.Auth0ID)
	if err != nil {
		// No handoff token; the user can still log in normally.
		h.logger.Warn("mint magic link", "auth0_id", ident.Auth0ID, "error", err)
		http.Redirect(w, r, h.appURL+"/dashboard", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, link, http.StatusSeeOther)
}

func (h *CallbackHandler) writeEntitlement(r *http.Request, subscriptionID, auth0ID string) error {
	sub, err := h.payments.GetSubscription(r.Context(), subscriptionID)
	if err != nil {
		return err
	}

	e := &model.Entitlement{
		Auth0ID:              auth0ID,
		StripeSubscriptionID: subscriptionID,
		Status:               sub.Status,
		PaymentStatus:        "paid",
		AutoRenew:            true,
	}
	if !sub.StartDate.IsZero() {
		start := sub.StartDate
		e.StartDate = &start
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		e.EndDate = &end
		next := sub.CurrentPeriodEnd
		e.NextPaymentDate = &next
	}
	if sub.CancelAtPeriodEnd {
		e.AutoRenew = false
		e.NextPaymentDate = nil
	}

	_, err = h.entitlements.Upsert(e)
	return err
}
