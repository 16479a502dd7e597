package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hollisdev/subledger/internal/store"
)

// ValidateHandler answers the client app's access checks. The handler
// fails open: a Stripe outage must not lock paying users out.
type ValidateHandler struct {
	payments     PaymentProvider
	entitlements *store.EntitlementStore
	settings     *store.SettingsStore
	events       *store.EventStore
	logger       *slog.Logger
	now          func() time.Time
}

func NewValidateHandler(
	payments PaymentProvider,
	entitlements *store.EntitlementStore,
	settings *store.SettingsStore,
	events *store.EventStore,
	logger *slog.Logger,
) *ValidateHandler {
	return &ValidateHandler{
		payments:     payments,
		entitlements: entitlements,
		settings:     settings,
		events:       events,
		logger:       logger,
		now:          time.Now,
	}
}

type validateResponse struct {
	Valid       bool   `json:"valid"`
	Reason      string `json:"reason,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

func (h *ValidateHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	auth0ID := r.PathValue("auth0_id")
	if auth0ID == "" {
		writeJSON(w, http.StatusBadRequest, validateResponse{Valid: false, Reason: "missing_user"})
		return
	}

	// Settings are read per request so flipping the kill switch takes
	// effect without a restart.
	settings, err := h.settings.Get()
	if err != nil {
		h.logger.Error("load settings", "error", err)
		h.grant(w, auth0ID, "", "settings_error")
		return
	}
	if !settings.ValidationEnabled {
		h.grant(w, auth0ID, "", "validation_disabled")
		return
	}

	ent, err := h.entitlements.GetByAuth0ID(auth0ID)
	if err != nil {
		h.logger.Error("look up entitlement", "auth0_id", auth0ID, "error", err)
		h.grant(w, auth0ID, "", "database_error")
		return
	}
	if ent == nil {
		h.deny(w, auth0ID, "", settings.LandingPageURL, "no_entitlement")
		return
	}

	if ent.EndDate != nil && ent.EndDate.After(h.now()) {
		h.grant(w, auth0ID, "", "entitlement_current")
		return
	}

	// Local record looks expired; ask Stripe before denying. Renewal
	// webhooks are not wired, so a lapsed end_date usually just means
	// the record is stale.
	sub, err := h.payments.GetSubscription(r.Context(), ent.StripeSubscriptionID)
	if err != nil {
		h.logger.Warn("live subscription check failed, granting", "auth0_id", auth0ID, "error", err)
		h.grant(w, auth0ID, "", "provider_error")
		return
	}
	if sub.Active() {
		h.grant(w, auth0ID, "", "provider_active")
		return
	}

	h.deny(w, auth0ID, "", settings.LandingPageURL, "subscription_"+sub.Status)
}

func (h *ValidateHandler) grant(w http.ResponseWriter, auth0ID, email, reason string) {
	h.events.LogValidationCheck(auth0ID, email, true, map[string]any{"reason": reason})
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, Reason: reason})
}

func (h *ValidateHandler) deny(w http.ResponseWriter, auth0ID, email string, landingPageURL *string, reason string) {
	h.events.LogValidationCheck(auth0ID, email, false, map[string]any{"reason": reason})

	resp := validateResponse{Valid: false, Reason: reason}
	if landingPageURL != nil && *landingPageURL != "" {
		resp.RedirectURL = *landingPageURL
		h.events.LogRedirect(auth0ID, email, *landingPageURL, reason)
	}
	writeJSON(w, http.StatusOK, resp)
}
