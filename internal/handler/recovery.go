package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/hollisdev/subledger/internal/model"
	"github.com/hollisdev/subledger/internal/store"
	"github.com/hollisdev/subledger/internal/stripeapi"
)

// RecoveryHandler lets an operator re-run the invitation step for a
// purchase whose automated flow stalled. It never writes an entitlement;
// that only happens when the user completes the identity callback.
type RecoveryHandler struct {
	payments      PaymentProvider
	identity      IdentityProvider
	registrations *store.RegistrationStore
	events        *store.EventStore
	logger        *slog.Logger
}

func NewRecoveryHandler(
	payments PaymentProvider,
	identity IdentityProvider,
	registrations *store.RegistrationStore,
	events *store.EventStore,
	logger *slog.Logger,
) *RecoveryHandler {
	return &RecoveryHandler{
		payments:      payments,
		identity:      identity,
		registrations: registrations,
		events:        events,
		logger:        logger,
	}
}

type recoverRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Email          string `json:"email"`
}

func (h *RecoveryHandler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	req.Email = strings.TrimSpace(req.Email)
	if req.SubscriptionID == "" || req.Email == "" {
		writeResult(w, http.StatusBadRequest, errors.New("subscription_id and email are required"))
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeResult(w, http.StatusBadRequest, errors.New("invalid email address"))
		return
	}

	// Verify the subscription exists before touching the database.
	if _, err := h.payments.GetSubscription(r.Context(), req.SubscriptionID); err != nil {
		if errors.Is(err, stripeapi.ErrNotFound) {
			writeResult(w, http.StatusNotFound, errors.New("subscription not found"))
			return
		}
		h.logger.Error("verify subscription", "subscription_id", req.SubscriptionID, "error", err)
		writeResult(w, http.StatusBadGateway, errors.New("could not verify subscription"))
		return
	}

	if _, err := h.registrations.Upsert(req.SubscriptionID, req.Email, ""); err != nil {
		h.logger.Error("upsert registration", "subscription_id", req.SubscriptionID, "error", err)
		writeResult(w, http.StatusInternalServerError, errors.New("could not record registration"))
		return
	}

	if err := h.identity.SendInvitation(r.Context(), req.Email, req.SubscriptionID); err != nil {
		h.logger.Error("send recovery invitation", "subscription_id", req.SubscriptionID, "error", err)
		h.events.LogError("invitation_error", err.Error(), "", req.Email)
		writeResult(w, http.StatusBadGateway, errors.New("could not send invitation"))
		return
	}
	if _, err := h.registrations.AdvanceStatus(req.SubscriptionID, model.StatusInviteSent); err != nil {
		h.logger.Error("advance registration status", "subscription_id", req.SubscriptionID, "error", err)
	}

	h.logger.Info("recovery invitation sent", "subscription_id", req.SubscriptionID)
	writeResult(w, http.StatusOK, nil)
}
