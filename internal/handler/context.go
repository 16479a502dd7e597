package handler

import (
	"context"
	"encoding/json"
	"net/http"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/hollisdev/subledger/internal/auth0"
	"github.com/hollisdev/subledger/internal/stripeapi"
)

// PaymentProvider is the slice of the Stripe client the handlers use.
// Tests substitute fakes.
type PaymentProvider interface {
	ResolveCheckoutSession(ctx context.Context, sessionID string) (*stripeapi.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error)
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

// IdentityProvider is the slice of the Auth0 client the handlers use.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string) (*auth0.Identity, error)
	SendInvitation(ctx context.Context, email, subscriptionID string) error
	AuthorizeURL(subscriptionID string) string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type resultResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, status int, err error) {
	resp := resultResponse{Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}
