package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/hollisdev/subledger/internal/auth0"
	"github.com/hollisdev/subledger/internal/backup"
	"github.com/hollisdev/subledger/internal/database"
	"github.com/hollisdev/subledger/internal/magiclink"
	"github.com/hollisdev/subledger/internal/model"
	"github.com/hollisdev/subledger/internal/store"
	"github.com/hollisdev/subledger/internal/stripeapi"
)

const testAppURL = "https://app.example.com"

type fakePayments struct {
	sessions     map[string]*stripeapi.CheckoutSession
	subs         map[string]*stripeapi.Subscription
	subErr       error
	verifyErr    error
	verifiedType string
	verifiedRaw  []byte
}

func (f *fakePayments) ResolveCheckoutSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("resolve checkout session: %w", stripeapi.ErrNotFound)
	}
	return sess, nil
}

func (f *fakePayments) GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("get subscription: %w", stripeapi.ErrNotFound)
	}
	return sub, nil
}

func (f *fakePayments) VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	if f.verifyErr != nil {
		return stripe.Event{}, f.verifyErr
	}
	return stripe.Event{
		Type: stripe.EventType(f.verifiedType),
		Data: &stripe.EventData{Raw: f.verifiedRaw},
	}, nil
}

type fakeIdentity struct {
	invites    []string
	inviteErr  error
	identities map[string]*auth0.Identity
}

func (f *fakeIdentity) SendInvitation(ctx context.Context, email, subscriptionID string) error {
	if f.inviteErr != nil {
		return f.inviteErr
	}
	f.invites = append(f.invites, email+":"+subscriptionID)
	return nil
}

func (f *fakeIdentity) ExchangeCode(ctx context.Context, code string) (*auth0.Identity, error) {
	ident, ok := f.identities[code]
	if !ok {
		return nil, errors.New("invalid grant")
	}
	return ident, nil
}

func (f *fakeIdentity) AuthorizeURL(subscriptionID string) string {
	return "https://tenant.auth0.com/authorize?state=" + subscriptionID
}

type testEnv struct {
	payments      *fakePayments
	identity      *fakeIdentity
	registrations *store.RegistrationStore
	entitlements  *store.EntitlementStore
	settings      *store.SettingsStore
	events        *store.EventStore
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &testEnv{
		payments: &fakePayments{
			sessions: map[string]*stripeapi.CheckoutSession{},
			subs:     map[string]*stripeapi.Subscription{},
		},
		identity: &fakeIdentity{
			identities: map[string]*auth0.Identity{},
		},
		registrations: store.NewRegistrationStore(db),
		entitlements:  store.NewEntitlementStore(db),
		settings:      store.NewSettingsStore(db),
		events:        store.NewEventStore(db),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func activeSub(id string) *stripeapi.Subscription {
	return &stripeapi.Subscription{
		ID:               id,
		Status:           "active",
		StartDate:        time.Now().UTC().Add(-time.Hour),
		CurrentPeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
	}
}

func directSession(sessionID, subID, email string) *stripeapi.CheckoutSession {
	return &stripeapi.CheckoutSession{
		ID:            sessionID,
		Mode:          "subscription",
		PaymentStatus: "paid",
		CustomerEmail: email,
		Subscription:  activeSub(subID),
	}
}

func giftSession(sessionID, subID, purchaser, recipient string) *stripeapi.CheckoutSession {
	sess := directSession(sessionID, subID, purchaser)
	sess.RecipientName = recipient
	return sess
}

func webhookBody(t *testing.T, sessionID string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]string{"id": sessionID})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(body)
}

func TestWebhookCreatesRegistration(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_1"] = directSession("cs_1", "sub_123", "buyer@x.com")
	env.payments.verifiedType = "checkout.session.completed"
	env.payments.verifiedRaw = []byte(`{"id":"cs_1"}`)

	h := NewWebhookHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	req := httptest.NewRequest("POST", "/api/webhook", webhookBody(t, "cs_1"))
	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	reg, err := env.registrations.Get("sub_123")
	if err != nil {
		t.Fatalf("get registration: %v", err)
	}
	if reg == nil {
		t.Fatal("expected registration to exist")
	}
	if reg.Status != model.StatusPaymentCompleted {
		t.Errorf("status = %q, want %q", reg.Status, model.StatusPaymentCompleted)
	}
	if reg.Email == nil || *reg.Email != "buyer@x.com" {
		t.Errorf("email = %v, want buyer@x.com", reg.Email)
	}
	if len(env.identity.invites) != 0 {
		t.Errorf("direct purchase should not send an invitation, got %v", env.identity.invites)
	}
}

func TestWebhookGiftSendsInvitation(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_g"] = giftSession("cs_g", "sub_gift", "payer@x.com", "friend@x.com")
	env.payments.verifiedType = "checkout.session.completed"
	env.payments.verifiedRaw = []byte(`{"id":"cs_g"}`)

	h := NewWebhookHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", webhookBody(t, "cs_g")))

	reg, _ := env.registrations.Get("sub_gift")
	if reg == nil {
		t.Fatal("expected registration to exist")
	}
	if reg.Status != model.StatusInviteSent {
		t.Errorf("status = %q, want %q", reg.Status, model.StatusInviteSent)
	}
	if reg.Email == nil || *reg.Email != "friend@x.com" {
		t.Errorf("email = %v, want recipient", reg.Email)
	}
	if reg.PurchaserEmail == nil || *reg.PurchaserEmail != "payer@x.com" {
		t.Errorf("purchaser_email = %v, want payer", reg.PurchaserEmail)
	}
	if len(env.identity.invites) != 1 || env.identity.invites[0] != "friend@x.com:sub_gift" {
		t.Errorf("invites = %v, want one to recipient", env.identity.invites)
	}
}

func TestWebhookGiftInvitationFailure(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_g"] = giftSession("cs_g", "sub_gift", "payer@x.com", "friend@x.com")
	env.payments.verifiedType = "checkout.session.completed"
	env.payments.verifiedRaw = []byte(`{"id":"cs_g"}`)
	env.identity.inviteErr = errors.New("auth0 down")

	h := NewWebhookHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", webhookBody(t, "cs_g")))

	// The registration stays recoverable via the admin endpoint.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	reg, _ := env.registrations.Get("sub_gift")
	if reg == nil || reg.Status != model.StatusPaymentCompleted {
		t.Errorf("registration = %+v, want status %q", reg, model.StatusPaymentCompleted)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_g"] = giftSession("cs_g", "sub_gift", "payer@x.com", "friend@x.com")
	env.payments.verifiedType = "checkout.session.completed"
	env.payments.verifiedRaw = []byte(`{"id":"cs_g"}`)

	h := NewWebhookHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", webhookBody(t, "cs_g")))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, rec.Code)
		}
	}

	if len(env.identity.invites) != 1 {
		t.Errorf("invites = %d, want 1 (duplicate delivery must be a no-op)", len(env.identity.invites))
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := setupEnv(t)
	env.payments.verifyErr = errors.New("signature mismatch")

	h := NewWebhookHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	env := setupEnv(t)
	env.payments.verifiedType = "invoice.paid"
	env.payments.verifiedRaw = []byte(`{"id":"in_1"}`)

	h := NewWebhookHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", strings.NewReader("{}")))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestWebhookPaymentMode(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_p"] = &stripeapi.CheckoutSession{
		ID:              "cs_p",
		Mode:            "payment",
		PaymentIntentID: "pi_1",
		CustomerEmail:   "onetime@x.com",
	}
	env.payments.verifiedType = "checkout.session.completed"
	env.payments.verifiedRaw = []byte(`{"id":"cs_p"}`)

	h := NewWebhookHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, httptest.NewRequest("POST", "/api/webhook", webhookBody(t, "cs_p")))

	reg, _ := env.registrations.Get("pi_1")
	if reg == nil {
		t.Fatal("expected one-time purchase recorded under payment intent")
	}
}

func TestSuccessDirectRedirectsToAuthorize(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_1"] = directSession("cs_1", "sub_123", "buyer@x.com")

	h := NewSuccessHandler(env.payments, env.identity, env.registrations, env.events, testAppURL, testLogger())

	req := httptest.NewRequest("GET", "/subscription/stripe/success?session_id=cs_1", nil)
	rec := httptest.NewRecorder()
	h.HandleSuccess(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	loc := rec.Header().Get("Location")
	if !strings.Contains(loc, "auth0.com/authorize") || !strings.Contains(loc, "state=sub_123") {
		t.Errorf("location = %q, want authorize URL with state", loc)
	}
	if reg, _ := env.registrations.Get("sub_123"); reg == nil {
		t.Error("expected registration to be created")
	}
}

func TestSuccessGiftRedirectsToConfirmation(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_g"] = giftSession("cs_g", "sub_gift", "payer@x.com", "friend@x.com")

	h := NewSuccessHandler(env.payments, env.identity, env.registrations, env.events, testAppURL, testLogger())

	req := httptest.NewRequest("GET", "/subscription/stripe/success?session_id=cs_g", nil)
	rec := httptest.NewRecorder()
	h.HandleSuccess(rec, req)

	if loc := rec.Header().Get("Location"); loc != testAppURL+"/gift-confirmation" {
		t.Errorf("location = %q, want gift confirmation", loc)
	}
	if len(env.identity.invites) != 1 {
		t.Errorf("invites = %v, want one", env.identity.invites)
	}
	reg, _ := env.registrations.Get("sub_gift")
	if reg == nil || reg.Status != model.StatusInviteSent {
		t.Errorf("registration = %+v, want invite sent", reg)
	}
}

func TestSuccessErrorRedirects(t *testing.T) {
	env := setupEnv(t)
	env.payments.sessions["cs_pay"] = &stripeapi.CheckoutSession{ID: "cs_pay", Mode: "payment"}
	env.payments.sessions["cs_nosub"] = &stripeapi.CheckoutSession{ID: "cs_nosub", Mode: "subscription"}

	h := NewSuccessHandler(env.payments, env.identity, env.registrations, env.events, testAppURL, testLogger())

	cases := []struct {
		name      string
		sessionID string
		reason    string
	}{
		{"missing session id", "", "missing_session"},
		{"unknown session", "cs_missing", "stripe_error"},
		{"payment mode", "cs_pay", "not_subscription"},
		{"no subscription", "cs_nosub", "no_subscription"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/subscription/stripe/success?session_id="+tc.sessionID, nil)
			rec := httptest.NewRecorder()
			h.HandleSuccess(rec, req)
			want := testAppURL + "/error?reason=" + tc.reason
			if loc := rec.Header().Get("Location"); loc != want {
				t.Errorf("location = %q, want %q", loc, want)
			}
		})
	}
}

func newCallbackHandler(env *testEnv) *CallbackHandler {
	return NewCallbackHandler(
		env.payments, env.identity, env.registrations, env.entitlements,
		env.events, magiclink.NewSigner("0123456789abcdef", "https://client.example.com"),
		testAppURL, testLogger(),
	)
}

func TestCallbackLinksAccountAndWritesEntitlement(t *testing.T) {
	env := setupEnv(t)
	env.registrations.Upsert("sub_123", "buyer@x.com", "")
	env.payments.subs["sub_123"] = activeSub("sub_123")
	env.identity.identities["code_1"] = &auth0.Identity{Auth0ID: "auth0|abc", Email: "buyer@x.com"}

	h := newCallbackHandler(env)

	req := httptest.NewRequest("GET", "/subscription/auth/callback?code=code_1&state=sub_123", nil)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://client.example.com/auth/magic?token=") {
		t.Errorf("location = %q, want magic link", loc)
	}

	reg, _ := env.registrations.Get("sub_123")
	if reg == nil || reg.Status != model.StatusAccountLinked {
		t.Fatalf("registration = %+v, want linked", reg)
	}
	if reg.Auth0ID == nil || *reg.Auth0ID != "auth0|abc" {
		t.Errorf("auth0_id = %v, want auth0|abc", reg.Auth0ID)
	}

	ent, err := env.entitlements.GetByAuth0ID("auth0|abc")
	if err != nil {
		t.Fatalf("get entitlement: %v", err)
	}
	if ent == nil {
		t.Fatal("expected entitlement to exist")
	}
	if ent.StripeSubscriptionID != "sub_123" {
		t.Errorf("stripe subscription = %q, want sub_123", ent.StripeSubscriptionID)
	}
	if ent.PaymentStatus != "paid" || !ent.AutoRenew {
		t.Errorf("payment_status = %q auto_renew = %v, want paid/true", ent.PaymentStatus, ent.AutoRenew)
	}
	if ent.EndDate == nil || !ent.EndDate.After(time.Now()) {
		t.Errorf("end_date = %v, want future", ent.EndDate)
	}
}

func TestCallbackUnknownRegistration(t *testing.T) {
	env := setupEnv(t)
	env.identity.identities["code_1"] = &auth0.Identity{Auth0ID: "auth0|abc", Email: "x@x.com"}

	h := newCallbackHandler(env)

	req := httptest.NewRequest("GET", "/subscription/auth/callback?code=code_1&state=sub_unknown", nil)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	if loc := rec.Header().Get("Location"); loc != testAppURL+"/error?reason=user_not_found" {
		t.Errorf("location = %q, want user_not_found redirect", loc)
	}
	if ent, _ := env.entitlements.GetByAuth0ID("auth0|abc"); ent != nil {
		t.Error("no entitlement should be written for an unknown subscription")
	}
}

func TestCallbackEntitlementFailureStillLinks(t *testing.T) {
	env := setupEnv(t)
	env.registrations.Upsert("sub_123", "buyer@x.com", "")
	env.payments.subErr = errors.New("stripe down")
	env.identity.identities["code_1"] = &auth0.Identity{Auth0ID: "auth0|abc", Email: "buyer@x.com"}

	h := newCallbackHandler(env)

	req := httptest.NewRequest("GET", "/subscription/auth/callback?code=code_1&state=sub_123", nil)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want redirect", rec.Code)
	}
	reg, _ := env.registrations.Get("sub_123")
	if reg == nil || reg.Status != model.StatusAccountLinked {
		t.Errorf("registration = %+v, want linked despite entitlement failure", reg)
	}
	if ent, _ := env.entitlements.GetByAuth0ID("auth0|abc"); ent != nil {
		t.Error("entitlement should not exist after provider failure")
	}
}

func TestCallbackFailClosedPolicy(t *testing.T) {
	env := setupEnv(t)
	env.registrations.Upsert("sub_123", "buyer@x.com", "")
	env.payments.subErr = errors.New("stripe down")
	env.identity.identities["code_1"] = &auth0.Identity{Auth0ID: "auth0|abc", Email: "buyer@x.com"}

	h := newCallbackHandler(env)
	h.SetPolicy(PolicyFailClosed)

	req := httptest.NewRequest("GET", "/subscription/auth/callback?code=code_1&state=sub_123", nil)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	if loc := rec.Header().Get("Location"); loc != testAppURL+"/error?reason=entitlement_failed" {
		t.Errorf("location = %q, want entitlement_failed", loc)
	}
	reg, _ := env.registrations.Get("sub_123")
	if reg == nil || reg.Status != model.StatusPaymentCompleted {
		t.Errorf("registration = %+v, want unlinked", reg)
	}
}

func TestCallbackBadCode(t *testing.T) {
	env := setupEnv(t)
	h := newCallbackHandler(env)

	req := httptest.NewRequest("GET", "/subscription/auth/callback?code=bogus&state=sub_123", nil)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	if loc := rec.Header().Get("Location"); loc != testAppURL+"/error?reason=auth_failed" {
		t.Errorf("location = %q, want auth_failed", loc)
	}
}

func recoverBody(t *testing.T, subscriptionID, email string) io.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]string{"subscription_id": subscriptionID, "email": email})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(body)
}

func TestRecoverSendsInvitation(t *testing.T) {
	env := setupEnv(t)
	env.payments.subs["sub_123"] = activeSub("sub_123")

	h := NewRecoveryHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	req := httptest.NewRequest("POST", "/subscription/admin/recover", recoverBody(t, "sub_123", "user@x.com"))
	rec := httptest.NewRecorder()
	h.HandleRecover(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp resultResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Success {
		t.Errorf("success = false, want true")
	}
	reg, _ := env.registrations.Get("sub_123")
	if reg == nil || reg.Status != model.StatusInviteSent {
		t.Errorf("registration = %+v, want invite sent", reg)
	}
	// Recovery never writes an entitlement; that only happens on callback.
	if ent, _ := env.entitlements.GetByStripeSubscriptionID("sub_123"); ent != nil {
		t.Error("recovery must not create an entitlement")
	}
}

func TestRecoverValidation(t *testing.T) {
	env := setupEnv(t)
	h := NewRecoveryHandler(env.payments, env.identity, env.registrations, env.events, testLogger())

	cases := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing fields", `{"subscription_id":"","email":""}`, http.StatusBadRequest},
		{"bad email", `{"subscription_id":"sub_1","email":"not-an-email"}`, http.StatusBadRequest},
		{"unknown subscription", `{"subscription_id":"sub_missing","email":"a@b.com"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/subscription/admin/recover", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.HandleRecover(rec, req)
			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d", rec.Code, tc.code)
			}
		})
	}
	if len(env.identity.invites) != 0 {
		t.Errorf("no invitations expected, got %v", env.identity.invites)
	}
}

func validateRequest(auth0ID string) *http.Request {
	req := httptest.NewRequest("GET", "/api/validate/"+auth0ID, nil)
	req.SetPathValue("auth0_id", auth0ID)
	return req
}

func decodeValidate(t *testing.T, rec *httptest.ResponseRecorder) validateResponse {
	t.Helper()
	var resp validateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func newValidateHandler(env *testEnv) *ValidateHandler {
	return NewValidateHandler(env.payments, env.entitlements, env.settings, env.events, testLogger())
}

func seedEntitlement(t *testing.T, env *testEnv, auth0ID, subID string, endDate time.Time) {
	t.Helper()
	end := endDate
	_, err := env.entitlements.Upsert(&model.Entitlement{
		Auth0ID:              auth0ID,
		StripeSubscriptionID: subID,
		Status:               "active",
		PaymentStatus:        "paid",
		EndDate:              &end,
		AutoRenew:            true,
	})
	if err != nil {
		t.Fatalf("seed entitlement: %v", err)
	}
}

func TestValidateDisabledGrants(t *testing.T) {
	env := setupEnv(t)
	h := newValidateHandler(env)

	rec := httptest.NewRecorder()
	h.HandleValidate(rec, validateRequest("auth0|abc"))

	resp := decodeValidate(t, rec)
	if !resp.Valid || resp.Reason != "validation_disabled" {
		t.Errorf("resp = %+v, want valid with validation_disabled", resp)
	}
}

func TestValidateCurrentEntitlement(t *testing.T) {
	env := setupEnv(t)
	env.settings.Update(true, nil)
	seedEntitlement(t, env, "auth0|abc", "sub_123", time.Now().UTC().Add(24*time.Hour))

	h := newValidateHandler(env)
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, validateRequest("auth0|abc"))

	resp := decodeValidate(t, rec)
	if !resp.Valid || resp.Reason != "entitlement_current" {
		t.Errorf("resp = %+v, want entitlement_current grant", resp)
	}
}

func TestValidateExpiredButProviderActive(t *testing.T) {
	env := setupEnv(t)
	env.settings.Update(true, nil)
	seedEntitlement(t, env, "auth0|abc", "sub_123", time.Now().UTC().Add(-time.Hour))
	env.payments.subs["sub_123"] = activeSub("sub_123")

	h := newValidateHandler(env)
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, validateRequest("auth0|abc"))

	resp := decodeValidate(t, rec)
	if !resp.Valid || resp.Reason != "provider_active" {
		t.Errorf("resp = %+v, want provider_active grant", resp)
	}
}

func TestValidateFailsOpenOnProviderError(t *testing.T) {
	env := setupEnv(t)
	env.settings.Update(true, nil)
	seedEntitlement(t, env, "auth0|abc", "sub_123", time.Now().UTC().Add(-time.Hour))
	env.payments.subErr = errors.New("stripe down")

	h := newValidateHandler(env)
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, validateRequest("auth0|abc"))

	resp := decodeValidate(t, rec)
	if !resp.Valid || resp.Reason != "provider_error" {
		t.Errorf("resp = %+v, want fail-open grant", resp)
	}
}

func TestValidateDeniesWithRedirect(t *testing.T) {
	env := setupEnv(t)
	landing := "https://shop.example.com/subscribe"
	env.settings.Update(true, &landing)

	h := newValidateHandler(env)
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, validateRequest("auth0|nobody"))

	resp := decodeValidate(t, rec)
	if resp.Valid {
		t.Error("expected denial for user with no entitlement")
	}
	if resp.RedirectURL != landing {
		t.Errorf("redirect_url = %q, want %q", resp.RedirectURL, landing)
	}

	// The denial and redirect both land in the event log.
	total, _, err := env.events.RedirectStatsSince(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("redirect stats: %v", err)
	}
	if total != 1 {
		t.Errorf("redirect events = %d, want 1", total)
	}
}

func TestValidateDeniesCanceledSubscription(t *testing.T) {
	env := setupEnv(t)
	env.settings.Update(true, nil)
	seedEntitlement(t, env, "auth0|abc", "sub_123", time.Now().UTC().Add(-time.Hour))
	env.payments.subs["sub_123"] = &stripeapi.Subscription{ID: "sub_123", Status: "canceled"}

	h := newValidateHandler(env)
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, validateRequest("auth0|abc"))

	resp := decodeValidate(t, rec)
	if resp.Valid {
		t.Error("expected denial for canceled subscription")
	}
	if resp.Reason != "subscription_canceled" {
		t.Errorf("reason = %q, want subscription_canceled", resp.Reason)
	}
}

type fakeBackupRunner struct {
	enabled bool
	size    int64
	runErr  error
	status  backup.Status
}

func (f *fakeBackupRunner) Enabled() bool         { return f.enabled }
func (f *fakeBackupRunner) Status() backup.Status { return f.status }
func (f *fakeBackupRunner) RunNow(ctx context.Context) (int64, error) {
	return f.size, f.runErr
}

func TestBackupRunReportsSnapshotSize(t *testing.T) {
	runner := &fakeBackupRunner{enabled: true, size: 65580}
	h := NewBackupHandler(runner, testLogger())

	rec := httptest.NewRecorder()
	h.HandleRun(rec, httptest.NewRequest("POST", "/api/admin/backup/run", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success   bool  `json:"success"`
		SizeBytes int64 `json:"size_bytes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("success = false, want true")
	}
	if resp.SizeBytes != 65580 {
		t.Errorf("size_bytes = %d, want 65580", resp.SizeBytes)
	}
}

func TestBackupRunUnconfigured(t *testing.T) {
	h := NewBackupHandler(&fakeBackupRunner{}, testLogger())

	rec := httptest.NewRecorder()
	h.HandleRun(rec, httptest.NewRequest("POST", "/api/admin/backup/run", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := setupEnv(t)
	h := NewSettingsHandler(env.settings, testLogger())

	body := `{"subscription_validation_enabled":true,"subscription_landing_page_url":"https://shop.example.com"}`
	rec := httptest.NewRecorder()
	h.HandleUpdate(rec, httptest.NewRequest("POST", "/api/admin/subscription-settings", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.HandleGet(rec, httptest.NewRequest("GET", "/api/admin/subscription-settings", nil))
	var settings model.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if !settings.ValidationEnabled {
		t.Error("validation_enabled = false, want true")
	}
	if settings.LandingPageURL == nil || *settings.LandingPageURL != "https://shop.example.com" {
		t.Errorf("landing_page_url = %v, want shop URL", settings.LandingPageURL)
	}
}

func TestSettingsRejectsBadURL(t *testing.T) {
	env := setupEnv(t)
	h := NewSettingsHandler(env.settings, testLogger())

	cases := []string{
		`{"subscription_validation_enabled":true,"subscription_landing_page_url":"not-a-url"}`,
		`{"subscription_validation_enabled":true,"subscription_landing_page_url":"ftp://x.com"}`,
		`{bad json`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		h.HandleUpdate(rec, httptest.NewRequest("POST", "/api/admin/subscription-settings", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}
}
