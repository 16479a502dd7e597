package push

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hollisdev/subledger/internal/model"
	"github.com/hollisdev/subledger/internal/store"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrExpired is returned when a push subscription is no longer valid (410 Gone).
var ErrExpired = errors.New("push subscription expired")

// Payload is the JSON sent to the push service.
type Payload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity,omitempty"`
	URL      string `json:"url,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// Service sends web-push alerts to subscribed operator browsers.
type Service struct {
	publicKey  string
	privateKey string
	subscriber string
	subs       *store.PushStore
	logger     *slog.Logger
}

func NewService(publicKey, privateKey, subscriber string, subs *store.PushStore, logger *slog.Logger) *Service {
	return &Service{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		subs:       subs,
		logger:     logger,
	}
}

// Configured returns true if VAPID keys are set.
func (s *Service) Configured() bool {
	return s.publicKey != "" && s.privateKey != ""
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (s *Service) VAPIDPublicKey() string {
	return s.publicKey
}

// Send sends a push notification to one subscription.
func (s *Service) Send(sub *model.PushSubscription, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotification(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		Subscriber:      s.subscriber,
		TTL:             86400,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrExpired
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	return nil
}

// SendAlert pushes a monitoring alert to every subscribed browser.
// Expired subscriptions are pruned as they are discovered.
func (s *Service) SendAlert(severity, title, message string) {
	if !s.Configured() {
		return
	}
	subs, err := s.subs.List()
	if err != nil {
		s.logger.Error("list push subscriptions", "error", err)
		return
	}

	payload := Payload{
		Title:    title,
		Body:     message,
		Severity: severity,
		URL:      "/admin/monitoring",
		Tag:      "alert-" + severity,
	}

	for i := range subs {
		if err := s.Send(&subs[i], payload); err != nil {
			if errors.Is(err, ErrExpired) {
				s.subs.DeleteByEndpoint(subs[i].Endpoint)
				continue
			}
			s.logger.Error("send alert push", "endpoint", subs[i].Endpoint, "error", err)
		}
	}
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.Bytes())

	return publicKey, privateKey, nil
}
