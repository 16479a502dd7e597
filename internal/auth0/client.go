package auth0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
)

type Config struct {
	Domain       string
	ClientID     string
	ClientSecret string
	ConnectionID string
	RedirectURI  string
}

// Identity is the result of exchanging an authorization code.
type Identity struct {
	Auth0ID string
	Email   string
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the tenant URL. Tests point it at httptest servers.
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		cl.baseURL = u
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		baseURL:    "https://" + cfg.Domain,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizeURL builds the login URL with the subscription id carried in
// the state parameter, so the callback can find the registration.
func (c *Client) AuthorizeURL(subscriptionID string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", subscriptionID)
	return c.baseURL + "/authorize?" + q.Encode()
}

// managementToken fetches a Management API token via client credentials.
// Transient failures (429 and 5xx) are retried with exponential backoff.
func (c *Client) managementToken(ctx context.Context) (string, error) {
	payload := map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"audience":      c.baseURL + "/api/v2/",
		"grant_type":    "client_credentials",
	}

	var token string
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var out struct {
			AccessToken string `json:"access_token"`
		}
		status, err := c.postJSON(ctx, "/oauth/token", "", payload, &out)
		if err != nil {
			return retry.RetryableError(err)
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			return retry.RetryableError(fmt.Errorf("auth0 token endpoint: status %d", status))
		}
		if status >= 400 {
			return fmt.Errorf("auth0 token endpoint: status %d", status)
		}
		token = out.AccessToken
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get management token: %w", err)
	}
	return token, nil
}

// SendInvitation emails an account-creation invitation carrying the
// subscription id in user metadata.
func (c *Client) SendInvitation(ctx context.Context, email, subscriptionID string) error {
	token, err := c.managementToken(ctx)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"email":                 email,
		"connection_id":         c.cfg.ConnectionID,
		"client_id":             c.cfg.ClientID,
		"invitation":            true,
		"send_invitation_email": true,
		"user_metadata": map[string]string{
			"subscription_id": subscriptionID,
		},
	}

	status, err := c.postJSON(ctx, "/api/v2/tickets/email", token, payload, nil)
	if err != nil {
		return fmt.Errorf("send invitation: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("send invitation: status %d", status)
	}
	return nil
}

// ExchangeCode trades an authorization code for tokens and extracts the
// identity from the ID token. The token comes straight from the tenant's
// token endpoint over TLS, so its signature is not re-verified here.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Identity, error) {
	payload := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"code":          code,
		"redirect_uri":  c.cfg.RedirectURI,
	}

	var out struct {
		IDToken string `json:"id_token"`
	}
	status, err := c.postJSON(ctx, "/oauth/token", "", payload, &out)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("exchange code: status %d", status)
	}
	if out.IDToken == "" {
		return nil, fmt.Errorf("exchange code: no id_token in response")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(out.IDToken, claims); err != nil {
		return nil, fmt.Errorf("parse id token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("parse id token: missing sub claim")
	}

	id := &Identity{Auth0ID: sub}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	return id, nil
}

func (c *Client) postJSON(ctx context.Context, path, bearer string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 400 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
