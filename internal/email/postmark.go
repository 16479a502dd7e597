package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

// Client sends operator notification email through Postmark.
type Client struct {
	serverToken string
	fromEmail   string
	toEmail     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithAPIURL(url string) Option {
	return func(cl *Client) {
		cl.apiURL = url
	}
}

func NewClient(serverToken, fromEmail, toEmail string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		toEmail:     toEmail,
		apiURL:      defaultAPIURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token and operator address are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.toEmail != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// SendAlert mails a monitoring alert to the operator address.
func (c *Client) SendAlert(severity, title, message string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token or recipient")
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(severity), title)
	textBody := fmt.Sprintf("%s\n\n%s", title, message)
	htmlBody := fmt.Sprintf(`<p><strong>%s</strong></p><p>%s</p>`, title, message)

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       c.toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
