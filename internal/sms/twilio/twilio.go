// Package twilio sends SMS through the Twilio REST API and normalizes
// inbound message webhooks into orchestrator events.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loanhive/loanhive/internal/orchestrator"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Client sends messages from one Twilio number.
type Client struct {
	accountSID string
	authToken  string
	from       string // E.164 sending number
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Twilio client.
func NewClient(accountSID, authToken, from string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers a text message and returns the provider message SID.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling twilio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding twilio response: %w", err)
	}
	c.logger.InfoContext(ctx, "sms sent", slog.String("to", to), slog.String("sid", out.SID))
	return out.SID, nil
}

// EventFromWebhook normalizes an inbound Twilio message webhook into an
// event. The request form must already be parsed.
func EventFromWebhook(form url.Values) (*orchestrator.Event, error) {
	from := form.Get("From")
	body := form.Get("Body")
	if from == "" || body == "" {
		return nil, fmt.Errorf("webhook missing From or Body")
	}
	return &orchestrator.Event{
		Source: "sms",
		Type:   "sms_received",
		Caller: from,
		Payload: map[string]any{
			"from":        from,
			"to":          form.Get("To"),
			"body":        body,
			"message_sid": form.Get("MessageSid"),
		},
	}, nil
}
