// Package graph reads a Microsoft 365 mailbox through the Graph API
// using the client-credentials flow. It implements ingest.EmailProvider
// for the mailroom poller.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/loanhive/loanhive/internal/ingest"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultScope    = "https://graph.microsoft.com/.default"
	pageSize        = 50
)

// Client is a Graph API mail client for one mailbox.
type Client struct {
	tenantID     string
	clientID     string
	clientSecret string
	mailbox      string // user principal name, e.g. loans@acme.com
	baseURL      string
	tokenURL     string
	httpClient   *http.Client
	logger       *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ ingest.EmailProvider = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the Graph endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTokenURL overrides the token endpoint (tests).
func WithTokenURL(u string) Option {
	return func(c *Client) { c.tokenURL = u }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Graph client for the given mailbox.
func NewClient(tenantID, clientID, clientSecret, mailbox string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		tenantID:     tenantID,
		clientID:     clientID,
		clientSecret: clientSecret,
		mailbox:      mailbox,
		baseURL:      defaultBaseURL,
		tokenURL:     fmt.Sprintf(defaultTokenURL, tenantID),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mailbox returns the mailbox address this client reads.
func (c *Client) Mailbox() string { return c.mailbox }

type graphMessage struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	BodyPreview      string    `json:"bodyPreview"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	Body             struct {
		Content string `json:"content"`
	} `json:"body"`
	From struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
}

func (m *graphMessage) toEmail(mailbox string) ingest.EmailMessage {
	body := m.Body.Content
	if body == "" {
		body = m.BodyPreview
	}
	return ingest.EmailMessage{
		ID:         m.ID,
		From:       m.From.EmailAddress.Address,
		To:         mailbox,
		Subject:    m.Subject,
		Body:       body,
		ReceivedAt: m.ReceivedDateTime,
	}
}

// ListSince returns messages received after the given time, oldest
// first.
func (c *Client) ListSince(ctx context.Context, since time.Time) ([]ingest.EmailMessage, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339)))
	q.Set("$orderby", "receivedDateTime asc")
	q.Set("$top", fmt.Sprintf("%d", pageSize))

	var page struct {
		Value []graphMessage `json:"value"`
	}
	path := fmt.Sprintf("/users/%s/messages?%s", url.PathEscape(c.mailbox), q.Encode())
	if err := c.do(ctx, http.MethodGet, path, &page); err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", c.mailbox, err)
	}

	out := make([]ingest.EmailMessage, 0, len(page.Value))
	for i := range page.Value {
		out = append(out, page.Value[i].toEmail(c.mailbox))
	}
	return out, nil
}

// Get fetches one message by id.
func (c *Client) Get(ctx context.Context, id string) (*ingest.EmailMessage, error) {
	var msg graphMessage
	path := fmt.Sprintf("/users/%s/messages/%s", url.PathEscape(c.mailbox), url.PathEscape(id))
	if err := c.do(ctx, http.MethodGet, path, &msg); err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", id, err)
	}
	email := msg.toEmail(c.mailbox)
	return &email, nil
}

// Delete removes a message from the mailbox.
func (c *Client) Delete(ctx context.Context, id string) error {
	path := fmt.Sprintf("/users/%s/messages/%s", url.PathEscape(c.mailbox), url.PathEscape(id))
	if err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return nil
}

// do performs an authenticated Graph request, refreshing the token when
// needed, and decodes the JSON response into out (nil = discard).
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}
	return nil
}

// token returns a cached app token, fetching a fresh one when the old
// token is within a minute of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("scope", defaultScope)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.logger.Debug("graph token refreshed", slog.String("mailbox", c.mailbox))
	return c.accessToken, nil
}
