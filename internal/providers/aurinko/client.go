package aurinko

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailsync/internal/retry"
)

const (
	DefaultBaseURL = "https://api.aurinko.io/v1"

	// MessagesResource is the push-notification resource for mailbox changes.
	MessagesResource = "/email/messages"
)

// Config holds provider settings shared by every per-account Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPTimeout  time.Duration
	Retry        retry.Options

	// RequestsPerSecond paces outbound calls per client. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		logger, sleep := c.Retry.Logger, c.Retry.Sleep
		c.Retry = retry.ProviderDefaults
		c.Retry.Logger, c.Retry.Sleep = logger, sleep
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Retry.Logger == nil {
		c.Retry.Logger = c.Logger
	}
	return c
}

// Client talks to the provider on behalf of one connected account.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client that authenticates every request with accessToken.
func New(cfg Config, accessToken string) *Client {
	cfg = cfg.withDefaults()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	httpClient := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport},
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: newLimiter(cfg),
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// StartSync starts (or polls) the provider-side sync of the last daysWithin days.
func (c *Client) StartSync(ctx context.Context, daysWithin int) (*SyncResponse, error) {
	q := url.Values{}
	q.Set("daysWithin", strconv.Itoa(daysWithin))
	q.Set("bodyType", "html")

	var out SyncResponse
	if err := c.call(ctx, "start sync", http.MethodPost, "/email/sync", q, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUpdatedEmails fetches one page of the delta stream.
func (c *Client) GetUpdatedEmails(ctx context.Context, dq DeltaQuery) (*SyncUpdatedResponse, error) {
	if (dq.DeltaToken == "") == (dq.PageToken == "") {
		return nil, &ValidationError{Field: "delta query", Message: "exactly one of deltaToken or pageToken is required"}
	}

	q := url.Values{}
	if dq.DeltaToken != "" {
		q.Set("deltaToken", dq.DeltaToken)
	}
	if dq.PageToken != "" {
		q.Set("pageToken", dq.PageToken)
	}

	var out SyncUpdatedResponse
	if err := c.call(ctx, "get updated emails", http.MethodGet, "/email/sync/updated", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSubscription registers notificationURL for mailbox change notifications.
func (c *Client) CreateSubscription(ctx context.Context, notificationURL string) (*Subscription, error) {
	return c.CreateWebhook(ctx, MessagesResource, notificationURL)
}

func (c *Client) GetWebhooks(ctx context.Context) (*SubscriptionList, error) {
	var out SubscriptionList
	if err := c.call(ctx, "get webhooks", http.MethodGet, "/subscriptions", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateWebhook(ctx context.Context, resource, notificationURL string) (*Subscription, error) {
	if resource == "" {
		return nil, &ValidationError{Field: "resource", Message: "must not be empty"}
	}
	if _, err := url.ParseRequestURI(notificationURL); err != nil {
		return nil, &ValidationError{Field: "notificationUrl", Message: err.Error()}
	}

	body := map[string]string{"resource": resource, "notificationUrl": notificationURL}
	var out Subscription
	if err := c.call(ctx, "create webhook", http.MethodPost, "/subscriptions", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	return c.call(ctx, "delete webhook", http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil, nil)
}

// SendMessage submits an outbound message and returns the ids the provider assigned.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (*SentMessage, error) {
	if len(msg.To) == 0 {
		return nil, &ValidationError{Field: "to", Message: "at least one recipient is required"}
	}

	q := url.Values{}
	q.Set("returnIds", "true")

	var out SentMessage
	if err := c.call(ctx, "send message", http.MethodPost, "/email/messages", q, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccount returns the mailbox address and display name behind the token.
func (c *Client) GetAccount(ctx context.Context) (*AccountDetails, error) {
	var out AccountDetails
	if err := c.call(ctx, "get account", http.MethodGet, "/account", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetEmail(ctx context.Context, id string) (*EmailMessage, error) {
	q := url.Values{}
	q.Set("loadInlines", "true")

	var out EmailMessage
	if err := c.call(ctx, "get email", http.MethodGet, "/email/messages/"+url.PathEscape(id), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call runs one request through the retry executor.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	opts := c.cfg.Retry
	opts.Op = op
	_, err := retry.Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.send(ctx, op, method, path, query, body, out)
	})
	return err
}

func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return doJSON(ctx, c.http, op, method, c.cfg.BaseURL+path, query, body, out, nil)
}

// doJSON performs a single JSON request and classifies the outcome.
func doJSON(ctx context.Context, hc *http.Client, op, method, endpoint string, query url.Values, body, out any, decorate func(*http.Request)) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return &APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(op, resp, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Op: op, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}
