// Package client is the consumer's HTTP client for the provider's exchange
// API. All calls are synchronous with per-call timeouts; a timeout degrades
// only the current attempt and the scheduler retries on its next tick.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"setu/internal/exchange/models"
	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

const (
	// statusTimeout bounds the cheap status check.
	statusTimeout = 10 * time.Second
	// transferTimeout bounds submission and part fetches, which carry
	// payloads.
	transferTimeout = 30 * time.Second

	apiKeyHeader = "X-API-Key"
)

// TokenSource supplies a service bearer token; nil means API-key only.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to one provider.
type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	http    *http.Client
}

type Option func(*Client)

// WithTokenSource adds a bearer credential on top of the shared-secret
// header.
func WithTokenSource(tokens TokenSource) Option {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// WithHTTPClient overrides the transport; used by tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts a new exchange job and returns the provider-assigned request
// id.
func (c *Client) Submit(ctx context.Context, request *models.ExchangeRequest) (id.RequestID, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var response struct {
		Header models.Header `json:"header"`
	}
	if err := c.call(ctx, http.MethodPost, "/request/create", transferTimeout, bytes.NewReader(body), &response); err != nil {
		return "", err
	}
	if response.Header.RequestID.IsEmpty() {
		return "", dErrors.New(dErrors.CodeInternal, "provider returned no request id")
	}
	return response.Header.RequestID, nil
}

// Status queries the provider's tracker view for a request.
func (c *Client) Status(ctx context.Context, requestID id.RequestID) (*models.StatusBody, error) {
	var response models.StatusResponse
	path := fmt.Sprintf("/request/status/%s", requestID)
	if err := c.call(ctx, http.MethodGet, path, statusTimeout, nil, &response); err != nil {
		return nil, err
	}
	return &response.Body, nil
}

// FetchPart retrieves one part artifact. The provider decrypts the envelope
// before serving it; transport protection is the channel's concern.
func (c *Client) FetchPart(ctx context.Context, requestID id.RequestID, part int) (*models.Part, error) {
	var response models.Part
	path := fmt.Sprintf("/results/%s/%d.json", requestID, part)
	if err := c.call(ctx, http.MethodGet, path, transferTimeout, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (c *Client) call(ctx context.Context, method, path string, timeout time.Duration, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("acquire service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "provider unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return dErrors.Wrap(
			fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, payload),
			codeForStatus(resp.StatusCode),
			"provider call failed",
		)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "decode provider response")
	}
	return nil
}

func codeForStatus(status int) dErrors.Code {
	switch status {
	case http.StatusNotFound:
		return dErrors.CodeNotFound
	case http.StatusUnauthorized:
		return dErrors.CodeUnauthorized
	case http.StatusForbidden:
		return dErrors.CodeForbidden
	default:
		return dErrors.CodeUnavailable
	}
}
