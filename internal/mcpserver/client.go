package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the nestbid platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "nbk_..."
	UserID string // Platform user the key belongs to, e.g. "usr_..."
}

// NestbidClient is a pure HTTP client for the nestbid platform API.
type NestbidClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewNestbidClient creates a new client for the nestbid platform.
func NewNestbidClient(cfg Config) *NestbidClient {
	return &NestbidClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *NestbidClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// OwnerBalance returns the caller's escrow account for one currency.
func (c *NestbidClient) OwnerBalance(ctx context.Context, currency string) (json.RawMessage, error) {
	q := url.Values{}
	if currency != "" {
		q.Set("currency", currency)
	}
	path := "/v1/owners/" + c.cfg.UserID + "/accounts"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// AccountHistory returns a page of ledger entries for an account, newest first.
func (c *NestbidClient) AccountHistory(ctx context.Context, accountID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/accounts/" + accountID + "/history"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// Acceptance returns an acceptance with its connection payment and contact
// release, when present.
func (c *NestbidClient) Acceptance(ctx context.Context, id string) (json.RawMessage, error) {
	path := "/v1/acceptances/" + id
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ExpiringAcceptances lists unpaid acceptances whose payment window closes
// within the given duration.
func (c *NestbidClient) ExpiringAcceptances(ctx context.Context, within string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if within != "" {
		q.Set("within", within)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/acceptances/expiring", q, nil)
}

// Milestone returns a milestone payment by ID.
func (c *NestbidClient) Milestone(ctx context.Context, id string) (json.RawMessage, error) {
	path := "/v1/milestones/" + id
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// FundMilestone moves the milestone amount from the payer's available balance
// into escrow hold.
func (c *NestbidClient) FundMilestone(ctx context.Context, id, idempotencyKey string) (json.RawMessage, error) {
	var body any
	if idempotencyKey != "" {
		body = map[string]string{"idempotency_key": idempotencyKey}
	}
	path := "/v1/milestones/" + id + "/fund"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// OpenDispute opens a dispute against a funded milestone payment.
func (c *NestbidClient) OpenDispute(ctx context.Context, milestonePaymentID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"milestone_payment_id": milestonePaymentID,
		"reason":               reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes", nil, body)
}

// PlatformStats returns aggregate counts and balances across subsystems.
func (c *NestbidClient) PlatformStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/stats", nil, nil)
}
