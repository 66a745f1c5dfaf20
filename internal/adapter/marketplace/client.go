// Package marketplace talks to the online marketplace REST API.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/smallbiznis/valora-storefront/internal/domain"
)

// Order is the subset of a marketplace order consumed by reconciliation.
type Order struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
}

// Client fetches marketplace resources with a caller-supplied access token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient constructs a marketplace API client.
func NewClient(baseURL string, requestsPerSecond float64, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient, limiter: limiter}
}

// GetOrder loads /orders/{id}. A 401 answer maps to domain.ErrUnauthorized
// so the token middleware can refresh and retry.
func (c *Client) GetOrder(ctx context.Context, accessToken, id string) (*Order, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: wait for rate limiter: %w", domain.ErrTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: order request: %w", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read order: %w", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, domain.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("marketplace order %s: %w", id, domain.ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: order status=%d", domain.ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("order request failed: status=%d", resp.StatusCode)
	}

	var raw struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		StatusDetail      any         `json:"status_detail"`
		ExternalReference string      `json:"external_reference"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}

	detail, _ := raw.StatusDetail.(string)
	return &Order{
		ID:                raw.ID.String(),
		Status:            raw.Status,
		StatusDetail:      detail,
		ExternalReference: raw.ExternalReference,
	}, nil
}
