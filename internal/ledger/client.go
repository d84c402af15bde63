// Package ledger wraps the remote energy ledger. The ledger is the sole
// source of truth for the metered balance; this client never computes a
// balance locally, it only reports what the ledger last confirmed.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// MinBalance and MaxBalance bound the metered balance.
	MinBalance = 0
	MaxBalance = 100

	// TierUnlimited is the subscription tier exempt from metering.
	TierUnlimited = "unlimited"
)

var (
	// ErrInsufficientEnergy is the declined-charge outcome. It is a normal
	// business result, not a transport fault.
	ErrInsufficientEnergy = errors.New("ledger: insufficient energy")

	// ErrSessionExpired is returned when the ledger rejects the call with 401.
	ErrSessionExpired = errors.New("ledger: session expired")
)

// Status is the ledger's last confirmed view of a user's energy.
// Balance stays populated even when Unlimited is set, as a display fallback.
type Status struct {
	Balance   int
	Unlimited bool
}

// Client talks to the remote energy ledger over the shared cookie-carrying
// HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates an energy ledger client for the given base URL.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ledger base URL is required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "ledger-client").Logger(),
	}, nil
}

// Check fetches the current balance for a user.
func (c *Client) Check(ctx context.Context, userID string) (*Status, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("marshal check request: %w", err)
	}

	respBody, statusCode, err := c.post(ctx, "/luna/energy/check", body)
	if err != nil {
		return nil, err
	}

	if statusCode == http.StatusUnauthorized {
		return nil, ErrSessionExpired
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("energy check failed with status %d", statusCode)
	}

	var resp struct {
		CurrentEnergy    int    `json:"current_energy"`
		SubscriptionType string `json:"subscription_type"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal check response: %w", err)
	}

	return &Status{
		Balance:   clampBalance(resp.CurrentEnergy),
		Unlimited: resp.SubscriptionType == TierUnlimited,
	}, nil
}

// Consume charges the cost of an action against a user's balance. A declined
// charge is returned as ErrInsufficientEnergy; the caller's local state must
// stay untouched in that case.
func (c *Client) Consume(ctx context.Context, userID, action string, cost int) (*Status, error) {
	body, err := json.Marshal(map[string]any{
		"user_id": userID,
		"action":  action,
		"cost":    cost,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal consume request: %w", err)
	}

	respBody, statusCode, err := c.post(ctx, "/luna/energy/consume", body)
	if err != nil {
		return nil, err
	}

	switch {
	case statusCode == http.StatusUnauthorized:
		return nil, ErrSessionExpired
	case statusCode == http.StatusPaymentRequired:
		return nil, ErrInsufficientEnergy
	case statusCode < 200 || statusCode >= 300:
		return nil, fmt.Errorf("energy consume failed with status %d", statusCode)
	}

	var resp struct {
		Success         *bool  `json:"success,omitempty"`
		Error           string `json:"error,omitempty"`
		EnergyRemaining int    `json:"energy_remaining"`
		Unlimited       bool   `json:"unlimited"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal consume response: %w", err)
	}

	// Some ledger deployments decline in-band instead of using 402.
	if resp.Success != nil && !*resp.Success {
		if resp.Error == "insufficient_energy" {
			return nil, ErrInsufficientEnergy
		}
		return nil, fmt.Errorf("energy consume declined: %s", resp.Error)
	}

	c.logger.Debug().
		Str("user_id", userID).
		Str("action", action).
		Int("cost", cost).
		Int("remaining", resp.EnergyRemaining).
		Msg("Energy consumed")

	return &Status{
		Balance:   clampBalance(resp.EnergyRemaining),
		Unlimited: resp.Unlimited,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read ledger response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}

func clampBalance(balance int) int {
	if balance < MinBalance {
		return MinBalance
	}
	if balance > MaxBalance {
		return MaxBalance
	}
	return balance
}
