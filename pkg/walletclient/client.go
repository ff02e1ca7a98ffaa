/**
 * @description
 * This package provides a client for the internal wallet-service, which owns
 * user point and coin balances. The coupon-service calls it to charge the
 * cost of a coupon at redemption time and to credit the cost back when a
 * redemption fails after the charge succeeded.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/google/uuid: For user identifiers.
 */
package walletclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientBalance is returned when the wallet-service rejects a
// deduction because the user cannot cover the cost.
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// Client is a client for the wallet-service internal API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new wallet-service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AdjustBalanceRequest is the payload for both deductions and credits.
type AdjustBalanceRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Points int64     `json:"points"`
	Coins  int64     `json:"coins"`
	Reason string    `json:"reason"`
}

// AdjustBalanceResponse reports the balances after the adjustment.
type AdjustBalanceResponse struct {
	Data struct {
		Points int64 `json:"points"`
		Coins  int64 `json:"coins"`
	} `json:"data"`
}

// ErrorResponse represents an error from the wallet-service API.
type ErrorResponse struct {
	Err struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Err.Code != "" {
		return fmt.Sprintf("wallet api error: %s - %s", e.Err.Code, e.Err.Message)
	}
	return "unknown wallet api error"
}

// Deduct charges points and/or coins from a user's wallet. A rejection for
// lack of funds maps to ErrInsufficientBalance.
func (c *Client) Deduct(ctx context.Context, userID uuid.UUID, points, coins int64, reason string) error {
	return c.adjust(ctx, "/internal/v1/balances/deduct", AdjustBalanceRequest{
		UserID: userID,
		Points: points,
		Coins:  coins,
		Reason: reason,
	})
}

// Credit returns points and/or coins to a user's wallet. Used as the
// compensating action when a redemption fails after the charge.
func (c *Client) Credit(ctx context.Context, userID uuid.UUID, points, coins int64, reason string) error {
	return c.adjust(ctx, "/internal/v1/balances/credit", AdjustBalanceRequest{
		UserID: userID,
		Points: points,
		Coins:  coins,
		Reason: reason,
	})
}

func (c *Client) adjust(ctx context.Context, path string, payload AdjustBalanceRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal balance request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create balance request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-API-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute balance request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read balance response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=wallet_client op=adjust path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		if resp.StatusCode == http.StatusPaymentRequired || errResp.Err.Code == "insufficient_balance" {
			return ErrInsufficientBalance
		}
		log.Printf("level=warn component=wallet_client op=adjust path=%s status=%d code=%q msg=%q", path, resp.StatusCode, errResp.Err.Code, errResp.Err.Message)
		return &errResp
	}

	return nil
}
