// Package gateway is the outbound client for the payment gateway's transfer API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/rs/zerolog"
)

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the transfer API location and retry policy.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration // per attempt
	MaxRetries   int
	RetryBackoff time.Duration // doubled after every attempt
}

// Client implements ports.PayoutGateway.
type Client struct {
	cfg  Config
	http HTTPClient
	log  zerolog.Logger
}

// NewClient creates a gateway client. A nil httpClient uses http.DefaultClient.
func NewClient(cfg Config, httpClient HTTPClient, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, log: log}
}

type transferBody struct {
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Metadata    map[string]string `json:"metadata"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateTransfer posts a transfer. The idempotency token goes in the
// Idempotency-Key header, so every retry names the same transfer.
//
// Transport errors, 409, 429 and 5xx are retried; once retries run out the
// error wraps domain.ErrGatewayUnavailable. Any other 4xx is a
// *domain.TransferRejectedError and is not retried.
func (c *Client) CreateTransfer(ctx context.Context, req ports.TransferRequest) (*ports.TransferResult, error) {
	payload, err := json.Marshal(transferBody{
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Destination: req.Destination,
		Metadata:    map[string]string{"payment_id": req.PaymentID.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.cfg.RetryBackoff << (attempt - 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, ctx.Err())
			}
		}

		res, retry, err := c.attempt(ctx, req.IdempotencyToken, payload)
		if err == nil {
			c.log.Info().
				Str("payment_id", req.PaymentID.String()).
				Str("transfer_ref", res.TransferRef).
				Int("attempt", attempt+1).
				Msg("gateway: transfer created")
			return res, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
		c.log.Warn().Err(err).
			Str("payment_id", req.PaymentID.String()).
			Int("attempt", attempt+1).
			Msg("gateway: transfer attempt failed")
	}

	c.log.Error().Err(lastErr).Str("payment_id", req.PaymentID.String()).Msg("gateway: all retry attempts exhausted")
	return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, lastErr)
}

// attempt reports whether a failure may be retried.
func (c *Client) attempt(ctx context.Context, token string, payload []byte) (*ports.TransferResult, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Idempotency-Key", token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read transfer response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tr transferResponse
		if err := json.Unmarshal(body, &tr); err != nil || tr.ID == "" {
			return nil, true, fmt.Errorf("malformed transfer response (status %d)", resp.StatusCode)
		}
		return &ports.TransferResult{TransferRef: tr.ID, Status: tr.Status}, false, nil

	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var er errorResponse
	_ = json.Unmarshal(body, &er)
	rejected := &domain.TransferRejectedError{Code: er.Error.Code, Message: er.Error.Message}
	if rejected.Code == "" {
		rejected.Code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	return nil, false, rejected
}
