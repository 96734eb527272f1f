// Package payment is the HTTP client for the external payment hold provider.
// Every call is bounded by a timeout and guarded by a circuit breaker so a
// slow or failing provider surfaces as a fast, retryable error.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/honeynil/TradeCustodyService/internal/infrastructure/observability"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrUnavailable = stderrors.New("payment provider unavailable")

// ProviderError is a definitive rejection returned by the provider (4xx).
// It does not count against the circuit breaker.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider rejected request (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var perr *ProviderError
			return err == nil || stderrors.As(err, &perr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{},
		breaker: breaker,
	}
}

type holdRequest struct {
	Amount   decimal.Decimal   `json:"amount"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type holdResponse struct {
	HoldID string `json:"hold_id"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateHold authorizes amount without transferring it.
func (c *Client) CreateHold(ctx context.Context, amount decimal.Decimal, metadata map[string]string) (string, error) {
	var resp holdResponse
	err := c.call(ctx, "create_hold", "/holds", holdRequest{Amount: amount, Metadata: metadata}, &resp)
	if err != nil {
		return "", err
	}
	if resp.HoldID == "" {
		return "", fmt.Errorf("%w: empty hold id in response", ErrUnavailable)
	}
	return resp.HoldID, nil
}

// Capture converts an authorized hold into a charge.
func (c *Client) Capture(ctx context.Context, holdID string, amount decimal.Decimal) error {
	return c.call(ctx, "capture", "/holds/"+url.PathEscape(holdID)+"/capture", amountRequest{Amount: amount}, nil)
}

// CancelOrRefund voids an uncaptured hold, or refunds amount of a captured one.
func (c *Client) CancelOrRefund(ctx context.Context, holdID string, amount decimal.Decimal) error {
	return c.call(ctx, "cancel_or_refund", "/holds/"+url.PathEscape(holdID)+"/cancel-or-refund", amountRequest{Amount: amount}, nil)
}

func (c *Client) call(ctx context.Context, operation, path string, body, out any) (err error) {
	tracer := otel.Tracer("payment-client")
	ctx, span := tracer.Start(ctx, operation)
	span.SetAttributes(attribute.String("payment.path", path))
	defer span.End()

	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.PaymentCalls.WithLabelValues(operation, status).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, body, out)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		slog.Error("payment provider circuit open", "method", operation, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		slog.Error("payment provider call failed", "method", operation, "path", path, "error", err)
		return err
	}
	slog.Info("payment provider call succeeded", "method", operation, "path", path)
	return nil
}

func (c *Client) do(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var perr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &perr)
		return &ProviderError{StatusCode: resp.StatusCode, Code: perr.Code, Message: perr.Message}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
		}
	}
	return nil
}
