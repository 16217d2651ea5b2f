package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// BaseURL is the Razorpay API base URL
	BaseURL = "https://api.razorpay.com"
	// DefaultTimeout bounds every order-creation call; a timed-out issuance
	// leaves the enrollment in pending and is safe to retry.
	DefaultTimeout = 15 * time.Second
)

// Client handles Razorpay API interactions. Only order creation is consumed by
// this service; payment completion arrives through the browser callback and is
// verified locally against the shared secret.
type Client struct {
	keyID      string
	keySecret  string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Razorpay client
type Config struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Timeout   time.Duration
}

// NewClient creates a new Razorpay API client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &Client{
		keyID:     config.KeyID,
		keySecret: config.KeySecret,
		baseURL:   config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// KeyID returns the public key id the browser SDK needs to open the checkout
func (c *Client) KeyID() string {
	return c.keyID
}

// CreateOrderRequest is the payload for creating a gateway order
type CreateOrderRequest struct {
	AmountMinorUnits int64             `json:"amount"` // always minor units (paise)
	Currency         string            `json:"currency"`
	Receipt          string            `json:"receipt,omitempty"`
	Notes            map[string]string `json:"notes,omitempty"`
}

// Order is a gateway-side reservation of an expected payment
type Order struct {
	ID               string `json:"id"`
	AmountMinorUnits int64  `json:"amount"`
	Currency         string `json:"currency"`
	Receipt          string `json:"receipt"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"created_at"`
}

// APIError is a non-2xx response from the gateway
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("razorpay: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// CreateOrder creates an order at the gateway. The returned order id must be
// persisted locally before it is handed to the browser, otherwise the later
// completion payload cannot be verified.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("order creation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read order response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope errorEnvelope
		if err := json.Unmarshal(respBody, &envelope); err == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}

	var order Order
	if err := json.Unmarshal(respBody, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	return &order, nil
}
