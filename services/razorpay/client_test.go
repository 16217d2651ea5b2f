package razorpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/orders", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "rzp_test_key", user)
		require.Equal(t, "rzp_test_secret", pass)

		var req CreateOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(50000), req.AmountMinorUnits)
		require.Equal(t, "INR", req.Currency)

		json.NewEncoder(w).Encode(Order{
			ID:               "order_abc123",
			AmountMinorUnits: req.AmountMinorUnits,
			Currency:         req.Currency,
			Receipt:          req.Receipt,
			Status:           "created",
		})
	}))
	defer server.Close()

	client := NewClient(Config{
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_test_secret",
		BaseURL:   server.URL,
	})

	order, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		AmountMinorUnits: 50000,
		Currency:         "INR",
		Receipt:          "rcpt_1",
	})
	require.NoError(t, err)
	require.Equal(t, "order_abc123", order.ID)
	require.Equal(t, int64(50000), order.AmountMinorUnits)
	require.Equal(t, "INR", order.Currency)
}

func TestCreateOrderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","message":"amount must be at least 100"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_test_secret",
		BaseURL:   server.URL,
	})

	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		AmountMinorUnits: 1,
		Currency:         "INR",
	})
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "BAD_REQUEST_ERROR", apiErr.Code)
}

func TestCreateOrderRespectsContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(Config{
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_test_secret",
		BaseURL:   server.URL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.CreateOrder(ctx, CreateOrderRequest{
		AmountMinorUnits: 50000,
		Currency:         "INR",
	})
	require.Error(t, err)
}
