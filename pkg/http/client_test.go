package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 5 * time.Second})

	body, err := client.Get(context.Background(), "/", nil)
	require.NoError(t, err, "request must succeed once the server recovers")
	assert.Equal(t, "success", string(body))
	assert.Equal(t, 3, attempts)
}

func TestClientCircuitBreakerOpens(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 5 * time.Second})

	// Breaker policy is 5 failures out of 10; six failing requests
	// (each retried) are more than enough to trip it.
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	startAttempts := attempts
	_, err := client.Get(context.Background(), "/", nil)
	require.Error(t, err, "open breaker must fail fast")
	assert.Equal(t, startAttempts, attempts, "open breaker must not reach the server")
}

func TestClientSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such group"}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL})

	_, err := client.Get(context.Background(), "/groups/ghost", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "4xx must surface as *APIError")
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "no such group")
}

func TestClientSignsRequests(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, Signer: BearerSigner("s3cret")})

	_, err := client.Get(context.Background(), "/", map[string]string{"symbol": "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
}
