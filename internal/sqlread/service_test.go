package sqlread

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	fxhttp "fxcore/pkg/http"
	"fxcore/pkg/logging"
)

func newTestService(baseURL string) *Service {
	return NewService(config.SQLFallbackConfig{
		BaseURL:          baseURL,
		Token:            "gateway-token",
		TimeoutMs:        2000,
		MaxRetries:       1,
		FailureThreshold: 5,
	}, logging.NewNop())
}

func TestFetchGroupConfigDecodesGatewayRow(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		// SQL columns come back as bare numbers, not Redis-style strings.
		_, _ = w.Write([]byte(`{
			"contract_size": 100000,
			"profit_currency": "USD",
			"type": 1,
			"spread": "20",
			"spread_pip": "0.00001",
			"group_margin": null
		}`))
	}))
	defer server.Close()

	svc := newTestService(server.URL)
	require.True(t, svc.Enabled())

	gcfg, err := svc.FetchGroupConfig(context.Background(), "Standard", "EURUSD")
	require.NoError(t, err)

	assert.Equal(t, "/groups/Standard/symbols/EURUSD", gotPath)
	assert.Equal(t, "Bearer gateway-token", gotAuth)
	assert.True(t, gcfg.ContractSize.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, "USD", gcfg.ProfitCurrency)
	assert.True(t, gcfg.Spread.Equal(decimal.NewFromInt(20)))
	assert.False(t, gcfg.GroupMargin.Valid, "null column must stay absent")
	assert.True(t, gcfg.Complete())
}

func TestFetchOrderContextReturnsFields(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		assert.Equal(t, "/orders/ord-77/context", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account_ref":"ACC-9","desk":"emerging","note":null}`))
	}))
	defer server.Close()

	svc := newTestService(server.URL)

	fields, err := svc.FetchOrderContext(context.Background(), "ord-77")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"account_ref": "ACC-9", "desk": "emerging"}, fields)
}

func TestDisabledServiceRefusesFetches(t *testing.T) {
	svc := NewService(config.SQLFallbackConfig{}, logging.NewNop())

	assert.False(t, svc.Enabled())

	_, err := svc.FetchGroupConfig(context.Background(), "Standard", "EURUSD")
	require.Error(t, err)
	_, err = svc.FetchOrderContext(context.Background(), "ord-1")
	require.Error(t, err)
}

func TestFetchGroupConfigPropagatesAPIError(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown group"}`))
	}))
	defer server.Close()

	svc := newTestService(server.URL)

	_, err := svc.FetchGroupConfig(context.Background(), "Ghost", "EURUSD")
	require.Error(t, err)

	var apiErr *fxhttp.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, nethttp.StatusNotFound, apiErr.StatusCode)
}
