// Package sqlread is the read-only HTTP face of the SQL database. Redis
// hashes are canonical; this gateway backfills group config and order
// context when a hash is missing or incomplete.
package sqlread

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	"fxcore/pkg/http"
)

// Service implements core.ISQLReadService over the resilient HTTP client.
// An empty base URL leaves it permanently disabled.
type Service struct {
	cfg    config.SQLFallbackConfig
	client *http.Client
	logger core.ILogger
}

func NewService(cfg config.SQLFallbackConfig, logger core.ILogger) *Service {
	var signer http.Signer
	if cfg.Token != "" {
		signer = http.BearerSigner(string(cfg.Token))
	}
	client := http.NewClient(http.ClientConfig{
		BaseURL:          cfg.BaseURL,
		Timeout:          time.Duration(cfg.TimeoutMs) * time.Millisecond,
		MaxRetries:       cfg.MaxRetries,
		FailureThreshold: cfg.FailureThreshold,
		Signer:           signer,
	})
	return &Service{
		cfg:    cfg,
		client: client,
		logger: logger.WithField("component", "sql_read"),
	}
}

func (s *Service) Enabled() bool {
	return s.cfg.BaseURL != ""
}

// FetchGroupConfig reads the per (group, symbol) pricing record. The
// gateway returns the same string fields as the Redis hash, so the two
// sources decode through one path.
func (s *Service) FetchGroupConfig(ctx context.Context, group, symbol string) (*model.GroupConfig, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("sql fallback disabled")
	}

	path := fmt.Sprintf("/groups/%s/symbols/%s", url.PathEscape(group), url.PathEscape(symbol))
	body, err := s.client.Get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch group config %s/%s: %w", group, symbol, err)
	}

	fields, err := decodeFields(body)
	if err != nil {
		return nil, fmt.Errorf("decode group config %s/%s: %w", group, symbol, err)
	}

	gcfg, err := model.GroupConfigFromMap(fields)
	if err != nil {
		return nil, fmt.Errorf("group config %s/%s: %w", group, symbol, err)
	}
	s.logger.Debug("Group config fetched from SQL gateway", "group", group, "symbol", symbol)
	return gcfg, nil
}

// FetchOrderContext reads the auxiliary fields of an order the close path
// wants on the report but Redis no longer holds.
func (s *Service) FetchOrderContext(ctx context.Context, orderID string) (map[string]string, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("sql fallback disabled")
	}

	path := fmt.Sprintf("/orders/%s/context", url.PathEscape(orderID))
	body, err := s.client.Get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch order context %s: %w", orderID, err)
	}

	fields, err := decodeFields(body)
	if err != nil {
		return nil, fmt.Errorf("decode order context %s: %w", orderID, err)
	}
	return fields, nil
}

// decodeFields tolerates numeric JSON values: the gateway serializes from
// SQL columns, so numbers arrive unquoted while Redis keeps everything as
// strings.
func decodeFields(body []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			fields[k] = str
			continue
		}
		if string(v) == "null" {
			continue
		}
		fields[k] = string(v)
	}
	return fields, nil
}
