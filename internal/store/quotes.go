package store

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "fxcore/pkg/errors"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// QuoteStore is the per-symbol top-of-book store. Writes are partial merges
// into the symbol hash; reads suppress records older than the staleness
// window.
type QuoteStore struct {
	client     redis.UniversalClient
	staleAfter time.Duration
	logger     core.ILogger
}

func NewQuoteStore(client redis.UniversalClient, staleAfter time.Duration, logger core.ILogger) *QuoteStore {
	return &QuoteStore{
		client:     client,
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "quote_store"),
	}
}

// PutPartial merges one side (or both) into the symbol record, preserving
// the untouched side.
func (s *QuoteStore) PutPartial(ctx context.Context, u model.QuoteUpdate) error {
	fields := u.ToMap()
	if len(fields) == 0 {
		return nil
	}
	return s.client.HSet(ctx, marketKey(u.Symbol), fields).Err()
}

// PutBatch writes a batch of updates in one pipeline. Partial failures are
// reported as a single error; the listener retries the whole batch.
func (s *QuoteStore) PutBatch(ctx context.Context, updates []model.QuoteUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, u := range updates {
		fields := u.ToMap()
		if len(fields) == 0 {
			continue
		}
		pipe.HSet(ctx, marketKey(u.Symbol), fields)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the quote for a symbol. Missing records return ErrNoQuote;
// records older than the staleness window return the parsed quote together
// with ErrStaleQuote so callers can still inspect the last known book.
func (s *QuoteStore) Get(ctx context.Context, symbol string) (model.Quote, error) {
	m, err := s.client.HGetAll(ctx, marketKey(symbol)).Result()
	if err != nil {
		return model.Quote{}, err
	}
	if len(m) == 0 {
		return model.Quote{}, apperrors.ErrNoQuote
	}
	q := model.QuoteFromMap(symbol, m)
	if !q.Fresh(time.Now(), s.staleAfter) {
		return q, apperrors.ErrStaleQuote
	}
	return q, nil
}

// MGet fetches many symbols in one pipeline. Stale or missing entries are
// dropped individually; the caller sees only usable quotes.
func (s *QuoteStore) MGet(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	if len(symbols) == 0 {
		return map[string]model.Quote{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(symbols))
	for i, sym := range symbols {
		cmds[i] = pipe.HGetAll(ctx, marketKey(sym))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make(map[string]model.Quote, len(symbols))
	for i, sym := range symbols {
		m, err := cmds[i].Result()
		if err != nil || len(m) == 0 {
			continue
		}
		q := model.QuoteFromMap(sym, m)
		if !q.Fresh(now, s.staleAfter) {
			continue
		}
		out[sym] = q
	}
	return out, nil
}

// ScanAll enumerates every known symbol.
func (s *QuoteStore) ScanAll(ctx context.Context) ([]string, error) {
	var symbols []string
	iter := s.client.Scan(ctx, 0, "market:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sym := strings.TrimSuffix(strings.TrimPrefix(key, "market:{"), "}")
		if sym != "" && sym != key {
			symbols = append(symbols, sym)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return symbols, nil
}
