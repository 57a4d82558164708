// Package mock provides in-memory fakes of the core interfaces. MockStore
// stands in for the Redis state plane; the transport fakes record what the
// engine emitted so tests can assert on it.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

// MockStore implements the store-plane interfaces (quotes, orders,
// portfolios, configs, locks, idempotency, acks) on plain maps. Hash records
// are kept in their Redis map form so partial updates behave like HSET.
type MockStore struct {
	mu sync.RWMutex

	staleAfter time.Duration
	quotes     map[string]model.Quote
	quoteErr   error

	users     map[string]map[string]string
	groups    map[string]map[string]string
	followers map[string][]model.UserKey

	canonical map[string]map[string]string
	holdings  map[string]map[string]string
	index     map[string]map[string]struct{}
	holders   map[string]map[string]struct{}
	lookups   map[string]string
	placeErr  error

	portfolios map[string]map[string]string

	locks map[string]time.Time

	idem         map[string]idemEntry
	providerSeen map[string]time.Time

	acks map[string]model.ExecutionReport
}

type idemEntry struct {
	processing bool
	result     []byte
	expires    time.Time
}

func NewMockStore() *MockStore {
	return &MockStore{
		staleAfter:   5 * time.Second,
		quotes:       make(map[string]model.Quote),
		users:        make(map[string]map[string]string),
		groups:       make(map[string]map[string]string),
		followers:    make(map[string][]model.UserKey),
		canonical:    make(map[string]map[string]string),
		holdings:     make(map[string]map[string]string),
		index:        make(map[string]map[string]struct{}),
		holders:      make(map[string]map[string]struct{}),
		lookups:      make(map[string]string),
		portfolios:   make(map[string]map[string]string),
		locks:        make(map[string]time.Time),
		idem:         make(map[string]idemEntry),
		providerSeen: make(map[string]time.Time),
		acks:         make(map[string]model.ExecutionReport),
	}
}

// SetQuote stores a fresh two-sided quote.
func (s *MockStore) SetQuote(symbol string, bid, ask decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = model.Quote{
		Symbol: symbol,
		Bid:    decimal.NullDecimal{Decimal: bid, Valid: true},
		Ask:    decimal.NullDecimal{Decimal: ask, Valid: true},
		TsMs:   time.Now().UnixMilli(),
	}
}

// AgeQuote backdates a stored quote so staleness paths can be exercised.
func (s *MockStore) AgeQuote(symbol string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotes[symbol]
	q.TsMs -= age.Milliseconds()
	s.quotes[symbol] = q
}

func (s *MockStore) SetStaleAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleAfter = d
}

// FailQuotes makes every quote read return err until cleared with nil.
func (s *MockStore) FailQuotes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteErr = err
}

// FailPlacement makes PlaceOrderAtomic return err until cleared with nil.
func (s *MockStore) FailPlacement(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeErr = err
}

func (s *MockStore) SetUserConfig(user model.UserKey, cfg *model.UserConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Tag()] = cfg.ToMap()
}

func (s *MockStore) SetGroupConfig(group, symbol string, g *model.GroupConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupField(group, symbol)] = g.ToMap()
}

func (s *MockStore) SetFollowers(providerID string, users []model.UserKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followers[providerID] = append([]model.UserKey(nil), users...)
}

func groupField(group, symbol string) string { return group + "/" + symbol }

func mergeHash(dst map[string]map[string]string, key string, fields map[string]string) {
	m := dst[key]
	if m == nil {
		m = make(map[string]string, len(fields))
		dst[key] = m
	}
	for k, v := range fields {
		m[k] = v
	}
}

func (s *MockStore) PutPartial(ctx context.Context, u model.QuoteUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotes[u.Symbol]
	q.Symbol = u.Symbol
	if u.Bid.Valid {
		q.Bid = u.Bid
	}
	if u.Ask.Valid {
		q.Ask = u.Ask
	}
	q.TsMs = u.TsMs
	s.quotes[u.Symbol] = q
	return nil
}

func (s *MockStore) PutBatch(ctx context.Context, updates []model.QuoteUpdate) error {
	for _, u := range updates {
		if err := s.PutPartial(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *MockStore) Get(ctx context.Context, symbol string) (model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quoteErr != nil {
		return model.Quote{}, s.quoteErr
	}
	q, ok := s.quotes[symbol]
	if !ok {
		return model.Quote{}, apperrors.ErrNoQuote
	}
	if !q.Fresh(time.Now(), s.staleAfter) {
		return q, apperrors.ErrStaleQuote
	}
	return q, nil
}

func (s *MockStore) MGet(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	now := time.Now()
	out := make(map[string]model.Quote, len(symbols))
	for _, sym := range symbols {
		q, ok := s.quotes[sym]
		if !ok || !q.Fresh(now, s.staleAfter) {
			continue
		}
		out[sym] = q
	}
	return out, nil
}

func (s *MockStore) ScanAll(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.quotes))
	for sym := range s.quotes {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MockStore) GetUserConfig(ctx context.Context, user model.UserKey) (*model.UserConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.users[user.Tag()]
	if !ok || len(m) == 0 {
		return nil, apperrors.ErrUserNotFound
	}
	return model.UserConfigFromMap(m)
}

func (s *MockStore) GetGroupConfig(ctx context.Context, group, symbol string) (*model.GroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.groups[groupField(group, symbol)]
	if !ok || len(m) == 0 {
		return nil, apperrors.ErrMissingGroupData
	}
	return model.GroupConfigFromMap(m)
}

func (s *MockStore) Followers(ctx context.Context, providerID string) ([]model.UserKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.UserKey(nil), s.followers[providerID]...), nil
}

func (s *MockStore) GetPortfolioMap(ctx context.Context, user model.UserKey) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.portfolios[user.Tag()]))
	for k, v := range s.portfolios[user.Tag()] {
		out[k] = v
	}
	return out, nil
}

func (s *MockStore) WritePortfolio(ctx context.Context, user model.UserKey, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeHash(s.portfolios, user.Tag(), p.ToMap())
	return nil
}

func (s *MockStore) UpdateMarginTotals(ctx context.Context, user model.UserKey, totals model.MarginTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeHash(s.portfolios, user.Tag(), map[string]string{
		"used_margin_executed": totals.Executed.String(),
		"used_margin_all":      totals.All.String(),
	})
	return nil
}
