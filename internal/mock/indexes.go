package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

// zset is a score-ordered member set mirroring ZRANGEBYSCORE for the
// inclusive bounds the monitors use ("-inf", "+inf", plain numbers).
type zset map[string]decimal.Decimal

func (z zset) rangeByScore(min, max string, limit int64) []string {
	type entry struct {
		member string
		score  decimal.Decimal
	}
	entries := make([]entry, 0, len(z))
	for member, score := range z {
		if !scoreInBound(score, min, max) {
			continue
		}
		entries = append(entries, entry{member, score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score.Equal(entries[j].score) {
			return entries[i].member < entries[j].member
		}
		return entries[i].score.LessThan(entries[j].score)
	})
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	members := make([]string, len(entries))
	for i, e := range entries {
		members[i] = e.member
	}
	return members
}

func scoreInBound(score decimal.Decimal, min, max string) bool {
	if min != "-inf" {
		b, err := decimal.NewFromString(min)
		if err != nil || score.LessThan(b) {
			return false
		}
	}
	if max != "+inf" {
		b, err := decimal.NewFromString(max)
		if err != nil || score.GreaterThan(b) {
			return false
		}
	}
	return true
}

// MockTriggerIndex implements core.ITriggerIndex on in-memory sorted sets.
type MockTriggerIndex struct {
	mu      sync.Mutex
	sets    map[string]zset
	symbols map[string]struct{}
}

func NewMockTriggerIndex() *MockTriggerIndex {
	return &MockTriggerIndex{
		sets:    make(map[string]zset),
		symbols: make(map[string]struct{}),
	}
}

func triggerField(symbol string, side model.Side, kind model.TriggerKind) string {
	return symbol + "/" + string(side) + "/" + string(kind)
}

func (m *MockTriggerIndex) Add(ctx context.Context, t model.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := triggerField(t.Symbol, t.Side, t.Kind)
	z := m.sets[key]
	if z == nil {
		z = make(zset)
		m.sets[key] = z
	}
	z[t.OrderID] = t.Score
	m.symbols[t.Symbol] = struct{}{}
	return nil
}

func (m *MockTriggerIndex) Remove(ctx context.Context, symbol string, side model.Side, kind model.TriggerKind, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[triggerField(symbol, side, kind)], orderID)
	return nil
}

func (m *MockTriggerIndex) Range(ctx context.Context, symbol string, side model.Side, kind model.TriggerKind, min, max string, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[triggerField(symbol, side, kind)].rangeByScore(min, max, limit), nil
}

func (m *MockTriggerIndex) ActiveSymbols(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.symbols))
	for sym := range m.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// MockPendingIndex implements core.IPendingIndex on in-memory sorted sets
// plus a hash per parked order.
type MockPendingIndex struct {
	mu       sync.Mutex
	sets     map[string]zset
	docs     map[string]map[string]string
	symbols  map[string]struct{}
	provider map[string]struct{}
}

func NewMockPendingIndex() *MockPendingIndex {
	return &MockPendingIndex{
		sets:     make(map[string]zset),
		docs:     make(map[string]map[string]string),
		symbols:  make(map[string]struct{}),
		provider: make(map[string]struct{}),
	}
}

func pendingField(symbol string, typ model.Side) string {
	return symbol + "/" + string(typ)
}

func (m *MockPendingIndex) Add(ctx context.Context, p *model.PendingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pendingField(p.Symbol, p.OrderType)
	z := m.sets[key]
	if z == nil {
		z = make(zset)
		m.sets[key] = z
	}
	z[p.OrderID] = p.TriggerPrice
	m.docs[p.OrderID] = p.ToMap()
	m.symbols[p.Symbol] = struct{}{}
	return nil
}

func (m *MockPendingIndex) UpdateTriggerPrice(ctx context.Context, orderID string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if z := m.sets[pendingField(doc["symbol"], model.Side(doc["order_type"]))]; z != nil {
		z[orderID] = price
	}
	doc["trigger_price"] = price.String()
	return nil
}

// Remove is a no-op for unknown ids, matching the store: cancel paths race
// with the monitor.
func (m *MockPendingIndex) Remove(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[orderID]
	if !ok {
		return nil
	}
	delete(m.sets[pendingField(doc["symbol"], model.Side(doc["order_type"]))], orderID)
	delete(m.docs, orderID)
	return nil
}

func (m *MockPendingIndex) Get(ctx context.Context, orderID string) (*model.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	return model.PendingFromMap(doc)
}

func (m *MockPendingIndex) Range(ctx context.Context, symbol string, typ model.Side, min, max string, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[pendingField(symbol, typ)].rangeByScore(min, max, limit), nil
}

func (m *MockPendingIndex) ActiveSymbols(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.symbols))
	for sym := range m.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MockPendingIndex) RegisterProviderPending(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider[orderID] = struct{}{}
	return nil
}

func (m *MockPendingIndex) UnregisterProviderPending(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.provider, orderID)
	return nil
}

func (m *MockPendingIndex) ListProviderPending(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.provider))
	for id := range m.provider {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
