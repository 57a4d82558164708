package mock

import (
	"context"
	"sort"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

func holdingField(user model.UserKey, orderID string) string {
	return user.Tag() + "/" + orderID
}

func holderField(symbol string, ut model.UserType) string {
	return symbol + "/" + string(ut)
}

// PlaceOrderAtomic mirrors the placement script: assert the user exists and
// the order does not, write the holding hash, write the margin totals.
func (s *MockStore) PlaceOrderAtomic(ctx context.Context, o *model.Order, totals model.MarginTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return s.placeErr
	}
	user := o.User()
	if _, ok := s.users[user.Tag()]; !ok {
		return apperrors.ErrUserNotFound
	}
	hk := holdingField(user, o.OrderID)
	if _, ok := s.holdings[hk]; ok {
		return apperrors.ErrOrderExists
	}
	s.holdings[hk] = o.ToMap()
	mergeHash(s.portfolios, user.Tag(), map[string]string{
		"used_margin_executed": totals.Executed.String(),
		"used_margin_all":      totals.All.String(),
	})
	return nil
}

func (s *MockStore) SaveCanonical(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeHash(s.canonical, o.OrderID, o.ToMap())
	return nil
}

func (s *MockStore) GetCanonical(ctx context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.canonical[orderID]
	if !ok || len(m) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	return model.OrderFromMap(m)
}

func (s *MockStore) UpdateCanonicalFields(ctx context.Context, orderID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeHash(s.canonical, orderID, fields)
	return nil
}

func (s *MockStore) DeleteCanonical(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.canonical, orderID)
	return nil
}

func (s *MockStore) SaveHolding(ctx context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeHash(s.holdings, holdingField(o.User(), o.OrderID), o.ToMap())
	return nil
}

func (s *MockStore) GetHolding(ctx context.Context, user model.UserKey, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.holdings[holdingField(user, orderID)]
	if !ok || len(m) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	return model.OrderFromMap(m)
}

func (s *MockStore) UpdateHoldingFields(ctx context.Context, user model.UserKey, orderID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeHash(s.holdings, holdingField(user, orderID), fields)
	return nil
}

func (s *MockStore) DeleteHolding(ctx context.Context, user model.UserKey, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holdings, holdingField(user, orderID))
	return nil
}

func (s *MockStore) ListOpenOrders(ctx context.Context, user model.UserKey) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.index[user.Tag()]))
	for id := range s.index[user.Tag()] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*model.Order, 0, len(ids))
	for _, id := range ids {
		m, ok := s.holdings[holdingField(user, id)]
		if !ok || len(m) == 0 {
			continue
		}
		o, err := model.OrderFromMap(m)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *MockStore) AddToOrderIndex(ctx context.Context, user model.UserKey, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.index[user.Tag()]
	if set == nil {
		set = make(map[string]struct{})
		s.index[user.Tag()] = set
	}
	set[orderID] = struct{}{}
	return nil
}

func (s *MockStore) RemoveFromOrderIndex(ctx context.Context, user model.UserKey, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index[user.Tag()], orderID)
	return nil
}

func (s *MockStore) AddSymbolHolder(ctx context.Context, symbol string, user model.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := holderField(symbol, user.Type)
	set := s.holders[key]
	if set == nil {
		set = make(map[string]struct{})
		s.holders[key] = set
	}
	set[user.Tag()] = struct{}{}
	return nil
}

func (s *MockStore) RemoveSymbolHolder(ctx context.Context, symbol string, user model.UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holders[holderField(symbol, user.Type)], user.Tag())
	return nil
}

func (s *MockStore) SymbolHolders(ctx context.Context, symbol string, ut model.UserType) ([]model.UserKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.holders[holderField(symbol, ut)]))
	for tag := range s.holders[holderField(symbol, ut)] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	out := make([]model.UserKey, 0, len(tags))
	for _, tag := range tags {
		k, err := model.ParseUserKey(tag)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (s *MockStore) SetLifecycleLookup(ctx context.Context, lifecycleID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups[lifecycleID] = orderID
	return nil
}

func (s *MockStore) ResolveLifecycle(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if target, ok := s.lookups[id]; ok {
		return target, nil
	}
	return id, nil
}
