package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "fxcore/pkg/errors"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// lifecycle lookups outlive their orders as weak references; bound them
const lookupTTL = 7 * 24 * time.Hour

// placeOrderScriptSrc performs the single-slot placement: assert the user
// exists, assert the order does not, write the holdings hash, write the
// recomputed margin totals. KEYS = {user config, holding, portfolio}, all
// hash-tagged on the same user tag. ARGV[1..2] = margin totals, ARGV[3..] =
// flattened order field pairs.
const placeOrderScriptSrc = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'user_not_found'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 'order_exists'
end
redis.call('HSET', KEYS[2], unpack(ARGV, 3, #ARGV))
redis.call('HSET', KEYS[3], 'used_margin_executed', ARGV[1], 'used_margin_all', ARGV[2])
return 'OK'
`

var placeOrderScript = redis.NewScript(placeOrderScriptSrc)

// OrderStore owns the canonical order table, the per-user holdings view,
// the membership indexes, and the lifecycle-id lookup.
type OrderStore struct {
	client redis.UniversalClient
	logger core.ILogger
}

func NewOrderStore(client redis.UniversalClient, logger core.ILogger) *OrderStore {
	return &OrderStore{
		client: client,
		logger: logger.WithField("component", "order_store"),
	}
}

func (s *OrderStore) PlaceOrderAtomic(ctx context.Context, o *model.Order, totals model.MarginTotals) error {
	user := o.User()
	keys := []string{
		userConfigKey(user),
		holdingKey(user, o.OrderID),
		portfolioKey(user),
	}

	fields := o.ToMap()
	args := make([]interface{}, 0, 2+2*len(fields))
	args = append(args, totals.Executed.String(), totals.All.String())
	for k, v := range fields {
		args = append(args, k, v)
	}

	res, err := placeOrderScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		if isCrossSlot(err) {
			return apperrors.ErrInconsistentHashTags
		}
		if isScriptingUnavailable(err) {
			s.logger.Warn("Scripting unavailable, using ordered fallback", "order_id", o.OrderID)
			return s.placeOrderFallback(ctx, o, totals)
		}
		return fmt.Errorf("placement script failed: %w", err)
	}

	switch res {
	case "OK":
		return nil
	case "user_not_found":
		return apperrors.ErrUserNotFound
	case "order_exists":
		return apperrors.ErrOrderExists
	default:
		return fmt.Errorf("unexpected placement result: %v", res)
	}
}

// placeOrderFallback is the non-atomic ordered sequence: write order hash,
// update index, update portfolio, with explicit cleanup on failure.
func (s *OrderStore) placeOrderFallback(ctx context.Context, o *model.Order, totals model.MarginTotals) error {
	user := o.User()

	exists, err := s.client.Exists(ctx, userConfigKey(user)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return apperrors.ErrUserNotFound
	}
	exists, err = s.client.Exists(ctx, holdingKey(user, o.OrderID)).Result()
	if err != nil {
		return err
	}
	if exists == 1 {
		return apperrors.ErrOrderExists
	}

	if err := s.client.HSet(ctx, holdingKey(user, o.OrderID), o.ToMap()).Err(); err != nil {
		return fmt.Errorf("fallback holding write failed: %w", err)
	}
	if err := s.client.SAdd(ctx, orderIndexKey(user), o.OrderID).Err(); err != nil {
		s.client.Del(ctx, holdingKey(user, o.OrderID))
		return fmt.Errorf("fallback index write failed: %w", err)
	}
	err = s.client.HSet(ctx, portfolioKey(user),
		"used_margin_executed", totals.Executed.String(),
		"used_margin_all", totals.All.String(),
	).Err()
	if err != nil {
		s.client.SRem(ctx, orderIndexKey(user), o.OrderID)
		s.client.Del(ctx, holdingKey(user, o.OrderID))
		return fmt.Errorf("fallback portfolio write failed: %w", err)
	}
	return nil
}

func (s *OrderStore) SaveCanonical(ctx context.Context, o *model.Order) error {
	return s.client.HSet(ctx, orderDataKey(o.OrderID), o.ToMap()).Err()
}

func (s *OrderStore) GetCanonical(ctx context.Context, orderID string) (*model.Order, error) {
	m, err := s.client.HGetAll(ctx, orderDataKey(orderID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	return model.OrderFromMap(m)
}

func (s *OrderStore) UpdateCanonicalFields(ctx context.Context, orderID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HSet(ctx, orderDataKey(orderID), fields).Err()
}

func (s *OrderStore) DeleteCanonical(ctx context.Context, orderID string) error {
	return s.client.Del(ctx, orderDataKey(orderID)).Err()
}

func (s *OrderStore) SaveHolding(ctx context.Context, o *model.Order) error {
	return s.client.HSet(ctx, holdingKey(o.User(), o.OrderID), o.ToMap()).Err()
}

func (s *OrderStore) GetHolding(ctx context.Context, user model.UserKey, orderID string) (*model.Order, error) {
	m, err := s.client.HGetAll(ctx, holdingKey(user, orderID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	return model.OrderFromMap(m)
}

func (s *OrderStore) UpdateHoldingFields(ctx context.Context, user model.UserKey, orderID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HSet(ctx, holdingKey(user, orderID), fields).Err()
}

func (s *OrderStore) DeleteHolding(ctx context.Context, user model.UserKey, orderID string) error {
	return s.client.Del(ctx, holdingKey(user, orderID)).Err()
}

// ListOpenOrders loads every order in the user's index. Unparseable or
// vanished entries are skipped with a warning; placement and close keep the
// index consistent, so leftovers are transient.
func (s *OrderStore) ListOpenOrders(ctx context.Context, user model.UserKey) ([]*model.Order, error) {
	ids, err := s.client.SMembers(ctx, orderIndexKey(user)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, holdingKey(user, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	orders := make([]*model.Order, 0, len(ids))
	for i, id := range ids {
		m, err := cmds[i].Result()
		if err != nil || len(m) == 0 {
			continue
		}
		o, err := model.OrderFromMap(m)
		if err != nil {
			s.logger.Warn("Skipping unparseable holding", "user", user.Tag(), "order_id", id, "error", err)
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *OrderStore) AddToOrderIndex(ctx context.Context, user model.UserKey, orderID string) error {
	return s.client.SAdd(ctx, orderIndexKey(user), orderID).Err()
}

func (s *OrderStore) RemoveFromOrderIndex(ctx context.Context, user model.UserKey, orderID string) error {
	return s.client.SRem(ctx, orderIndexKey(user), orderID).Err()
}

func (s *OrderStore) AddSymbolHolder(ctx context.Context, symbol string, user model.UserKey) error {
	return s.client.SAdd(ctx, symbolHoldersKey(symbol, user.Type), user.Tag()).Err()
}

func (s *OrderStore) RemoveSymbolHolder(ctx context.Context, symbol string, user model.UserKey) error {
	return s.client.SRem(ctx, symbolHoldersKey(symbol, user.Type), user.Tag()).Err()
}

func (s *OrderStore) SymbolHolders(ctx context.Context, symbol string, ut model.UserType) ([]model.UserKey, error) {
	tags, err := s.client.SMembers(ctx, symbolHoldersKey(symbol, ut)).Result()
	if err != nil {
		return nil, err
	}
	users := make([]model.UserKey, 0, len(tags))
	for _, tag := range tags {
		u, err := model.ParseUserKey(tag)
		if err != nil {
			s.logger.Warn("Skipping malformed holder tag", "symbol", symbol, "tag", tag)
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *OrderStore) SetLifecycleLookup(ctx context.Context, lifecycleID, orderID string) error {
	return s.client.Set(ctx, lifecycleLookupKey(lifecycleID), orderID, lookupTTL).Err()
}

func (s *OrderStore) ResolveLifecycle(ctx context.Context, id string) (string, error) {
	val, err := s.client.Get(ctx, lifecycleLookupKey(id)).Result()
	if err == redis.Nil {
		// ids without a lookup resolve to themselves
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func isCrossSlot(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CROSSSLOT")
}

func isScriptingUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unknown command") || strings.Contains(msg, "NOSCRIPT")
}
