package store

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	apperrors "fxcore/pkg/errors"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// PendingIndex maintains the parked pending orders: one hash per order plus
// a sorted index per (symbol, order_type) scored by the user trigger price.
type PendingIndex struct {
	client redis.UniversalClient
	logger core.ILogger
}

func NewPendingIndex(client redis.UniversalClient, logger core.ILogger) *PendingIndex {
	return &PendingIndex{
		client: client,
		logger: logger.WithField("component", "pending_index"),
	}
}

func (s *PendingIndex) Add(ctx context.Context, p *model.PendingOrder) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, pendingOrderKey(p.OrderID), p.ToMap())
	pipe.ZAdd(ctx, pendingIndexKey(p.Symbol, p.OrderType), redis.Z{
		Score:  p.TriggerPrice.InexactFloat64(),
		Member: p.OrderID,
	})
	pipe.SAdd(ctx, pendingActiveSymbolsKey, p.Symbol)
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateTriggerPrice rescores the order in its index and updates the hash.
func (s *PendingIndex) UpdateTriggerPrice(ctx context.Context, orderID string, price decimal.Decimal) error {
	p, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, pendingIndexKey(p.Symbol, p.OrderType), redis.Z{
		Score:  price.InexactFloat64(),
		Member: p.OrderID,
	})
	pipe.HSet(ctx, pendingOrderKey(orderID), "trigger_price", price.String())
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes the hash and the index entry. Removing an unknown order is
// a no-op: cancel paths race with the monitor.
func (s *PendingIndex) Remove(ctx context.Context, orderID string) error {
	p, err := s.Get(ctx, orderID)
	if err == apperrors.ErrOrderNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, pendingIndexKey(p.Symbol, p.OrderType), orderID)
	pipe.Del(ctx, pendingOrderKey(orderID))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *PendingIndex) Get(ctx context.Context, orderID string) (*model.PendingOrder, error) {
	m, err := s.client.HGetAll(ctx, pendingOrderKey(orderID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	return model.PendingFromMap(m)
}

func (s *PendingIndex) Range(ctx context.Context, symbol string, typ model.Side, min, max string, limit int64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, pendingIndexKey(symbol, typ), &redis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: limit,
	}).Result()
}

func (s *PendingIndex) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, pendingActiveSymbolsKey).Result()
}

func (s *PendingIndex) RegisterProviderPending(ctx context.Context, orderID string) error {
	return s.client.SAdd(ctx, providerPendingKey, orderID).Err()
}

func (s *PendingIndex) UnregisterProviderPending(ctx context.Context, orderID string) error {
	return s.client.SRem(ctx, providerPendingKey, orderID).Err()
}

func (s *PendingIndex) ListProviderPending(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, providerPendingKey).Result()
}
