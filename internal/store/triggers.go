package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// TriggerIndex maintains the scored SL/TP sorted sets scanned on every
// tick. Scores carry the half-spread fold so the scan compares raw feed
// prices directly.
type TriggerIndex struct {
	client redis.UniversalClient
	logger core.ILogger
}

func NewTriggerIndex(client redis.UniversalClient, logger core.ILogger) *TriggerIndex {
	return &TriggerIndex{
		client: client,
		logger: logger.WithField("component", "trigger_index"),
	}
}

func (s *TriggerIndex) Add(ctx context.Context, t model.Trigger) error {
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, triggerIndexKey(t.Kind, t.Symbol, t.Side), redis.Z{
		Score:  t.Score.InexactFloat64(),
		Member: t.OrderID,
	})
	pipe.SAdd(ctx, triggerActiveSymbolsKey, t.Symbol)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *TriggerIndex) Remove(ctx context.Context, symbol string, side model.Side, kind model.TriggerKind, orderID string) error {
	return s.client.ZRem(ctx, triggerIndexKey(kind, symbol, side), orderID).Err()
}

// Range returns fireable order ids in score order, capped at limit.
func (s *TriggerIndex) Range(ctx context.Context, symbol string, side model.Side, kind model.TriggerKind, min, max string, limit int64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, triggerIndexKey(kind, symbol, side), &redis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: limit,
	}).Result()
}

func (s *TriggerIndex) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, triggerActiveSymbolsKey).Result()
}
