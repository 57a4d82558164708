package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"fxcore/internal/model"
)

// LockStore provides the cross-process SET NX locks and sentinels.
type LockStore struct {
	client redis.UniversalClient
}

func NewLockStore(client redis.UniversalClient) *LockStore {
	return &LockStore{client: client}
}

func (s *LockStore) acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, "1", ttl).Result()
}

func (s *LockStore) AcquireUserMargin(ctx context.Context, user model.UserKey, ttl time.Duration) (bool, error) {
	return s.acquire(ctx, userMarginLockKey(user), ttl)
}

func (s *LockStore) ReleaseUserMargin(ctx context.Context, user model.UserKey) error {
	return s.client.Del(ctx, userMarginLockKey(user)).Err()
}

func (s *LockStore) AcquireCloseProcessing(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return s.acquire(ctx, closeProcessingKey(orderID), ttl)
}

func (s *LockStore) ReleaseCloseProcessing(ctx context.Context, orderID string) error {
	return s.client.Del(ctx, closeProcessingKey(orderID)).Err()
}

func (s *LockStore) AcquirePendingLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return s.acquire(ctx, pendingLockKey(orderID), ttl)
}

func (s *LockStore) ReleasePendingLock(ctx context.Context, orderID string) error {
	return s.client.Del(ctx, pendingLockKey(orderID)).Err()
}

func (s *LockStore) AcquireAlertSentinel(ctx context.Context, user model.UserKey, ttl time.Duration) (bool, error) {
	return s.acquire(ctx, alertSentinelKey(user), ttl)
}

func (s *LockStore) ClearAlertSentinel(ctx context.Context, user model.UserKey) error {
	return s.client.Del(ctx, alertSentinelKey(user)).Err()
}

// AcquireLiquidationSentinel has no TTL: the safe-zone path clears stuck
// sentinels when the user recovers.
func (s *LockStore) AcquireLiquidationSentinel(ctx context.Context, user model.UserKey) (bool, error) {
	return s.client.SetNX(ctx, liquidatingSentinelKey(user), "1", 0).Result()
}

func (s *LockStore) ClearLiquidationSentinel(ctx context.Context, user model.UserKey) error {
	return s.client.Del(ctx, liquidatingSentinelKey(user)).Err()
}

func (s *LockStore) MarkCancelSent(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return s.acquire(ctx, cancelSentKey(orderID), ttl)
}
