package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "fxcore/pkg/errors"

	"fxcore/internal/model"
)

// processingToken marks a request claimed but not yet finished.
const processingToken = "processing"

// IdemStore covers both idempotency planes: client request replay and
// provider event redelivery.
type IdemStore struct {
	client redis.UniversalClient
}

func NewIdemStore(client redis.UniversalClient) *IdemStore {
	return &IdemStore{client: client}
}

// BeginClientRequest claims the idempotency key. Exactly one of three
// outcomes: this caller owns the request (proceed), a prior result exists
// (replay), or another caller is mid-flight (ErrIdempotencyInProgress).
func (s *IdemStore) BeginClientRequest(ctx context.Context, user model.UserKey, key string, processingTTL time.Duration) (bool, []byte, error) {
	redisKey := idempotencyKey(user, key)

	ok, err := s.client.SetNX(ctx, redisKey, processingToken, processingTTL).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}

	val, err := s.client.Get(ctx, redisKey).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; one retry claims it
		ok, err := s.client.SetNX(ctx, redisKey, processingToken, processingTTL).Result()
		if err != nil {
			return false, nil, err
		}
		if ok {
			return true, nil, nil
		}
		return false, nil, apperrors.ErrIdempotencyInProgress
	}
	if err != nil {
		return false, nil, err
	}

	if val == processingToken {
		return false, nil, apperrors.ErrIdempotencyInProgress
	}
	return false, []byte(val), nil
}

// StoreClientResult replaces the processing token with the sanitized result.
func (s *IdemStore) StoreClientResult(ctx context.Context, user model.UserKey, key string, result []byte, ttl time.Duration) error {
	return s.client.Set(ctx, idempotencyKey(user, key), result, ttl).Err()
}

// DedupProviderEvent returns true exactly once per token within ttl.
func (s *IdemStore) DedupProviderEvent(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, providerIdemKey(token), "1", ttl).Result()
}

// ReleaseProviderEvent frees a claimed token after a failed processing
// cycle so the redelivery is not mistaken for a duplicate.
func (s *IdemStore) ReleaseProviderEvent(ctx context.Context, token string) error {
	return s.client.Del(ctx, providerIdemKey(token)).Err()
}
