package mock

import (
	"context"
	"time"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

func (s *MockStore) tryLock(key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, held := s.locks[key]
	if held && (exp.IsZero() || time.Now().Before(exp)) {
		return false, nil
	}
	if ttl > 0 {
		s.locks[key] = time.Now().Add(ttl)
	} else {
		s.locks[key] = time.Time{}
	}
	return true, nil
}

func (s *MockStore) unlock(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

func (s *MockStore) AcquireUserMargin(ctx context.Context, user model.UserKey, ttl time.Duration) (bool, error) {
	return s.tryLock("margin/"+user.Tag(), ttl)
}

func (s *MockStore) ReleaseUserMargin(ctx context.Context, user model.UserKey) error {
	return s.unlock("margin/" + user.Tag())
}

func (s *MockStore) AcquireCloseProcessing(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return s.tryLock("close/"+orderID, ttl)
}

func (s *MockStore) ReleaseCloseProcessing(ctx context.Context, orderID string) error {
	return s.unlock("close/" + orderID)
}

func (s *MockStore) AcquirePendingLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return s.tryLock("pending/"+orderID, ttl)
}

func (s *MockStore) ReleasePendingLock(ctx context.Context, orderID string) error {
	return s.unlock("pending/" + orderID)
}

func (s *MockStore) AcquireAlertSentinel(ctx context.Context, user model.UserKey, ttl time.Duration) (bool, error) {
	return s.tryLock("alert/"+user.Tag(), ttl)
}

func (s *MockStore) ClearAlertSentinel(ctx context.Context, user model.UserKey) error {
	return s.unlock("alert/" + user.Tag())
}

func (s *MockStore) AcquireLiquidationSentinel(ctx context.Context, user model.UserKey) (bool, error) {
	return s.tryLock("liquidating/"+user.Tag(), 0)
}

func (s *MockStore) ClearLiquidationSentinel(ctx context.Context, user model.UserKey) error {
	return s.unlock("liquidating/" + user.Tag())
}

func (s *MockStore) MarkCancelSent(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return s.tryLock("cancelsent/"+orderID, ttl)
}

func (e idemEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func (s *MockStore) BeginClientRequest(ctx context.Context, user model.UserKey, key string, processingTTL time.Duration) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	k := user.Tag() + "/" + key
	if e, ok := s.idem[k]; ok && !e.expired(now) {
		if e.processing {
			return false, nil, apperrors.ErrIdempotencyInProgress
		}
		return false, append([]byte(nil), e.result...), nil
	}
	s.idem[k] = idemEntry{processing: true, expires: now.Add(processingTTL)}
	return true, nil, nil
}

func (s *MockStore) StoreClientResult(ctx context.Context, user model.UserKey, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idem[user.Tag()+"/"+key] = idemEntry{
		result:  append([]byte(nil), result...),
		expires: time.Now().Add(ttl),
	}
	return nil
}

func (s *MockStore) DedupProviderEvent(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.providerSeen[token]; ok && now.Before(exp) {
		return false, nil
	}
	s.providerSeen[token] = now.Add(ttl)
	return true, nil
}

func (s *MockStore) ReleaseProviderEvent(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providerSeen, token)
	return nil
}

func (s *MockStore) WriteAck(ctx context.Context, id string, r *model.ExecutionReport, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[id] = *r
	return nil
}

func (s *MockStore) WaitAck(ctx context.Context, ids []string, timeout time.Duration) (*model.ExecutionReport, error) {
	if len(ids) == 0 {
		return nil, apperrors.ErrAckTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for {
		if r := s.ackFor(ids); r != nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, apperrors.ErrAckTimeout
		case <-tick.C:
		}
	}
}

func (s *MockStore) ackFor(ids []string) *model.ExecutionReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range ids {
		if r, ok := s.acks[id]; ok {
			out := r
			return &out
		}
	}
	return nil
}
