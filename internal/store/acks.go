package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "fxcore/pkg/errors"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// ackPollInterval paces the synchronous ack waits.
const ackPollInterval = 100 * time.Millisecond

// AckStore carries the short-lived provider ack documents bridging the
// dispatcher and the synchronous cancel/close waits.
type AckStore struct {
	client redis.UniversalClient
	logger core.ILogger
}

func NewAckStore(client redis.UniversalClient, logger core.ILogger) *AckStore {
	return &AckStore{
		client: client,
		logger: logger.WithField("component", "ack_store"),
	}
}

func (s *AckStore) WriteAck(ctx context.Context, id string, r *model.ExecutionReport, ttl time.Duration) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, providerAckKey(id), body, ttl).Err()
}

// WaitAck polls for the first ack among ids, every 100 ms up to timeout.
func (s *AckStore) WaitAck(ctx context.Context, ids []string, timeout time.Duration) (*model.ExecutionReport, error) {
	if len(ids) == 0 {
		return nil, apperrors.ErrAckTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ackPollInterval)
	defer ticker.Stop()

	for {
		r, err := s.pollOnce(ctx, ids)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, apperrors.ErrAckTimeout
		case <-ticker.C:
		}
	}
}

func (s *AckStore) pollOnce(ctx context.Context, ids []string) (*model.ExecutionReport, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, providerAckKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var r model.ExecutionReport
		if err := json.Unmarshal([]byte(val), &r); err != nil {
			s.logger.Warn("Dropping unparseable ack doc", "id", ids[i], "error", err)
			continue
		}
		return &r, nil
	}
	return nil, nil
}
