package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	apperrors "fxcore/pkg/errors"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// ConfigStore reads the onboarding-provisioned user and group records.
type ConfigStore struct {
	client redis.UniversalClient
	logger core.ILogger
}

func NewConfigStore(client redis.UniversalClient, logger core.ILogger) *ConfigStore {
	return &ConfigStore{
		client: client,
		logger: logger.WithField("component", "config_store"),
	}
}

func (s *ConfigStore) GetUserConfig(ctx context.Context, user model.UserKey) (*model.UserConfig, error) {
	m, err := s.client.HGetAll(ctx, userConfigKey(user)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, apperrors.ErrUserNotFound
	}
	return model.UserConfigFromMap(m)
}

// GetGroupConfig returns the group pricing record for (group, symbol).
// A missing record surfaces ErrMissingGroupData; the caller may merge in a
// SQL fallback.
func (s *ConfigStore) GetGroupConfig(ctx context.Context, group, symbol string) (*model.GroupConfig, error) {
	m, err := s.client.HGetAll(ctx, groupKey(group, symbol)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, apperrors.ErrMissingGroupData
	}
	return model.GroupConfigFromMap(m)
}

func (s *ConfigStore) Followers(ctx context.Context, providerID string) ([]model.UserKey, error) {
	tags, err := s.client.SMembers(ctx, followersKey(providerID)).Result()
	if err != nil {
		return nil, err
	}
	users := make([]model.UserKey, 0, len(tags))
	for _, tag := range tags {
		u, err := model.ParseUserKey(tag)
		if err != nil {
			s.logger.Warn("Skipping malformed follower tag", "provider_id", providerID, "tag", tag)
			continue
		}
		users = append(users, u)
	}
	return users, nil
}
