package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// PortfolioStore reads and writes the derived per-user snapshot.
type PortfolioStore struct {
	client redis.UniversalClient
	logger core.ILogger
}

func NewPortfolioStore(client redis.UniversalClient, logger core.ILogger) *PortfolioStore {
	return &PortfolioStore{
		client: client,
		logger: logger.WithField("component", "portfolio_store"),
	}
}

func (s *PortfolioStore) GetPortfolioMap(ctx context.Context, user model.UserKey) (map[string]string, error) {
	return s.client.HGetAll(ctx, portfolioKey(user)).Result()
}

func (s *PortfolioStore) WritePortfolio(ctx context.Context, user model.UserKey, p *model.Portfolio) error {
	return s.client.HSet(ctx, portfolioKey(user), p.ToMap()).Err()
}

// UpdateMarginTotals writes only the two margin fields, leaving the rest of
// the snapshot to the calculator's next cycle.
func (s *PortfolioStore) UpdateMarginTotals(ctx context.Context, user model.UserKey, totals model.MarginTotals) error {
	return s.client.HSet(ctx, portfolioKey(user),
		"used_margin_executed", totals.Executed.String(),
		"used_margin_all", totals.All.String(),
	).Err()
}
