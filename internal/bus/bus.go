// Package bus carries the dirty-symbol and dirty-user fan-out between the
// market listener, the portfolio calculator, and the auto-cutoff watcher.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"fxcore/internal/core"
	"fxcore/internal/model"
)

// Channel names shared with the other services reading this Redis.
const (
	marketChannel    = "market_price_updates"
	portfolioChannel = "portfolio_updates"
)

// RedisBus implements core.IMarketBus on Redis pub/sub. Symbol batches are
// comma-joined on the wire; portfolio updates carry one user tag per message.
type RedisBus struct {
	client redis.UniversalClient
	logger core.ILogger
}

func NewRedisBus(client redis.UniversalClient, logger core.ILogger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.WithField("component", "market_bus"),
	}
}

func (b *RedisBus) PublishSymbols(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	return b.client.Publish(ctx, marketChannel, strings.Join(symbols, ",")).Err()
}

func (b *RedisBus) PublishPortfolio(ctx context.Context, user model.UserKey) error {
	return b.client.Publish(ctx, portfolioChannel, user.Tag()).Err()
}

func (b *RedisBus) SubscribeSymbols(ctx context.Context) (<-chan []string, error) {
	sub, err := b.subscribe(ctx, marketChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan []string, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				symbols := splitSymbols(msg.Payload)
				if len(symbols) == 0 {
					continue
				}
				select {
				case out <- symbols:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) SubscribePortfolio(ctx context.Context) (<-chan model.UserKey, error) {
	sub, err := b.subscribe(ctx, portfolioChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan model.UserKey, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				user, err := model.ParseUserKey(msg.Payload)
				if err != nil {
					b.logger.Warn("Dropping malformed portfolio update", "payload", msg.Payload)
					continue
				}
				select {
				case out <- user:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// subscribe waits for the subscription confirmation so callers never miss
// messages published right after Subscribe* returns.
func (b *RedisBus) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return sub, nil
}

func splitSymbols(payload string) []string {
	parts := strings.Split(payload, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
