package portfolio

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/model"
)

// Portfolio error codes surfaced on calc_status=error snapshots.
const (
	codeMissingBalance  = "missing_balance"
	codeMissingPairs    = "missing_conversion"
	codeMarginRecompute = "margin_recompute_failed"
)

// computeUser rebuilds one user's snapshot and publishes the result. Every
// outcome writes a hash: healthy, degraded with skip flags, or error.
func (c *Calculator) computeUser(ctx context.Context, user model.UserKey) {
	cfg, err := c.configs.GetUserConfig(ctx, user)
	if err != nil {
		c.logger.Warn("User config unavailable", "user", user, "error", err)
		c.writeSnapshot(ctx, user, errorSnapshot(codeMissingBalance))
		return
	}

	open, err := c.orders.ListOpenOrders(ctx, user)
	if err != nil {
		// Transient store failure; leave the user dirty and retry next tick.
		c.logger.Error("Open order listing failed", "user", user, "error", err)
		c.MarkDirty(user)
		return
	}

	snapshot := c.buildSnapshot(ctx, user, cfg, open)
	c.writeSnapshot(ctx, user, snapshot)
}

func (c *Calculator) writeSnapshot(ctx context.Context, user model.UserKey, p *model.Portfolio) {
	p.TsMs = time.Now().UnixMilli()
	if err := c.portfolios.WritePortfolio(ctx, user, p); err != nil {
		c.logger.Error("Portfolio write failed", "user", user, "error", err)
		return
	}
	if err := c.bus.PublishPortfolio(ctx, user); err != nil {
		c.logger.Warn("Portfolio publish failed", "user", user, "error", err)
	}
}

func errorSnapshot(code string) *model.Portfolio {
	return &model.Portfolio{
		CalcStatus: model.CalcError,
		ErrorCodes: []string{code},
	}
}

// buildSnapshot prices every open position, classifies the ones it cannot
// price, and assembles equity, free margin and margin level.
func (c *Calculator) buildSnapshot(ctx context.Context, user model.UserKey, cfg *model.UserConfig, open []*model.Order) *model.Portfolio {
	positions := make([]*model.Order, 0, len(open))
	symbolSet := make(map[string]struct{}, len(open))
	for _, o := range open {
		if !o.IsOpenPosition() {
			continue
		}
		positions = append(positions, o)
		if o.Symbol != "" {
			symbolSet[o.Symbol] = struct{}{}
		}
	}

	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	books, err := c.quotes.MGet(ctx, symbols)
	if err != nil {
		c.logger.Error("Quote fetch failed", "user", user, "error", err)
		c.MarkDirty(user)
		return errorSnapshot(codeMissingPairs)
	}

	var flags []string
	skip := func(flag string) {
		flags = append(flags, flag, model.FlagOrdersSkipped)
	}

	pnl := decimal.Zero
	hasQueued := false
	for _, o := range positions {
		if o.ExecStatus == model.ExecQueued {
			hasQueued = true
		}

		q, ok := books[o.Symbol]
		if o.Symbol == "" || !ok {
			skip(model.FlagMissingPrices)
			continue
		}
		if !o.ContractSize.IsPositive() {
			skip(model.FlagMissingGroupData)
			continue
		}
		if o.ProfitCurrency == "" {
			skip(model.FlagMissingProfitCurrency)
			continue
		}

		// Mark-to-market at the price the position would close at now:
		// BUY exits on the bid, SELL on the ask, half-spread against the
		// holder both ways.
		var closePrice decimal.Decimal
		if o.Side.IsBuy() {
			if !q.Bid.Valid {
				skip(model.FlagMissingPrices)
				continue
			}
			closePrice = q.Bid.Decimal.Sub(o.HalfSpread)
		} else {
			if !q.Ask.Valid {
				skip(model.FlagMissingPrices)
				continue
			}
			closePrice = q.Ask.Decimal.Add(o.HalfSpread)
		}

		move := closePrice.Sub(o.OrderPrice)
		if !o.Side.IsBuy() {
			move = move.Neg()
		}
		native := move.Mul(o.OrderQuantity).Mul(o.ContractSize)

		usd, err := c.engine.ConvertToUSD(ctx, native, o.ProfitCurrency)
		if err != nil {
			if c.cfg.StrictMode {
				c.logger.Error("Conversion pair unavailable",
					"user", user, "order", o.OrderID, "currency", o.ProfitCurrency, "error", err)
				return errorSnapshot(codeMissingPairs)
			}
			skip(model.FlagMissingConversion)
			continue
		}
		pnl = pnl.Add(usd)
	}

	equity := cfg.WalletBalance.Add(pnl)

	executedM, allM, err := c.usedMargins(ctx, user, open)
	if err != nil {
		c.logger.Error("Margin recompute failed", "user", user, "error", err)
		return errorSnapshot(codeMarginRecompute)
	}

	used := executedM
	if hasQueued {
		used = allM
	}

	status := model.CalcOK
	if len(flags) > 0 {
		status = model.CalcDegraded
	}
	return &model.Portfolio{
		Balance:            cfg.WalletBalance,
		Equity:             equity,
		OpenPnL:            pnl,
		UsedMarginExecuted: executedM,
		UsedMarginAll:      allM,
		FreeMargin:         equity.Sub(used),
		MarginLevel:        model.MarginLevel(equity, used),
		CalcStatus:         status,
		DegradedFields:     flags,
	}
}

// usedMargins prefers the cached totals maintained by the execution engine
// and recomputes them only when the hash has never been written.
func (c *Calculator) usedMargins(ctx context.Context, user model.UserKey, open []*model.Order) (decimal.Decimal, decimal.Decimal, error) {
	cached, err := c.portfolios.GetPortfolioMap(ctx, user)
	if err == nil && model.PortfolioHasMarginFields(cached) {
		executed, errE := decimal.NewFromString(cached["used_margin_executed"])
		all, errA := decimal.NewFromString(cached["used_margin_all"])
		if errE == nil && errA == nil {
			return executed, all, nil
		}
	}

	totals, err := c.engine.UserTotalMargin(ctx, open)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return totals.Executed, totals.All, nil
}
