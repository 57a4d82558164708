// Package margin computes order margin in USD: the single-order formula at
// placement time and the hedged per-symbol aggregation behind the user
// totals. All math is decimal; float never touches money here.
package margin

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fxcore/internal/core"
	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

// defaultNettingRatio applies when the group record carries no group_margin.
// At 0.5 the hedged charge collapses to the larger leg.
var defaultNettingRatio = decimal.NewFromFloat(0.5)

var two = decimal.NewFromInt(2)

// Engine prices margin against the live quote store.
type Engine struct {
	quotes core.IQuoteStore
	logger core.ILogger
}

func NewEngine(quotes core.IQuoteStore, logger core.ILogger) *Engine {
	return &Engine{
		quotes: quotes,
		logger: logger.WithField("component", "margin_engine"),
	}
}

// MarginPrice returns the price margin is computed at. Non-crypto always
// uses the market ask, whichever side the order is on. Crypto uses the
// order's own price and falls back to the ask when that is absent.
func (e *Engine) MarginPrice(ctx context.Context, o *model.Order) (decimal.Decimal, error) {
	if o.InstrumentType == model.InstrumentCrypto && o.OrderPrice.IsPositive() {
		return o.OrderPrice, nil
	}
	q, err := e.quotes.Get(ctx, o.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("margin price for %s: %w", o.Symbol, err)
	}
	if !q.Ask.Valid {
		return decimal.Zero, fmt.Errorf("margin price for %s: %w", o.Symbol, apperrors.ErrNoQuote)
	}
	return q.Ask.Decimal, nil
}

// SingleOrderMarginUSD computes one order's margin at execPrice and converts
// it to USD. Crypto groups charge contract_value times the margin factor
// instead of dividing by leverage.
func (e *Engine) SingleOrderMarginUSD(ctx context.Context, o *model.Order, execPrice decimal.Decimal) (decimal.Decimal, error) {
	notional := o.ContractSize.Mul(o.OrderQuantity).Mul(execPrice)

	var native decimal.Decimal
	if o.InstrumentType == model.InstrumentCrypto {
		if !o.CryptoMarginFactor.Valid {
			return decimal.Zero, fmt.Errorf("%s missing crypto_margin_factor: %w", o.Symbol, apperrors.ErrMarginCalculation)
		}
		native = notional.Mul(o.CryptoMarginFactor.Decimal)
	} else {
		if !o.Leverage.IsPositive() {
			return decimal.Zero, fmt.Errorf("leverage %s: %w", o.Leverage, apperrors.ErrMarginCalculation)
		}
		native = notional.Div(o.Leverage)
	}

	return e.ConvertToUSD(ctx, native, o.ProfitCurrency)
}

// ConvertToUSD converts amount from the given currency. USD and USDT pass
// through. Otherwise the direct pair {CUR}USD is tried at its ask, then the
// inverse USD{CUR} at 1/ask. Stale quotes do not count.
func (e *Engine) ConvertToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		return decimal.Zero, fmt.Errorf("empty profit currency: %w", apperrors.ErrNoConversion)
	}
	if cur == "USD" || cur == "USDT" {
		return amount, nil
	}

	if q, err := e.quotes.Get(ctx, cur+"USD"); err == nil && q.Ask.Valid {
		return amount.Mul(q.Ask.Decimal), nil
	}
	if q, err := e.quotes.Get(ctx, "USD"+cur); err == nil && q.Ask.Valid && q.Ask.Decimal.IsPositive() {
		return amount.Div(q.Ask.Decimal), nil
	}

	return decimal.Zero, fmt.Errorf("%s to USD: %w", cur, apperrors.ErrNoConversion)
}

// symbolBook accumulates the two sides of one symbol, once over executed
// orders only and once over everything still charging margin.
type symbolBook struct {
	buyExec  decimal.Decimal
	sellExec decimal.Decimal
	buyAll   decimal.Decimal
	sellAll  decimal.Decimal
	ratio    decimal.NullDecimal
}

// UserTotalMargin reprices every open position at the current margin price
// and aggregates per symbol with hedged netting. Executed excludes QUEUED
// orders; All includes them.
func (e *Engine) UserTotalMargin(ctx context.Context, orders []*model.Order) (model.MarginTotals, error) {
	books := make(map[string]*symbolBook)

	for _, o := range orders {
		if !o.IsOpenPosition() {
			continue
		}
		price, err := e.MarginPrice(ctx, o)
		if err != nil {
			return model.MarginTotals{}, err
		}
		m, err := e.SingleOrderMarginUSD(ctx, o, price)
		if err != nil {
			return model.MarginTotals{}, fmt.Errorf("order %s: %w", o.OrderID, err)
		}

		b, ok := books[o.Symbol]
		if !ok {
			b = &symbolBook{}
			books[o.Symbol] = b
		}
		executed := o.ExecStatus == model.ExecExecuted
		if o.Side.IsBuy() {
			b.buyAll = b.buyAll.Add(m)
			if executed {
				b.buyExec = b.buyExec.Add(m)
			}
		} else {
			b.sellAll = b.sellAll.Add(m)
			if executed {
				b.sellExec = b.sellExec.Add(m)
			}
		}
		if !b.ratio.Valid && o.GroupMarginRatio.Valid {
			b.ratio = o.GroupMarginRatio
		}
	}

	var totals model.MarginTotals
	for _, b := range books {
		ratio := defaultNettingRatio
		if b.ratio.Valid {
			ratio = b.ratio.Decimal
		}
		totals.Executed = totals.Executed.Add(hedged(b.buyExec, b.sellExec, ratio))
		totals.All = totals.All.Add(hedged(b.buyAll, b.sellAll, ratio))
	}
	return totals, nil
}

// hedged is the per-symbol netting charge. The unmatched exposure pays in
// full; the overlapping legs each pay at the netting ratio. At ratio 0.5
// this equals max(buy, sell); at 1.0 no netting happens at all.
func hedged(buyM, sellM, ratio decimal.Decimal) decimal.Decimal {
	diff := buyM.Sub(sellM).Abs()
	overlap := decimal.Min(buyM, sellM)
	return diff.Add(two.Mul(ratio).Mul(overlap))
}
