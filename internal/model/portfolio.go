package model

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// CalcStatus classifies a portfolio snapshot.
type CalcStatus string

const (
	CalcOK       CalcStatus = "ok"
	CalcDegraded CalcStatus = "degraded"
	CalcError    CalcStatus = "error"
)

// Degraded-field flags accumulated while skipping unresolvable orders.
const (
	FlagMissingGroupData      = "missing_group_data"
	FlagMissingPrices         = "missing_prices"
	FlagMissingProfitCurrency = "missing_profit_currency"
	FlagMissingConversion     = "missing_conversion"
	FlagOrdersSkipped         = "orders_skipped"
)

// MarginLevelCap is the sentinel exposed to watchers when used margin is
// zero: the account is treated as maximally safe.
var MarginLevelCap = decimal.NewFromInt(999)

// Portfolio is the derived per-user snapshot recomputed on ticks.
type Portfolio struct {
	Balance            decimal.Decimal
	Equity             decimal.Decimal
	OpenPnL            decimal.Decimal
	UsedMarginExecuted decimal.Decimal
	UsedMarginAll      decimal.Decimal
	FreeMargin         decimal.Decimal
	MarginLevel        decimal.Decimal
	CalcStatus         CalcStatus
	DegradedFields     []string
	ErrorCodes         []string
	TsMs               int64
}

// MarginLevel computes equity/used*100, returning the safe-cap sentinel for
// zero used margin.
func MarginLevel(equity, used decimal.Decimal) decimal.Decimal {
	if used.IsZero() {
		return MarginLevelCap
	}
	return equity.Div(used).Mul(decimal.NewFromInt(100))
}

// ToMap renders the user_portfolio:{u} hash.
func (p *Portfolio) ToMap() map[string]string {
	m := make(map[string]string, 11)
	putDec(m, "balance", p.Balance)
	putDec(m, "equity", p.Equity)
	putDec(m, "open_pnl", p.OpenPnL)
	putDec(m, "used_margin_executed", p.UsedMarginExecuted)
	putDec(m, "used_margin_all", p.UsedMarginAll)
	putDec(m, "free_margin", p.FreeMargin)
	putDec(m, "margin_level", p.MarginLevel)
	m["calc_status"] = string(p.CalcStatus)
	m["degraded_fields"] = joinFlags(p.DegradedFields)
	m["error_codes"] = joinFlags(p.ErrorCodes)
	m["ts"] = decimal.NewFromInt(p.TsMs).String()
	return m
}

// PortfolioFromMap decodes the user_portfolio:{u} hash. A missing hash
// decodes to a zero snapshot with CalcStatus left empty.
func PortfolioFromMap(m map[string]string) *Portfolio {
	p := &Portfolio{
		Balance:            decFieldOr(m, "balance", decimal.Zero),
		Equity:             decFieldOr(m, "equity", decimal.Zero),
		OpenPnL:            decFieldOr(m, "open_pnl", decimal.Zero),
		UsedMarginExecuted: decFieldOr(m, "used_margin_executed", decimal.Zero),
		UsedMarginAll:      decFieldOr(m, "used_margin_all", decimal.Zero),
		FreeMargin:         decFieldOr(m, "free_margin", decimal.Zero),
		MarginLevel:        decFieldOr(m, "margin_level", decimal.Zero),
		CalcStatus:         CalcStatus(m["calc_status"]),
		TsMs:               int64FieldOr(m, "ts", 0),
	}
	p.DegradedFields = splitFlags(m["degraded_fields"])
	p.ErrorCodes = splitFlags(m["error_codes"])
	return p
}

// HasMarginFields reports whether cached totals exist so callers can avoid
// a recompute.
func PortfolioHasMarginFields(m map[string]string) bool {
	_, okExec := m["used_margin_executed"]
	_, okAll := m["used_margin_all"]
	return okExec && okAll
}

func joinFlags(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	dedup := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if _, seen := dedup[f]; !seen && f != "" {
			dedup[f] = struct{}{}
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
