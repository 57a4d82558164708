package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the per-symbol top-of-book record. Either side may be absent
// until the feed has sent both at least once.
type Quote struct {
	Symbol string
	Bid    decimal.NullDecimal
	Ask    decimal.NullDecimal
	TsMs   int64
}

// Fresh reports whether the quote is younger than ttl at the given instant.
func (q Quote) Fresh(now time.Time, ttl time.Duration) bool {
	if q.TsMs == 0 {
		return false
	}
	age := now.UnixMilli() - q.TsMs
	return age >= 0 && time.Duration(age)*time.Millisecond <= ttl
}

// Complete reports whether both sides are known.
func (q Quote) Complete() bool { return q.Bid.Valid && q.Ask.Valid }

// ToMap renders the market:{SYMBOL} hash fields. Absent sides are omitted
// so partial writes preserve the stored opposite side.
func (q Quote) ToMap() map[string]string {
	m := make(map[string]string, 3)
	putNullDec(m, "bid", q.Bid)
	putNullDec(m, "ask", q.Ask)
	m["ts"] = decimal.NewFromInt(q.TsMs).String()
	return m
}

// QuoteFromMap decodes the market:{SYMBOL} hash.
func QuoteFromMap(symbol string, m map[string]string) Quote {
	return Quote{
		Symbol: symbol,
		Bid:    nullDecField(m, "bid"),
		Ask:    nullDecField(m, "ask"),
		TsMs:   int64FieldOr(m, "ts", 0),
	}
}

// QuoteUpdate is one partial tick produced by the market listener.
type QuoteUpdate struct {
	Symbol string
	Bid    decimal.NullDecimal
	Ask    decimal.NullDecimal
	TsMs   int64
}

func (u QuoteUpdate) ToMap() map[string]string {
	return Quote{Bid: u.Bid, Ask: u.Ask, TsMs: u.TsMs}.ToMap()
}
