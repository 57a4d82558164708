package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InstrumentType selects the margin formula family for a group symbol.
type InstrumentType int

const (
	InstrumentFX     InstrumentType = 1
	InstrumentMetal  InstrumentType = 2
	InstrumentIndex  InstrumentType = 3
	InstrumentCrypto InstrumentType = 4
)

// GroupConfig is the per (group, symbol) pricing and commission record.
type GroupConfig struct {
	ContractSize        decimal.Decimal
	ProfitCurrency      string
	Type                InstrumentType
	Spread              decimal.Decimal
	SpreadPip           decimal.Decimal
	CommissionRate      decimal.Decimal
	CommissionType      int
	CommissionValueType int
	CryptoMarginFactor  decimal.NullDecimal
	GroupMargin         decimal.NullDecimal
}

// HalfSpread is the user-facing markup applied on top of the raw feed price:
// added to the ask on BUY, subtracted from the bid on SELL.
func (g *GroupConfig) HalfSpread() decimal.Decimal {
	return g.Spread.Mul(g.SpreadPip).Div(decimal.NewFromInt(2))
}

// Complete reports whether the fields the pricing path cannot work without
// are present. Incomplete records trigger the DB-service fallback.
func (g *GroupConfig) Complete() bool {
	return g.ContractSize.IsPositive() && g.ProfitCurrency != ""
}

// Merge fills the zero-valued fields of g from other, keeping existing data.
func (g *GroupConfig) Merge(other *GroupConfig) {
	if other == nil {
		return
	}
	if g.ContractSize.IsZero() {
		g.ContractSize = other.ContractSize
	}
	if g.ProfitCurrency == "" {
		g.ProfitCurrency = other.ProfitCurrency
	}
	if g.Type == 0 {
		g.Type = other.Type
	}
	if g.Spread.IsZero() {
		g.Spread = other.Spread
	}
	if g.SpreadPip.IsZero() {
		g.SpreadPip = other.SpreadPip
	}
	if g.CommissionRate.IsZero() {
		g.CommissionRate = other.CommissionRate
	}
	if g.CommissionType == 0 {
		g.CommissionType = other.CommissionType
	}
	if g.CommissionValueType == 0 {
		g.CommissionValueType = other.CommissionValueType
	}
	if !g.CryptoMarginFactor.Valid {
		g.CryptoMarginFactor = other.CryptoMarginFactor
	}
	if !g.GroupMargin.Valid {
		g.GroupMargin = other.GroupMargin
	}
}

// GroupConfigFromMap decodes the groups:{GROUP}:{SYMBOL} hash.
func GroupConfigFromMap(m map[string]string) (*GroupConfig, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("empty group config")
	}
	return &GroupConfig{
		ContractSize:        decFieldOr(m, "contract_size", decimal.Zero),
		ProfitCurrency:      m["profit_currency"],
		Type:                InstrumentType(intFieldOr(m, "type", 0)),
		Spread:              decFieldOr(m, "spread", decimal.Zero),
		SpreadPip:           decFieldOr(m, "spread_pip", decimal.Zero),
		CommissionRate:      decFieldOr(m, "commission_rate", decimal.Zero),
		CommissionType:      intFieldOr(m, "commission_type", 0),
		CommissionValueType: intFieldOr(m, "commission_value_type", 0),
		CryptoMarginFactor:  nullDecField(m, "crypto_margin_factor"),
		GroupMargin:         nullDecField(m, "group_margin"),
	}, nil
}

// ToMap renders the Redis hash form.
func (g *GroupConfig) ToMap() map[string]string {
	m := make(map[string]string, 10)
	putDec(m, "contract_size", g.ContractSize)
	m["profit_currency"] = g.ProfitCurrency
	m["type"] = fmt.Sprintf("%d", g.Type)
	putDec(m, "spread", g.Spread)
	putDec(m, "spread_pip", g.SpreadPip)
	putDec(m, "commission_rate", g.CommissionRate)
	m["commission_type"] = fmt.Sprintf("%d", g.CommissionType)
	m["commission_value_type"] = fmt.Sprintf("%d", g.CommissionValueType)
	putNullDec(m, "crypto_margin_factor", g.CryptoMarginFactor)
	putNullDec(m, "group_margin", g.GroupMargin)
	return m
}

// Snapshot copies the pricing/commission fields onto a fresh order.
func (g *GroupConfig) Snapshot(o *Order, group string) {
	o.Group = group
	o.ContractSize = g.ContractSize
	o.ProfitCurrency = g.ProfitCurrency
	o.InstrumentType = g.Type
	o.Spread = g.Spread
	o.SpreadPip = g.SpreadPip
	o.CommissionRate = g.CommissionRate
	o.CommissionType = g.CommissionType
	o.CommissionValueType = g.CommissionValueType
	o.CryptoMarginFactor = g.CryptoMarginFactor
	o.GroupMarginRatio = g.GroupMargin
}
