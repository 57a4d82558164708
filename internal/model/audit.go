package model

import "github.com/shopspring/decimal"

// LiquidationRecord is the audit row persisted after every auto-cutoff
// run. CascadeFrom names the strategy provider whose liquidation dragged
// this account in; it is empty when the account breached on its own.
type LiquidationRecord struct {
	User         UserKey
	MarginLevel  decimal.Decimal
	OrdersClosed int
	CascadeFrom  string
	TsMs         int64
}
