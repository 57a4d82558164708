package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrdStatus values the provider reports. CANCELED is accepted as a spelling
// variant of CANCELLED and must be handled wherever CANCELLED is.
type OrdStatus string

const (
	OrdExecuted  OrdStatus = "EXECUTED"
	OrdPending   OrdStatus = "PENDING"
	OrdModify    OrdStatus = "MODIFY"
	OrdCancelled OrdStatus = "CANCELLED"
	OrdCanceled  OrdStatus = "CANCELED"
	OrdRejected  OrdStatus = "REJECTED"
)

// IsCancelled matches both spellings.
func (s OrdStatus) IsCancelled() bool { return s == OrdCancelled || s == OrdCanceled }

// ReportType is the canonical message type on the confirmation queue.
const ReportType = "execution_report"

// ExecutionReport is the canonical shape every provider message is reduced
// to before it enters the confirmation queue.
type ExecutionReport struct {
	Type      string          `json:"type"`
	OrderID   string          `json:"order_id"`
	ExecID    string          `json:"exec_id"`
	OrdStatus OrdStatus       `json:"ord_status"`
	AvgPx     decimal.Decimal `json:"avgpx"`
	CumQty    decimal.Decimal `json:"cumqty"`
	Ts        int64           `json:"ts"`
	Raw       map[string]any  `json:"raw,omitempty"`
}

// LifecycleID returns the id used to resolve the canonical order: order_id
// when present, else exec_id.
func (r *ExecutionReport) LifecycleID() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.ExecID
}

// IdempotencyToken dedups redeliveries of the same provider event.
func (r *ExecutionReport) IdempotencyToken() string {
	return fmt.Sprintf("%s:%s:%s", r.LifecycleID(), r.ExecID, r.OrdStatus)
}

// ReportFromMap canonicalizes a decoded provider body. Bodies that already
// carry type=execution_report are used directly; FIX-style field maps
// (35=8) are converted; anything else is rejected.
func ReportFromMap(m map[string]any) (*ExecutionReport, error) {
	if asString(m["type"]) == ReportType {
		r := &ExecutionReport{
			Type:      ReportType,
			OrderID:   asString(m["order_id"]),
			ExecID:    asString(m["exec_id"]),
			OrdStatus: OrdStatus(asString(m["ord_status"])),
			Ts:        asInt64(m["ts"]),
			Raw:       m,
		}
		if d, ok := asDecimal(m["avgpx"]); ok {
			r.AvgPx = d
		}
		if d, ok := asDecimal(m["cumqty"]); ok {
			r.CumQty = d
		}
		if r.Ts == 0 {
			r.Ts = time.Now().UnixMilli()
		}
		if r.LifecycleID() == "" {
			return nil, fmt.Errorf("execution report without order_id or exec_id")
		}
		return r, nil
	}
	if asString(m["35"]) == "8" {
		return reportFromFIX(m)
	}
	return nil, fmt.Errorf("unrecognized provider body")
}

// FIX tag subset carried by provider bridges: 11 ClOrdID, 37 OrderID,
// 17 ExecID, 39 OrdStatus, 6 AvgPx, 14 CumQty, 60 TransactTime.
func reportFromFIX(m map[string]any) (*ExecutionReport, error) {
	r := &ExecutionReport{
		Type:      ReportType,
		OrderID:   asString(m["11"]),
		ExecID:    asString(m["17"]),
		OrdStatus: ordStatusFromFIX(asString(m["39"])),
		Ts:        asInt64(m["60"]),
		Raw:       m,
	}
	if r.OrderID == "" {
		r.OrderID = asString(m["37"])
	}
	if d, ok := asDecimal(m["6"]); ok {
		r.AvgPx = d
	}
	if d, ok := asDecimal(m["14"]); ok {
		r.CumQty = d
	}
	if r.Ts == 0 {
		r.Ts = time.Now().UnixMilli()
	}
	if r.LifecycleID() == "" {
		return nil, fmt.Errorf("fix report without order identifiers")
	}
	return r, nil
}

func ordStatusFromFIX(code string) OrdStatus {
	switch code {
	case "0", "A":
		return OrdPending
	case "1", "2":
		return OrdExecuted
	case "4":
		return OrdCancelled
	case "5", "E":
		return OrdModify
	case "8":
		return OrdRejected
	default:
		return OrdStatus(code)
	}
}
