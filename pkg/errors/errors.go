package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation / state errors surfaced at the engine boundary.
var (
	ErrMissingFields         = errors.New("missing required fields")
	ErrInvalidOrderType      = errors.New("invalid order type")
	ErrInvalidNumericFields  = errors.New("invalid numeric fields")
	ErrUserNotVerified       = errors.New("user not verified")
	ErrInvalidLeverage       = errors.New("invalid leverage")
	ErrUserNotFound          = errors.New("user not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderExists           = errors.New("order already exists")
	ErrInvalidCloseStatus    = errors.New("invalid close status")
	ErrCloseInProgress       = errors.New("close already in progress")
	ErrOrderNotOpen          = errors.New("order is not open")
	ErrInvalidTriggerPrice   = errors.New("trigger price on wrong side of market")
	ErrTriggerNotSet         = errors.New("no such trigger on order")
	ErrUnsupportedFlow       = errors.New("unsupported order flow")
	ErrIdempotencyInProgress = errors.New("idempotent request in progress")
	ErrInconsistentHashTags  = errors.New("keys span multiple hash slots")
)

// Pricing / config errors.
var (
	ErrNoQuote          = errors.New("no quote for symbol")
	ErrStaleQuote       = errors.New("quote is stale")
	ErrNoConversion     = errors.New("no conversion pair to USD")
	ErrMissingGroupData = errors.New("missing group data")
)

// Margin errors.
var (
	ErrInsufficientMargin = errors.New("insufficient free margin")
	ErrOverallMargin      = errors.New("overall margin recomputation failed")
	ErrMarginCalculation  = errors.New("margin calculation failed")
)

// External collaborator errors.
var (
	ErrFeedUnavailable     = errors.New("price feed unavailable")
	ErrBrokerUnavailable   = errors.New("message broker unavailable")
	ErrProviderUnreachable = errors.New("provider connection unavailable")
	ErrProviderSendFailed  = errors.New("provider send failed")
	ErrProviderSendTimeout = errors.New("provider send timed out")
	ErrAckTimeout          = errors.New("ack wait timed out")
	ErrCancelAckTimeout    = fmt.Errorf("cancel %w", ErrAckTimeout)
	ErrCloseAckTimeout     = fmt.Errorf("close %w", ErrAckTimeout)
	ErrCancelRejected      = errors.New("provider rejected cancel")
	ErrCloseRejected       = errors.New("provider rejected close")
)

// Reason is the wire-facing rejection code attached to engine results.
type Reason string

const (
	ReasonMissingFields         Reason = "missing_fields"
	ReasonInvalidOrderType      Reason = "invalid_order_type"
	ReasonInvalidNumericFields  Reason = "invalid_numeric_fields"
	ReasonUserNotVerified       Reason = "user_not_verified"
	ReasonInvalidLeverage       Reason = "invalid_leverage"
	ReasonMissingGroupData      Reason = "missing_group_data"
	ReasonPricingFailed         Reason = "pricing_failed"
	ReasonMarginCalcFailed      Reason = "margin_calculation_failed"
	ReasonInsufficientMargin    Reason = "insufficient_margin"
	ReasonOverallMarginFailed   Reason = "overall_margin_failed"
	ReasonPlaceOrderFailed      Reason = "place_order_failed"
	ReasonIdempotencyInProgress Reason = "idempotency_in_progress"
	ReasonUnsupportedFlow       Reason = "unsupported_flow"
	ReasonOrderExists           Reason = "order_exists"
	ReasonUserNotFound          Reason = "user_not_found"
	ReasonOrderNotFound         Reason = "order_not_found"
	ReasonOrderNotOpen          Reason = "order_not_open"
	ReasonInvalidCloseStatus    Reason = "invalid_close_status"
	ReasonInvalidTriggerPrice   Reason = "invalid_trigger_price"
	ReasonTriggerNotSet         Reason = "trigger_not_set"
	ReasonInconsistentHashTags  Reason = "inconsistent_hash_tags"
)

// ReasonFor maps a sentinel error to its wire code. Unknown errors map to
// place_order_failed with the cause appended by the caller.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrMissingFields):
		return ReasonMissingFields
	case errors.Is(err, ErrInvalidOrderType):
		return ReasonInvalidOrderType
	case errors.Is(err, ErrInvalidNumericFields):
		return ReasonInvalidNumericFields
	case errors.Is(err, ErrUserNotVerified):
		return ReasonUserNotVerified
	case errors.Is(err, ErrInvalidLeverage):
		return ReasonInvalidLeverage
	case errors.Is(err, ErrUserNotFound):
		return ReasonUserNotFound
	case errors.Is(err, ErrOrderNotFound):
		return ReasonOrderNotFound
	case errors.Is(err, ErrOrderNotOpen):
		return ReasonOrderNotOpen
	case errors.Is(err, ErrInvalidCloseStatus):
		return ReasonInvalidCloseStatus
	case errors.Is(err, ErrInvalidTriggerPrice):
		return ReasonInvalidTriggerPrice
	case errors.Is(err, ErrTriggerNotSet):
		return ReasonTriggerNotSet
	case errors.Is(err, ErrMissingGroupData):
		return ReasonMissingGroupData
	case errors.Is(err, ErrNoQuote), errors.Is(err, ErrStaleQuote), errors.Is(err, ErrNoConversion):
		return ReasonPricingFailed
	case errors.Is(err, ErrMarginCalculation):
		return ReasonMarginCalcFailed
	case errors.Is(err, ErrInsufficientMargin):
		return ReasonInsufficientMargin
	case errors.Is(err, ErrOverallMargin):
		return ReasonOverallMarginFailed
	case errors.Is(err, ErrIdempotencyInProgress):
		return ReasonIdempotencyInProgress
	case errors.Is(err, ErrUnsupportedFlow):
		return ReasonUnsupportedFlow
	case errors.Is(err, ErrOrderExists):
		return ReasonOrderExists
	case errors.Is(err, ErrInconsistentHashTags):
		return ReasonInconsistentHashTags
	default:
		return ReasonPlaceOrderFailed
	}
}

// RejectionError carries the margin numbers a client needs to understand a
// margin breach.
type RejectionError struct {
	Reason          Reason
	RequiredMargin  decimal.Decimal
	AvailableMargin decimal.Decimal
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: required %s, available %s",
		e.Reason, e.RequiredMargin.String(), e.AvailableMargin.String())
}

func (e *RejectionError) Unwrap() error {
	if e.Reason == ReasonInsufficientMargin {
		return ErrInsufficientMargin
	}
	return ErrOverallMargin
}

// NewMarginRejection builds the typed breach error returned by placement and
// pending-trigger margin checks.
func NewMarginRejection(required, available decimal.Decimal) *RejectionError {
	return &RejectionError{
		Reason:          ReasonInsufficientMargin,
		RequiredMargin:  required,
		AvailableMargin: available,
	}
}

// AsRejection unwraps err to a RejectionError, or nil when it is not one.
func AsRejection(err error) *RejectionError {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}
