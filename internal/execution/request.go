package execution

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

// Flow names a routing decision for an order request.
type Flow string

const (
	FlowLocal    Flow = "local"
	FlowProvider Flow = "provider"
)

// OrderRequest is the engine-facing form of a client placement request.
// The API layer decodes transport payloads into this shape before calling
// the engine.
type OrderRequest struct {
	OrderID        string          `json:"order_id,omitempty"`
	UserID         string          `json:"user_id"`
	UserType       model.UserType  `json:"user_type"`
	Symbol         string          `json:"symbol"`
	Side           model.Side      `json:"order_type"`
	OrderPrice     decimal.Decimal `json:"order_price"`
	OrderQuantity  decimal.Decimal `json:"order_quantity"`
	OrderStatus    string          `json:"order_status,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// User returns the composite key for the requesting account.
func (r *OrderRequest) User() model.UserKey {
	return model.UserKey{Type: r.UserType, ID: r.UserID}
}

func (r *OrderRequest) validateCommon() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" || r.UserID == "" || r.UserType == "" {
		return fmt.Errorf("symbol, user_id and user_type are required: %w", apperrors.ErrMissingFields)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("order_type %q: %w", r.Side, apperrors.ErrInvalidOrderType)
	}
	if !r.OrderPrice.IsPositive() || !r.OrderQuantity.IsPositive() {
		return fmt.Errorf("order_price and order_quantity must be positive: %w", apperrors.ErrInvalidNumericFields)
	}
	return nil
}

// validateInstant checks the shape of an instant (market) placement.
func (r *OrderRequest) validateInstant() error {
	if err := r.validateCommon(); err != nil {
		return err
	}
	if r.Side != model.SideBuy && r.Side != model.SideSell {
		return fmt.Errorf("instant order_type %q: %w", r.Side, apperrors.ErrInvalidOrderType)
	}
	if r.OrderStatus != "" && r.OrderStatus != string(model.StatusOpen) {
		return fmt.Errorf("order_status %q: %w", r.OrderStatus, apperrors.ErrInvalidOrderType)
	}
	return nil
}

// validatePending checks the shape of a pending (stop/limit) placement.
// OrderPrice doubles as the trigger price.
func (r *OrderRequest) validatePending() error {
	if err := r.validateCommon(); err != nil {
		return err
	}
	if !r.Side.IsPending() {
		return fmt.Errorf("pending order_type %q: %w", r.Side, apperrors.ErrInvalidOrderType)
	}
	return nil
}

// Result is what the engine hands back to the API layer. Provider carries
// the payload the caller must forward to the provider connection after
// responding; it is excluded from the stored idempotency result so a
// replayed request never re-triggers a send.
type Result struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Flow    Flow   `json:"flow,omitempty"`

	ExecPrice decimal.Decimal `json:"exec_price,omitempty"`
	Margin    decimal.Decimal `json:"margin,omitempty"`

	Reason          apperrors.Reason `json:"reason,omitempty"`
	Cause           string           `json:"cause,omitempty"`
	RequiredMargin  decimal.Decimal  `json:"required_margin,omitempty"`
	AvailableMargin decimal.Decimal  `json:"available_margin,omitempty"`

	Replayed bool                 `json:"-"`
	Provider *model.ProviderOrder `json:"-"`
}

// failure builds a rejection result from a typed error, lifting margin
// figures out of RejectionError when present.
func failure(orderID string, err error) Result {
	res := Result{
		Success: false,
		OrderID: orderID,
		Reason:  apperrors.ReasonFor(err),
		Cause:   err.Error(),
	}
	if rej := apperrors.AsRejection(err); rej != nil {
		res.RequiredMargin = rej.RequiredMargin
		res.AvailableMargin = rej.AvailableMargin
	}
	return res
}
