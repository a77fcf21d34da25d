// Package domain holds the order and payment entities shared by the gateway,
// the settlement coordinator, and the storage layer. Statuses are modeled as
// typed string enums; the valid (order status, payment status) pairings are
// enumerated in StatusPairValid so nothing outside that table is ever persisted.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the fulfillment-facing status of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// PaymentStatus is the payment-facing status of an order, independent of
// OrderStatus but constrained to the pairings in StatusPairValid.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCompleted PaymentStatus = "completed"
)

// PaymentMethod selects which provider rail collects payment for an order.
type PaymentMethod string

const (
	MethodPushPayment    PaymentMethod = "push_payment"
	MethodRedirectWallet PaymentMethod = "redirect_wallet"
	MethodCardIntent     PaymentMethod = "card_intent"
)

// LineStatus tracks per-line fulfillment; a multi-vendor order ships in parts.
type LineStatus string

const (
	LineUnfulfilled LineStatus = "unfulfilled"
	LineFulfilled   LineStatus = "fulfilled"
)

var ErrInvalidLineTotal = errors.New("line total does not equal quantity * unit price")

// ShippingAddress is the delivery destination captured at checkout.
type ShippingAddress struct {
	Recipient string `json:"recipient"`
	Line1     string `json:"line1"`
	City      string `json:"city"`
	Country   string `json:"country"`
	Phone     string `json:"phone"`
}

// OrderLineItem is one product line within an order.
type OrderLineItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	VendorID  string          `json:"vendor_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
	Status    LineStatus      `json:"status"`
}

// NewOrderLineItem builds a line and checks the line-total invariant at the
// only point it can be established; LineTotal is never mutated afterwards.
func NewOrderLineItem(orderID, productID, vendorID string, quantity int, unitPrice decimal.Decimal) (OrderLineItem, error) {
	if quantity <= 0 {
		return OrderLineItem{}, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	return OrderLineItem{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		ProductID: productID,
		VendorID:  vendorID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		Status:    LineUnfulfilled,
	}, nil
}

// CheckLineTotal re-validates the creation invariant on a line loaded from
// storage.
func CheckLineTotal(li OrderLineItem) error {
	want := li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
	if !li.LineTotal.Equal(want) {
		return ErrInvalidLineTotal
	}
	return nil
}

// Order represents one checkout. Status fields are written only by the
// settlement coordinator.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Total          decimal.Decimal `json:"total"`
	Status         OrderStatus     `json:"status"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	Shipping       ShippingAddress `json:"shipping"`
	Lines          []OrderLineItem `json:"lines"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewOrder creates an order in the (pending, pending) state with its lines.
// The order total is the sum of line totals.
func NewOrder(userID string, method PaymentMethod, shipping ShippingAddress, lines []OrderLineItem) (*Order, error) {
	if len(lines) == 0 {
		return nil, errors.New("order must have at least one line item")
	}
	total := decimal.Zero
	id := uuid.NewString()
	for i := range lines {
		if err := CheckLineTotal(lines[i]); err != nil {
			return nil, err
		}
		lines[i].OrderID = id
		total = total.Add(lines[i].LineTotal)
	}
	now := time.Now().UTC()
	return &Order{
		ID:            id,
		UserID:        userID,
		Total:         total,
		Status:        OrderPending,
		PaymentStatus: PaymentPending,
		PaymentMethod: method,
		Shipping:      shipping,
		Lines:         lines,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// StatusPairValid reports whether an (order, payment) status pairing is one of
// the combinations the state machine can produce. Cancellation freezes the
// payment status at whatever it was, so cancelled pairs with any payment status.
func StatusPairValid(os OrderStatus, ps PaymentStatus) bool {
	switch os {
	case OrderPending:
		return ps == PaymentPending || ps == PaymentFailed
	case OrderProcessing, OrderDelivered:
		return ps == PaymentCompleted
	case OrderCancelled:
		return ps == PaymentPending || ps == PaymentFailed || ps == PaymentCompleted
	}
	return false
}

// Terminal reports whether the pairing accepts no further transitions.
func Terminal(os OrderStatus, ps PaymentStatus) bool {
	if os == OrderCancelled {
		return true
	}
	return os == OrderDelivered && ps == PaymentCompleted
}

// AllLinesFulfilled reports whether every line of the order has shipped.
func (o *Order) AllLinesFulfilled() bool {
	for _, li := range o.Lines {
		if li.Status != LineFulfilled {
			return false
		}
	}
	return len(o.Lines) > 0
}
