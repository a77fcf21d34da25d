package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementEvent is emitted once when an order's payment settles, i.e. on the
// transition to (processing, completed). Fulfillment and notification services
// consume it; nothing in this module acts on it further.
type SettlementEvent struct {
	OrderID               string          `json:"order_id"`
	SettledAmount         decimal.Decimal `json:"settled_amount"`
	Rail                  PaymentMethod   `json:"rail"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	SettledAt             time.Time       `json:"settled_at"`
}

// EventPublisher delivers settlement events to out-of-process consumers.
type EventPublisher interface {
	PublishSettlement(ev SettlementEvent)
}
