// Package notify delivers customer notifications outside the request path.
// Delivery is best-effort: a failed or dropped notification never affects the
// order or payment that produced it.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderConfirmed     EventType = "order.confirmed"
	EventPaymentConfirmed   EventType = "payment.confirmed"
	EventOrderStatusUpdated EventType = "order.status_updated"
	EventOrderCancelled     EventType = "order.cancelled"
)

type Notification struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	UserID        string          `json:"user_id"`
	Status        string          `json:"status,omitempty"`
	PaymentStatus string          `json:"payment_status,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Enqueue(n Notification)
}

// Publisher hands a notification to a transport.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}
