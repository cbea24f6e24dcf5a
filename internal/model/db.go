package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `gorm:"primaryKey;size:64;not null" json:"id"` // product sku
	Name      string          `gorm:"size:255;not null" json:"name"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Stock     int64           `gorm:"not null;default:0" json:"stock"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Order struct {
	ID            string          `gorm:"primaryKey;size:36;not null" json:"id"`
	UserID        string          `gorm:"size:64;index;not null" json:"user_id"`
	OrderNumber   string          `gorm:"size:32;uniqueIndex;not null" json:"order_number"`
	Status        OrderStatus     `gorm:"size:16;index;not null" json:"status"`
	PaymentStatus PaymentStatus   `gorm:"size:16;index;not null" json:"payment_status"`
	PaymentMethod PaymentMethod   `gorm:"size:16" json:"payment_method"`
	Currency      string          `gorm:"size:8;not null" json:"currency"`
	Subtotal      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	Tax           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"tax"`
	Shipping      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"shipping"`
	Discount      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"discount"`
	Total         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	CouponID      *uint           `gorm:"index" json:"coupon_id,omitempty"`

	ShippingAddress ShippingAddress `gorm:"embedded;embeddedPrefix:ship_" json:"shipping_address"`

	CancellationReason string     `gorm:"size:255" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	Items []*OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

// ShippingAddress is captured when the order is created and never updated.
type ShippingAddress struct {
	Name       string `gorm:"size:128" json:"name"`
	Phone      string `gorm:"size:32" json:"phone"`
	Line1      string `gorm:"size:255" json:"line1"`
	Line2      string `gorm:"size:255" json:"line2,omitempty"`
	City       string `gorm:"size:128" json:"city"`
	Region     string `gorm:"size:128" json:"region,omitempty"`
	PostalCode string `gorm:"size:32" json:"postal_code,omitempty"`
	Country    string `gorm:"size:64" json:"country"`
}

type OrderItem struct {
	ID uint `gorm:"primaryKey" json:"id"`
	// FK → orders.id
	OrderID string `gorm:"size:36;index;not null" json:"order_id"`
	// FK → products.id
	ProductID   string          `gorm:"size:64;index;not null" json:"product_id"`
	ProductName string          `gorm:"size:255" json:"product_name"`
	Quantity    int64           `gorm:"not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`
	LineTotal   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"line_total"`

	CreatedAt time.Time `json:"created_at"`
}

type Payment struct {
	ID                string              `gorm:"primaryKey;size:36;not null" json:"id"`
	OrderID           string              `gorm:"size:36;uniqueIndex;not null" json:"order_id"`
	Method            PaymentMethod       `gorm:"size:16;index;not null" json:"method"`
	Reference         string              `gorm:"size:128;uniqueIndex;not null" json:"reference"` // push-rail checkout request id or hosted session id
	MerchantRequestID string              `gorm:"size:128" json:"merchant_request_id,omitempty"`
	PhoneNumber       string              `gorm:"size:32" json:"phone_number,omitempty"`
	Amount            decimal.Decimal     `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency          string              `gorm:"size:8;not null" json:"currency"`
	Status            PaymentRecordStatus `gorm:"size:16;index;not null" json:"status"`
	ResultCode        string              `gorm:"size:32" json:"result_code,omitempty"`
	ResultDesc        string              `gorm:"size:255" json:"result_desc,omitempty"`
	ReceiptID         string              `gorm:"size:128;index" json:"receipt_id,omitempty"`
	PaidAt            *time.Time          `json:"paid_at,omitempty"`
	Attempts          int                 `gorm:"not null;default:1" json:"attempts"`

	RefundStatus      RefundStatus `gorm:"size:16;index" json:"refund_status,omitempty"`
	RefundID          string       `gorm:"size:128" json:"refund_id,omitempty"`
	RefundRequestedAt *time.Time   `json:"refund_requested_at,omitempty"`
	RefundedAt        *time.Time   `json:"refunded_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentAttempt keeps every rail handle a payment has been given, so outcomes for
// an earlier prompt or session still find their payment after a retry.
type PaymentAttempt struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	PaymentID         string          `gorm:"size:36;index;not null" json:"payment_id"`
	Method            PaymentMethod   `gorm:"size:16;not null" json:"method"`
	Reference         string          `gorm:"size:128;uniqueIndex;not null" json:"reference"`
	MerchantRequestID string          `gorm:"size:128" json:"merchant_request_id,omitempty"`
	Amount            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	CreatedAt         time.Time       `gorm:"index" json:"created_at"`
}

type Coupon struct {
	ID             uint               `gorm:"primaryKey" json:"id"`
	Code           string             `gorm:"size:64;uniqueIndex;not null" json:"code"` // stored upper-case
	DiscountType   CouponDiscountType `gorm:"size:16;not null" json:"discount_type"`
	DiscountValue  decimal.Decimal    `gorm:"type:decimal(12,2);not null" json:"discount_value"`
	MinOrderValue  *decimal.Decimal   `gorm:"type:decimal(12,2)" json:"min_order_value,omitempty"`
	MaxDiscount    *decimal.Decimal   `gorm:"type:decimal(12,2)" json:"max_discount,omitempty"`
	MaxUses        *int64             `json:"max_uses,omitempty"`
	MaxUsesPerUser *int64             `json:"max_uses_per_user,omitempty"`
	UsedCount      int64              `gorm:"not null;default:0" json:"used_count"`
	Active         bool               `gorm:"not null;default:true" json:"active"`
	ValidFrom      *time.Time         `json:"valid_from,omitempty"`
	ValidUntil     *time.Time         `json:"valid_until,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// PaymentLog rows are only ever inserted.
type PaymentLog struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	OrderID        string        `gorm:"size:36;index" json:"order_id,omitempty"`
	PaymentID      string        `gorm:"size:36;index" json:"payment_id,omitempty"`
	Reference      string        `gorm:"size:128" json:"reference,omitempty"`
	Action         LogAction     `gorm:"size:32;index;not null" json:"action"`
	Trigger        Trigger       `gorm:"size:16" json:"trigger"`
	Method         PaymentMethod `gorm:"size:16;index" json:"method,omitempty"`
	Outcome        string        `gorm:"size:32;index" json:"outcome"`
	ActorType      ActorType     `gorm:"size:16;not null" json:"actor_type"`
	ActorID        string        `gorm:"size:64" json:"actor_id,omitempty"`
	ActorRole      string        `gorm:"size:16" json:"actor_role,omitempty"`
	PreviousStatus string        `gorm:"size:16" json:"previous_status,omitempty"`
	NewStatus      string        `gorm:"size:16" json:"new_status,omitempty"`
	Details        string        `gorm:"type:text" json:"details,omitempty"`
	CreatedAt      time.Time     `gorm:"index" json:"created_at"`
}

type WebhookEvent struct {
	EventID     string `gorm:"primaryKey;size:128;not null"`
	EventType   string `gorm:"size:64;index"`
	ProcessedAt time.Time
	CreatedAt   time.Time
}

type IdempotencyKey struct {
	Key       string    `gorm:"column:idem_key;primaryKey;size:191;not null"` // user id + client key
	Response  string    `gorm:"type:text"`                                    // empty while the attempt is in flight
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Tables lists every model for AutoMigrate.
func Tables() []any {
	return []any{
		&Product{},
		&Order{},
		&OrderItem{},
		&Payment{},
		&PaymentAttempt{},
		&Coupon{},
		&PaymentLog{},
		&WebhookEvent{},
		&IdempotencyKey{},
	}
}
