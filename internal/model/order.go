package model

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// CancellableOrderStatuses are the states the cancellation path and the sweeper may leave.
var CancellableOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusConfirmed,
}

func (s OrderStatus) IsCancellable() bool {
	for _, c := range CancellableOrderStatuses {
		if s == c {
			return true
		}
	}
	return false
}

var fulfilmentTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusProcessing: {OrderStatusConfirmed, OrderStatusShipped},
	OrderStatusConfirmed:  {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanTransitionTo reports whether an administrative fulfilment update from s to next is allowed.
// Cancellation and payment-driven transitions have their own paths and are not listed.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range fulfilmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// PaymentRecordStatus is the lifecycle of a single Payment row.
type PaymentRecordStatus string

const (
	PaymentRecordPending   PaymentRecordStatus = "pending"
	PaymentRecordCompleted PaymentRecordStatus = "completed"
	PaymentRecordFailed    PaymentRecordStatus = "failed"
)

func (s PaymentRecordStatus) IsTerminal() bool {
	return s == PaymentRecordCompleted || s == PaymentRecordFailed
}

type RefundStatus string

const (
	RefundNone      RefundStatus = ""
	RefundPending   RefundStatus = "PENDING"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
)

type PaymentMethod string

const (
	PaymentMethodMpesa    PaymentMethod = "mpesa"
	PaymentMethodCheckout PaymentMethod = "checkout"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodMpesa || m == PaymentMethodCheckout
}

type CouponDiscountType string

const (
	DiscountPercentage   CouponDiscountType = "PERCENTAGE"
	DiscountFixedAmount  CouponDiscountType = "FIXED_AMOUNT"
	DiscountFreeShipping CouponDiscountType = "FREE_SHIPPING"
)

type LogAction string

const (
	LogPaymentInitiated    LogAction = "PAYMENT_INITIATED"
	LogWebhookReceived     LogAction = "WEBHOOK_RECEIVED"
	LogVerificationRequest LogAction = "VERIFICATION_REQUESTED"
	LogStatusUpdated       LogAction = "STATUS_UPDATED"
	LogAdminOverride       LogAction = "ADMIN_OVERRIDE"
	LogAutoCancelled       LogAction = "AUTO_CANCELLED"
	LogOrderCancelled      LogAction = "ORDER_CANCELLED"
	LogRefundRequested     LogAction = "REFUND_REQUESTED"
	LogRefundCompleted     LogAction = "REFUND_COMPLETED"
	LogRefundFailed        LogAction = "REFUND_FAILED"
)

// Trigger names the entry point that drove a reconciliation or cancellation.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerPoll    Trigger = "poll"
	TriggerAdmin   Trigger = "admin"
	TriggerSweeper Trigger = "sweeper"
	TriggerUser    Trigger = "user"
)

type ActorType string

const (
	ActorSystem ActorType = "SYSTEM"
	ActorUser   ActorType = "USER"
)

const RoleAdmin = "admin"

// Actor is the caller of a mutating operation, supplied by the identity layer.
type Actor struct {
	Type   ActorType
	UserID string
	Role   string
}

func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}

func UserActor(userID, role string) Actor {
	return Actor{Type: ActorUser, UserID: userID, Role: role}
}

func (a Actor) IsAdmin() bool {
	return a.Type == ActorUser && a.Role == RoleAdmin
}

// CanAccess reports whether the actor may act on an order owned by ownerID.
func (a Actor) CanAccess(ownerID string) bool {
	return a.IsAdmin() || (a.Type == ActorUser && a.UserID != "" && a.UserID == ownerID)
}
