package service

import (
	"encoding/json"

	"storefront-payments/internal/model"
	"storefront-payments/internal/notify"
)

type logEntry struct {
	Actor     model.Actor
	Trigger   model.Trigger
	Action    model.LogAction
	Outcome   string
	Order     *model.Order
	Payment   *model.Payment
	Reference string
	Previous  string
	Next      string
	Details   map[string]any
}

func (e logEntry) build() *model.PaymentLog {
	entry := &model.PaymentLog{
		Action:         e.Action,
		Trigger:        e.Trigger,
		Outcome:        e.Outcome,
		ActorType:      e.Actor.Type,
		ActorID:        e.Actor.UserID,
		ActorRole:      e.Actor.Role,
		Reference:      e.Reference,
		PreviousStatus: e.Previous,
		NewStatus:      e.Next,
	}
	if entry.ActorType == "" {
		entry.ActorType = model.ActorSystem
	}
	if e.Order != nil {
		entry.OrderID = e.Order.ID
		entry.Method = e.Order.PaymentMethod
	}
	if e.Payment != nil {
		entry.PaymentID = e.Payment.ID
		entry.OrderID = e.Payment.OrderID
		entry.Method = e.Payment.Method
		if entry.Reference == "" {
			entry.Reference = e.Payment.Reference
		}
	}
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			entry.Details = string(b)
		}
	}
	return entry
}

func orderNotification(eventType notify.EventType, order *model.Order, reason string) notify.Notification {
	return notify.Notification{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Amount:        order.Total,
		Currency:      order.Currency,
		Reason:        reason,
	}
}

func triggerFor(actor model.Actor) model.Trigger {
	if actor.IsAdmin() {
		return model.TriggerAdmin
	}
	return model.TriggerUser
}
