package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes notifications to the log. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, n Notification) error {
	p.log.Info("notification",
		zap.String("id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("order_id", n.OrderID),
		zap.String("order_number", n.OrderNumber),
		zap.String("user_id", n.UserID),
		zap.String("status", n.Status),
		zap.String("reason", n.Reason))
	return nil
}
