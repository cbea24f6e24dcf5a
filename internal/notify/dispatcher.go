package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Dispatcher queues notifications in memory and publishes them from a single worker.
// When the queue is full new notifications are dropped with a warning.
type Dispatcher struct {
	publisher Publisher
	queue     chan Notification
	log       *zap.Logger
}

func NewDispatcher(publisher Publisher, size int, log *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		publisher: publisher,
		queue:     make(chan Notification, size),
		log:       log,
	}
}

func (d *Dispatcher) Enqueue(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now()
	}

	select {
	case d.queue <- n:
	default:
		d.log.Warn("notification queue full, dropping",
			zap.String("type", string(n.Type)),
			zap.String("order_id", n.OrderID))
	}
}

// Run publishes queued notifications until ctx is cancelled, then flushes what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.publish(ctx, n)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case n := <-d.queue:
			d.publish(context.Background(), n)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := d.publisher.Publish(ctx, n); err != nil {
		d.log.Error("failed to publish notification",
			zap.String("id", n.ID),
			zap.String("type", string(n.Type)),
			zap.String("order_id", n.OrderID),
			zap.Error(err))
	}
}
