package gateway

import (
	"context"
	"log/slog"

	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
)

// Consumer bridges the event log into the socket fabric: order lifecycle
// events become room broadcasts, JobOfferCreated becomes a socket
// delivery, and the order meta used for subscription authorization is
// maintained as orders progress.
type Consumer struct {
	rooms   *Rooms
	offers  *Offers
	metrics *Metrics
	log     *slog.Logger
}

func NewConsumer(rooms *Rooms, offers *Offers, log *slog.Logger) *Consumer {
	return &Consumer{
		rooms:  rooms,
		offers: offers,
		log:    log.With("component", "gateway-consumer"),
	}
}

// WithMetrics attaches the Prometheus bundle.
func (c *Consumer) WithMetrics(m *Metrics) *Consumer {
	c.metrics = m
	return c
}

var orderStatusByType = map[string]string{
	events.TypeOrderCreated:   "created",
	events.TypeOrderConfirmed: "confirmed",
	events.TypeOrderAssigned:  "assigned",
	events.TypeOrderStarted:   "in_progress",
	events.TypeOrderCompleted: "completed",
	events.TypeOrderCancelled: "cancelled",
}

// Register wires the handlers into an event log consumer.
func (c *Consumer) Register(consumer eventlog.Consumer) {
	for eventType, status := range orderStatusByType {
		consumer.Handle(eventType, c.orderHandler(status))
	}
	consumer.Handle(events.TypeOrderStatusChanged, c.orderHandler(""))
	consumer.Handle(events.TypeJobOfferCreated, c.onOfferCreated)
}

// orderHandler broadcasts one lifecycle transition to the order's room
// and keeps the authorization meta current. Redelivery repeats the
// broadcast; clients reconcile on status, so replay is harmless.
func (c *Consumer) orderHandler(status string) eventlog.Handler {
	return func(ctx context.Context, evt eventlog.Event) error {
		var order events.OrderEvent
		if err := evt.Decode(&order); err != nil {
			c.log.Error("malformed order event", "type", evt.Type, "error", err)
			return nil // poison record, skip
		}
		c.count(evt.Type)

		if err := c.rooms.SetOrderMeta(ctx, order.OrderID, order.UserID, order.PorterID); err != nil {
			return err
		}

		s := status
		if s == "" {
			s = order.Status
		}
		env, err := NewEnvelope(EventOrderStatusChanged, OrderStatusPayload{
			OrderID:    order.OrderID,
			Status:     s,
			PorterID:   order.PorterID,
			Reason:     order.Reason,
			OccurredAt: evt.Timestamp,
		})
		if err != nil {
			return err
		}
		return c.rooms.BroadcastOrder(ctx, order.OrderID, env)
	}
}

func (c *Consumer) onOfferCreated(ctx context.Context, evt eventlog.Event) error {
	var offer events.JobOfferCreated
	if err := evt.Decode(&offer); err != nil {
		c.log.Error("malformed offer event", "error", err)
		return nil
	}
	c.count(evt.Type)

	// Already-expired offers can show up on replay; drop them rather
	// than failing the batch.
	if err := c.offers.SendOffer(ctx, offer); err != nil {
		c.log.Warn("offer not sent", "offerId", offer.OfferID, "error", err)
		return nil
	}
	return nil
}

func (c *Consumer) count(eventType string) {
	if c.metrics != nil {
		c.metrics.EventsConsumed.WithLabelValues(eventType).Inc()
	}
}
