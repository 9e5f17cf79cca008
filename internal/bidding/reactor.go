package bidding

import (
	"context"
	"errors"
	"log/slog"

	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
)

// Reactor closes the loop from external order and porter lifecycle
// events back into open auctions. Handlers are idempotent: replays find
// the windows already terminal and return success.
type Reactor struct {
	mgr  *Manager
	repo Repository
	log  *slog.Logger
}

func NewReactor(mgr *Manager, repo Repository, log *slog.Logger) *Reactor {
	return &Reactor{mgr: mgr, repo: repo, log: log.With("component", "bidding-reactor")}
}

// Register wires the reactor's handlers into the consumer. OrderCompleted
// is informational and forces no transition: a completed order passed
// through assignment first, which already closed its windows.
func (r *Reactor) Register(c eventlog.Consumer) {
	c.Handle(events.TypeOrderCancelled, r.onOrderCancelled)
	c.Handle(events.TypeOrderAssigned, r.onOrderAssigned)
	c.Handle(events.TypePorterSuspended, r.onPorterSuspended)
}

func (r *Reactor) onOrderCancelled(ctx context.Context, ev eventlog.Event) error {
	var payload events.OrderEvent
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	return r.cancelWindowsForOrder(ctx, payload.OrderID, "order_cancelled")
}

// onOrderAssigned closes windows still auctioning an order that got a
// porter through another path: the window CLOSES and its PLACED bids
// EXPIRE, the same terminal shape a deadline close produces. Cancellation
// stays reserved for orders leaving the pool entirely.
func (r *Reactor) onOrderAssigned(ctx context.Context, ev eventlog.Event) error {
	var payload events.OrderEvent
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	windows, err := r.mgr.repo.OpenWindowsForOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	for _, w := range windows {
		_, err := r.mgr.CloseWindow(ctx, w.ID)
		switch {
		case err == nil:
			r.log.Info("window closed by order assignment",
				"windowId", w.ID, "orderId", payload.OrderID)
		case errors.Is(err, ErrWindowNotOpen):
			// Lost the race with an accept or the reaper; fine.
		case errors.Is(err, ErrConcurrentAccept):
			// Accept in flight holds the lock; redelivery retries.
			return err
		default:
			return err
		}
	}
	return nil
}

func (r *Reactor) cancelWindowsForOrder(ctx context.Context, orderID, reason string) error {
	windows, err := r.mgr.repo.OpenWindowsForOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, w := range windows {
		err := r.mgr.CancelWindow(ctx, w.ID, reason)
		switch {
		case err == nil:
			r.log.Info("window cancelled by order event",
				"windowId", w.ID, "orderId", orderID, "reason", reason)
		case errors.Is(err, ErrWindowNotOpen):
			// Lost the race with an accept or the reaper; fine.
		case errors.Is(err, ErrConcurrentAccept):
			// Accept in flight holds the lock; redelivery retries.
			return err
		default:
			return err
		}
	}
	return nil
}

func (r *Reactor) onPorterSuspended(ctx context.Context, ev eventlog.Event) error {
	var payload events.PorterSuspended
	if err := ev.Decode(&payload); err != nil {
		return err
	}
	cancelled, err := r.repo.CancelBidsByPorter(ctx, payload.PorterID, "porter_suspended", r.mgr.now().UTC())
	if err != nil {
		return err
	}
	for _, b := range cancelled {
		r.mgr.publish(ctx, events.TypeBidCancelled, b.CorrelationID, events.BidCancelled{
			BidID:    b.ID,
			WindowID: b.WindowID,
			PorterID: b.PorterID,
			Reason:   "porter_suspended",
		})
	}
	if len(cancelled) > 0 {
		r.log.Info("porter bids cancelled on suspension",
			"porterId", payload.PorterID, "bids", len(cancelled))
	}
	return nil
}
