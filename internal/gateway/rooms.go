package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/porterly/backend/internal/store"
)

// ErrNotAuthorized rejects a subscription by a user with no relation to
// the order.
var ErrNotAuthorized = errors.New("gateway: not authorized for order")

// AdminRoom receives porter presence broadcasts.
const AdminRoom = "admin"

func orderRoom(orderID string) string  { return "order:" + orderID }
func orderSubsKey(orderID string) string {
	return "subs:order:" + orderID
}
func userSubsKey(userID string) string { return "user:" + userID + ":subs" }
func orderMetaKey(orderID string) string {
	return "order:" + orderID + ":meta"
}

// Subscriber is a local socket that can receive room broadcasts.
// Deliver must not block; it reports false when the frame was dropped.
type Subscriber interface {
	SocketID() string
	Deliver(env Envelope) bool
}

// Rooms tracks which local sockets belong to which room and bridges
// rooms across instances over the store's pub/sub. A broadcast publishes
// to the room channel; every instance with local members — the
// publishing one included — receives it there and fans out to its own
// sockets.
type Rooms struct {
	store      store.Client
	sessionTTL time.Duration
	log        *slog.Logger

	mu      sync.RWMutex
	members map[string]map[string]Subscriber // room → socketID → subscriber
	unsubs  map[string]func()                // room → pub/sub detach

	// Delivered/dropped counters, optional.
	metrics *Metrics
}

func NewRooms(st store.Client, sessionTTL time.Duration, log *slog.Logger) *Rooms {
	return &Rooms{
		store:      st,
		sessionTTL: sessionTTL,
		log:        log.With("component", "gateway-rooms"),
		members:    make(map[string]map[string]Subscriber),
		unsubs:     make(map[string]func()),
	}
}

// WithMetrics attaches the Prometheus bundle.
func (r *Rooms) WithMetrics(m *Metrics) *Rooms {
	r.metrics = m
	return r
}

// SetOrderMeta records the order's customer and assigned porter for
// subscription authorization. Maintained from consumed order events.
func (r *Rooms) SetOrderMeta(ctx context.Context, orderID, customerID, porterID string) error {
	fields := map[string]string{}
	if customerID != "" {
		fields["customerId"] = customerID
	}
	if porterID != "" {
		fields["porterId"] = porterID
	}
	if len(fields) == 0 {
		return nil
	}
	if err := r.store.HSet(ctx, orderMetaKey(orderID), fields); err != nil {
		return fmt.Errorf("set order meta: %w", err)
	}
	return r.store.Expire(ctx, orderMetaKey(orderID), r.sessionTTL)
}

// Authorize reports whether the user may subscribe to the order: its
// customer, its assigned porter, or any admin.
func (r *Rooms) Authorize(ctx context.Context, userID, role, orderID string) error {
	if role == RoleAdmin {
		return nil
	}
	meta, err := r.store.HGetAll(ctx, orderMetaKey(orderID))
	if err != nil {
		return fmt.Errorf("load order meta: %w", err)
	}
	switch role {
	case RoleCustomer:
		if meta["customerId"] == userID {
			return nil
		}
	case RolePorter:
		if meta["porterId"] == userID {
			return nil
		}
	}
	return ErrNotAuthorized
}

// Subscribe authorizes the user, records the subscription in the store,
// and joins the socket to the order's room.
func (r *Rooms) Subscribe(ctx context.Context, sub Subscriber, sess *Session, orderID string) error {
	if err := r.Authorize(ctx, sess.UserID, sess.Role, orderID); err != nil {
		return err
	}
	if err := r.store.SAdd(ctx, orderSubsKey(orderID), sess.UserID); err != nil {
		return fmt.Errorf("add order subscriber: %w", err)
	}
	_ = r.store.Expire(ctx, orderSubsKey(orderID), r.sessionTTL)
	if err := r.store.SAdd(ctx, userSubsKey(sess.UserID), orderID); err != nil {
		return fmt.Errorf("track user subscription: %w", err)
	}
	_ = r.store.Expire(ctx, userSubsKey(sess.UserID), r.sessionTTL)

	return r.Join(ctx, orderRoom(orderID), sub)
}

// Unsubscribe is the inverse of Subscribe.
func (r *Rooms) Unsubscribe(ctx context.Context, socketID, userID, orderID string) error {
	if err := r.store.SRem(ctx, orderSubsKey(orderID), userID); err != nil {
		return fmt.Errorf("remove order subscriber: %w", err)
	}
	if err := r.store.SRem(ctx, userSubsKey(userID), orderID); err != nil {
		return fmt.Errorf("untrack user subscription: %w", err)
	}
	r.Leave(orderRoom(orderID), socketID)
	return nil
}

// IsSubscriber reports whether the user currently subscribes to the
// order, on any instance.
func (r *Rooms) IsSubscriber(ctx context.Context, orderID, userID string) (bool, error) {
	members, err := r.store.SMembers(ctx, orderSubsKey(orderID))
	if err != nil {
		return false, fmt.Errorf("list order subscribers: %w", err)
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// SubscriptionsOf lists the order ids the user subscribes to, for the
// reconnect replay.
func (r *Rooms) SubscriptionsOf(ctx context.Context, userID string) ([]string, error) {
	subs, err := r.store.SMembers(ctx, userSubsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}
	return subs, nil
}

// Join adds a local socket to a room, attaching the cross-instance
// channel on the room's first local member.
func (r *Rooms) Join(ctx context.Context, room string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[room] == nil {
		unsub, err := r.store.Subscribe(ctx, "room:"+room, func(payload []byte) {
			r.deliverLocal(room, payload)
		})
		if err != nil {
			return fmt.Errorf("attach room channel %s: %w", room, err)
		}
		r.members[room] = make(map[string]Subscriber)
		r.unsubs[room] = unsub
	}
	r.members[room][sub.SocketID()] = sub
	return nil
}

// Leave removes a local socket from a room, detaching the channel when
// the last local member leaves.
func (r *Rooms) Leave(room, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.members[room]
	if subs == nil {
		return
	}
	delete(subs, socketID)
	if len(subs) == 0 {
		delete(r.members, room)
		if unsub := r.unsubs[room]; unsub != nil {
			unsub()
			delete(r.unsubs, room)
		}
	}
}

// LeaveAll removes the socket from every local room.
func (r *Rooms) LeaveAll(socketID string) {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.members))
	for room, subs := range r.members {
		if _, ok := subs[socketID]; ok {
			rooms = append(rooms, room)
		}
	}
	r.mu.Unlock()
	for _, room := range rooms {
		r.Leave(room, socketID)
	}
}

// BroadcastOrder publishes an envelope to an order's room everywhere.
func (r *Rooms) BroadcastOrder(ctx context.Context, orderID string, env Envelope) error {
	return r.Broadcast(ctx, orderRoom(orderID), env)
}

// Broadcast publishes to the room channel; members on every instance
// receive it through their channel subscription.
func (r *Rooms) Broadcast(ctx context.Context, room string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if err := r.store.Publish(ctx, "room:"+room, payload); err != nil {
		return fmt.Errorf("publish to room %s: %w", room, err)
	}
	return nil
}

func (r *Rooms) deliverLocal(room string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn("malformed room payload", "room", room, "error", err)
		return
	}

	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.members[room]))
	for _, s := range r.members[room] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	for _, s := range subs {
		delivered := s.Deliver(env)
		if r.metrics != nil {
			r.metrics.RecordFanout(env.Event, delivered)
		}
		if !delivered {
			r.log.Warn("room frame dropped", "room", room, "socketId", s.SocketID(), "event", env.Event)
		}
	}
}

// LocalMembers returns the number of local sockets in the room.
func (r *Rooms) LocalMembers(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[room])
}
