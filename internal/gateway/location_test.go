package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porterly/backend/internal/config"
	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
	"github.com/porterly/backend/internal/store"
)

func (f *fakeSocket) lastError(t *testing.T) ErrorPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.got) - 1; i >= 0; i-- {
		if f.got[i].Event == EventError {
			var p ErrorPayload
			require.NoError(t, json.Unmarshal(f.got[i].Data, &p))
			return p
		}
	}
	t.Fatal("no ERROR frame delivered")
	return ErrorPayload{}
}

type locationFixture struct {
	tracker *LocationTracker
	rooms   *Rooms
	store   *store.MemoryClient
	log     *eventlog.MemoryLog
	clock   time.Time
	sock    *fakeSocket
}

func newLocationFixture(t *testing.T) *locationFixture {
	t.Helper()
	st := store.NewMemoryClient()
	rooms := NewRooms(st, 24*time.Hour, slog.Default())
	log := eventlog.NewMemoryLog()
	limiter := NewLimiter(config.RateLimitBucket{Points: 1000, Window: time.Minute})

	fx := &locationFixture{
		rooms: rooms,
		store: st,
		log:   log,
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		sock: &fakeSocket{
			id:   "sock-1",
			sess: &Session{SocketID: "sock-1", UserID: "porter-1", Role: RolePorter, Namespace: NamespacePorter},
		},
	}
	fx.tracker = NewLocationTracker(st, rooms, log, limiter,
		config.LocationConfig{SampleRate: 3, TTLSec: 3600}, slog.Default())
	fx.tracker.now = func() time.Time { return fx.clock }
	return fx
}

func (fx *locationFixture) sample(lat, lng float64) LocationUpdatePayload {
	return LocationUpdatePayload{
		Lat: lat, Lng: lng, Accuracy: 5,
		Timestamp: fx.clock.UnixMilli(),
	}
}

func TestLocationUpdateStoresLastKnown(t *testing.T) {
	fx := newLocationFixture(t)
	ctx := context.Background()

	fx.tracker.HandleUpdate(ctx, fx.sock, fx.sample(52.52, 13.405))

	loc, err := fx.tracker.LastKnown(ctx, "porter-1")
	require.NoError(t, err)
	assert.Equal(t, "porter-1", loc.PorterID)
	assert.Equal(t, 52.52, loc.Lat)
	assert.Equal(t, 13.405, loc.Lng)
	assert.Equal(t, fx.clock, loc.Timestamp)
}

func TestLocationUpdateRejectsBadCoordinates(t *testing.T) {
	fx := newLocationFixture(t)
	ctx := context.Background()

	cases := []LocationUpdatePayload{
		{Lat: 91, Lng: 0, Accuracy: 5, Timestamp: fx.clock.UnixMilli()},
		{Lat: 0, Lng: -181, Accuracy: 5, Timestamp: fx.clock.UnixMilli()},
		{Lat: 0, Lng: 0, Accuracy: -1, Timestamp: fx.clock.UnixMilli()},
		{Lat: 0, Lng: 0, Accuracy: 5},
		{Lat: 0, Lng: 0, Accuracy: 5, Timestamp: fx.clock.Add(10 * time.Minute).UnixMilli()},
	}
	for i, p := range cases {
		fx.tracker.HandleUpdate(ctx, fx.sock, p)
		assert.Equal(t, "INVALID_PAYLOAD", fx.sock.lastError(t).Code, "case %d", i)
	}

	_, err := fx.tracker.LastKnown(ctx, "porter-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLocationUpdateRequiresPorterRole(t *testing.T) {
	fx := newLocationFixture(t)
	customer := &fakeSocket{
		id:   "sock-2",
		sess: &Session{SocketID: "sock-2", UserID: "user-1", Role: RoleCustomer, Namespace: NamespaceClient},
	}

	fx.tracker.HandleUpdate(context.Background(), customer, fx.sample(1, 1))
	assert.Equal(t, "FORBIDDEN", customer.lastError(t).Code)
}

func TestLocationUpdateRateLimited(t *testing.T) {
	fx := newLocationFixture(t)
	ctx := context.Background()
	fx.tracker.limiter = NewLimiter(config.RateLimitBucket{Points: 2, Window: time.Minute})

	fx.tracker.HandleUpdate(ctx, fx.sock, fx.sample(1, 1))
	fx.tracker.HandleUpdate(ctx, fx.sock, fx.sample(2, 2))
	fx.tracker.HandleUpdate(ctx, fx.sock, fx.sample(3, 3))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", fx.sock.lastError(t).Code)

	// The over-budget sample was dropped, not stored.
	loc, err := fx.tracker.LastKnown(ctx, "porter-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, loc.Lat)
}

func TestLocationSamplesEveryNthToLog(t *testing.T) {
	fx := newLocationFixture(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		fx.tracker.HandleUpdate(ctx, fx.sock, fx.sample(float64(i), float64(i)))
	}

	// Sample rate 3: updates 0, 3, and 6 reach the log.
	published := fx.log.PublishedOfType(events.TypePorterLocationUpdated)
	require.Len(t, published, 3)

	var p events.PorterLocationUpdated
	require.NoError(t, published[2].Decode(&p))
	assert.Equal(t, "porter-1", p.PorterID)
	assert.Equal(t, 6.0, p.Lat)
}

func TestLocationFansOutToActiveOrder(t *testing.T) {
	fx := newLocationFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rooms.SetOrderMeta(ctx, "order-1", "user-1", "porter-1"))

	watcher := &fakeSocket{id: "sock-w", sess: customerSession("user-1")}
	require.NoError(t, fx.rooms.Subscribe(ctx, watcher, customerSession("user-1"), "order-1"))

	p := fx.sample(52.52, 13.405)
	p.ActiveOrderID = "order-1"
	fx.tracker.HandleUpdate(ctx, fx.sock, p)

	waitFor(t, func() bool { return len(watcher.events()) == 1 })
	assert.Equal(t, EventLocationUpdated, watcher.events()[0])

	var b LocationBroadcast
	watcher.mu.Lock()
	require.NoError(t, json.Unmarshal(watcher.got[0].Data, &b))
	watcher.mu.Unlock()
	assert.Equal(t, "porter-1", b.PorterID)
	assert.Equal(t, 52.52, b.Lat)
}
