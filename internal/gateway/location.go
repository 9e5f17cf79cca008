package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/porterly/backend/internal/config"
	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
	"github.com/porterly/backend/internal/store"
)

// Device clocks drift; samples stamped further ahead than this are
// rejected rather than written with a future timestamp.
const maxClockSkew = 5 * time.Minute

func porterLocationKey(porterID string) string {
	return "porter:" + porterID + ":location"
}

// PorterLocation is the stored last-known position of a porter.
type PorterLocation struct {
	PorterID  string    `json:"porterId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LocationTracker ingests porter position samples: validate, store the
// last known position, fan out to the active order's room, and sample
// every Nth update to the event log for the analytics consumers.
type LocationTracker struct {
	store   store.Client
	rooms   *Rooms
	pub     eventlog.Publisher
	limiter *Limiter
	cfg     config.LocationConfig
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	counts map[string]int // porterID → samples since last log publish
}

func NewLocationTracker(st store.Client, rooms *Rooms, pub eventlog.Publisher, limiter *Limiter, cfg config.LocationConfig, log *slog.Logger) *LocationTracker {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 10
	}
	if cfg.TTLSec <= 0 {
		cfg.TTLSec = 3600
	}
	return &LocationTracker{
		store:   st,
		rooms:   rooms,
		pub:     pub,
		limiter: limiter,
		cfg:     cfg,
		log:     log.With("component", "gateway-location"),
		counts:  make(map[string]int),
		now:     time.Now,
	}
}

// WithMetrics attaches the Prometheus bundle.
func (t *LocationTracker) WithMetrics(m *Metrics) *LocationTracker {
	t.metrics = m
	return t
}

// HandleUpdate processes one LOCATION_UPDATE frame from a porter socket.
func (t *LocationTracker) HandleUpdate(ctx context.Context, sock socket, p LocationUpdatePayload) {
	sess := sock.Session()
	if sess.Role != RolePorter {
		sendSocketError(sock, "FORBIDDEN", "only porters report location", "")
		return
	}
	if !t.limiter.Allow("loc:" + sess.UserID) {
		if t.metrics != nil {
			t.metrics.RateLimited.WithLabelValues("location").Inc()
		}
		sendSocketError(sock, "RATE_LIMIT_EXCEEDED", "location update budget exhausted", "")
		return
	}
	if err := validateLocation(p, t.now()); err != nil {
		sendSocketError(sock, "INVALID_PAYLOAD", err.Error(), "")
		return
	}

	now := t.now().UTC()
	loc := PorterLocation{
		PorterID:  sess.UserID,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Accuracy:  p.Accuracy,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Timestamp: time.UnixMilli(p.Timestamp).UTC(),
		UpdatedAt: now,
	}
	raw, err := json.Marshal(loc)
	if err != nil {
		t.log.Error("encode location", "porterId", sess.UserID, "error", err)
		return
	}
	ttl := time.Duration(t.cfg.TTLSec) * time.Second
	if err := t.store.Set(ctx, porterLocationKey(sess.UserID), string(raw), ttl); err != nil {
		t.log.Error("store location", "porterId", sess.UserID, "error", err)
		sendSocketError(sock, "INTERNAL_ERROR", "location not recorded", "")
		return
	}
	if t.metrics != nil {
		t.metrics.LocationUpdates.Inc()
	}

	if p.ActiveOrderID != "" {
		env, err := NewEnvelope(EventLocationUpdated, LocationBroadcast{
			PorterID:  sess.UserID,
			Lat:       p.Lat,
			Lng:       p.Lng,
			Heading:   p.Heading,
			Speed:     p.Speed,
			Timestamp: loc.Timestamp,
		})
		if err == nil {
			if err := t.rooms.BroadcastOrder(ctx, p.ActiveOrderID, env); err != nil {
				t.log.Warn("location fanout failed", "orderId", p.ActiveOrderID, "error", err)
			}
		}
	}

	if t.shouldSample(sess.UserID) {
		evt, err := eventlog.New(events.TypePorterLocationUpdated, sess.UserID, events.PorterLocationUpdated{
			PorterID:  sess.UserID,
			Lat:       p.Lat,
			Lng:       p.Lng,
			Timestamp: loc.Timestamp,
		})
		if err == nil {
			if err := t.pub.Publish(ctx, evt); err != nil {
				t.log.Warn("location sample publish failed", "porterId", sess.UserID, "error", err)
			} else if t.metrics != nil {
				t.metrics.LocationSampled.Inc()
			}
		}
	}
}

// LastKnown returns the stored position of a porter, or store.ErrNotFound
// when none is fresh.
func (t *LocationTracker) LastKnown(ctx context.Context, porterID string) (*PorterLocation, error) {
	raw, err := t.store.Get(ctx, porterLocationKey(porterID))
	if err != nil {
		return nil, err
	}
	var loc PorterLocation
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return nil, fmt.Errorf("decode stored location: %w", err)
	}
	return &loc, nil
}

// Forget clears the sampling counter on disconnect.
func (t *LocationTracker) Forget(porterID string) {
	t.mu.Lock()
	delete(t.counts, porterID)
	t.mu.Unlock()
}

// shouldSample is true for the first sample of a session and every Nth
// one after.
func (t *LocationTracker) shouldSample(porterID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.counts[porterID]
	t.counts[porterID] = n + 1
	return n%t.cfg.SampleRate == 0
}

func validateLocation(p LocationUpdatePayload, now time.Time) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("lat %v out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("lng %v out of range", p.Lng)
	}
	if p.Accuracy < 0 {
		return fmt.Errorf("accuracy %v negative", p.Accuracy)
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("timestamp missing")
	}
	if time.UnixMilli(p.Timestamp).After(now.Add(maxClockSkew)) {
		return fmt.Errorf("timestamp too far in the future")
	}
	return nil
}

// sendSocketError pushes an ERROR frame without tearing the socket down.
func sendSocketError(sock socket, code, message, ref string) {
	env, err := NewEnvelope(EventError, ErrorPayload{Code: code, Message: message, Ref: ref})
	if err != nil {
		return
	}
	sock.Deliver(env)
}
