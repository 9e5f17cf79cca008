package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the realtime gateway.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	FanoutDelivered   *prometheus.CounterVec
	FanoutDropped     *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	LocationUpdates   prometheus.Counter
	LocationSampled   prometheus.Counter
	OffersDelivered   *prometheus.CounterVec
	OfferOutcomes     *prometheus.CounterVec
	ChatMessages      prometheus.Counter
	EventsConsumed    *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Currently connected sockets",
		}),

		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Socket connections accepted, by namespace",
		}, []string{"namespace"}),

		FanoutDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fanout_delivered_total",
			Help: "Room frames delivered to sockets, by event",
		}, []string{"event"}),

		FanoutDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fanout_dropped_total",
			Help: "Room frames dropped on full send buffers, by event",
		}, []string{"event"}),

		RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by rate limiting, by bucket",
		}, []string{"bucket"}),

		LocationUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_location_updates_total",
			Help: "Accepted porter location updates",
		}),

		LocationSampled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_location_sampled_total",
			Help: "Location updates sampled to the event log",
		}),

		OffersDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_offers_delivered_total",
			Help: "Job offer deliveries, by result",
		}, []string{"result"}), // delivered, delivery_failure

		OfferOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_offer_outcomes_total",
			Help: "Terminal job offer transitions, by outcome",
		}, []string{"outcome"}), // accepted, rejected, expired

		ChatMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_chat_messages_total",
			Help: "Chat messages relayed",
		}),

		EventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_consumed_total",
			Help: "Event log records consumed, by type",
		}, []string{"type"}),
	}
}

// RecordFanout counts one room delivery attempt.
func (m *Metrics) RecordFanout(event string, delivered bool) {
	if m == nil {
		return
	}
	if delivered {
		m.FanoutDelivered.WithLabelValues(event).Inc()
	} else {
		m.FanoutDropped.WithLabelValues(event).Inc()
	}
}
