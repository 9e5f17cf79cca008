package bidding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the bidding engine.
type Metrics struct {
	WindowsOpened  prometheus.Counter
	WindowsClosed  *prometheus.CounterVec
	OpenWindows    prometheus.Gauge
	BidsPlaced     prometheus.Counter
	BidsRejected   *prometheus.CounterVec
	AcceptConflict prometheus.Counter
	LockAttempts   prometheus.Counter
	LockAcquired   prometheus.Counter
	TimeToFirstBid prometheus.Histogram
	OpenToAccept   prometheus.Histogram
	BidsPerWindow  prometheus.Histogram
	ReaperSweeps   prometheus.Counter
	ReaperFailures prometheus.Counter
}

// NewMetrics creates and registers the bidding metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		WindowsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bidding_windows_opened_total",
			Help: "Total bidding windows opened",
		}),

		WindowsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bidding_windows_closed_total",
			Help: "Total bidding windows closed, by outcome",
		}, []string{"outcome"}), // winner_selected, expired, cancelled, no_bids

		OpenWindows: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bidding_open_windows",
			Help: "Bidding windows currently accepting bids",
		}),

		BidsPlaced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bidding_bids_placed_total",
			Help: "Total bids accepted into windows",
		}),

		BidsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bidding_bids_rejected_total",
			Help: "Total bid placements rejected, by reason code",
		}, []string{"reason"}),

		AcceptConflict: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bidding_accept_conflicts_total",
			Help: "Accept attempts that lost the per-window accept lock",
		}),

		LockAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bidding_accept_lock_attempts_total",
			Help: "Per-window accept lock acquisition attempts",
		}),

		LockAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bidding_accept_lock_acquired_total",
			Help: "Per-window accept lock acquisitions that succeeded",
		}),

		TimeToFirstBid: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidding_time_to_first_bid_seconds",
			Help:    "Delay between window open and its first bid",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		OpenToAccept: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidding_open_to_accept_seconds",
			Help:    "Delay between window open and winner acceptance",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		BidsPerWindow: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidding_bids_per_window",
			Help:    "Bid count per window at close",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		}),

		ReaperSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bidding_reaper_sweeps_total",
			Help: "Expiry reaper sweep executions",
		}),

		ReaperFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bidding_reaper_failures_total",
			Help: "Windows the reaper failed to expire",
		}),
	}
}

// RecordRejection increments the rejection counter for a business error.
func (m *Metrics) RecordRejection(err error) {
	if m == nil {
		return
	}
	code := Code(err)
	if code == "" {
		code = "INTERNAL"
	}
	m.BidsRejected.WithLabelValues(code).Inc()
}
