package bidding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porterly/backend/internal/config"
	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
	"github.com/porterly/backend/internal/store"
)

type managerFixture struct {
	mgr   *Manager
	repo  *MemoryRepository
	log   *eventlog.MemoryLog
	cache *store.MemoryClient
	clock time.Time
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	repo := NewMemoryRepository()
	cache := store.NewMemoryClient()
	memLog := eventlog.NewMemoryLog()

	cfg := config.Default().Bidding
	mgr := NewManager(repo, cache, store.NewLocker(cache), memLog, cfg, slog.Default())

	fx := &managerFixture{mgr: mgr, repo: repo, log: memLog, cache: cache,
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	mgr.now = func() time.Time { return fx.clock }

	require.NoError(t, repo.CreateStrategy(context.Background(), &Strategy{
		ID:   "balanced",
		Name: "Balanced",
		Weights: StrategyWeights{
			Price: 0.4, ETA: 0.2, Rating: 0.2, Reliability: 0.1, Distance: 0.1,
		},
		Active: true,
	}))
	return fx
}

func (fx *managerFixture) openWindow(t *testing.T, orders ...string) *Window {
	t.Helper()
	w, err := fx.mgr.OpenWindow(context.Background(), OpenWindowParams{
		OrderIDs:  orders,
		CreatedBy: "dispatcher-1",
	})
	require.NoError(t, err)
	return w
}

func (fx *managerFixture) placeBid(t *testing.T, windowID, porterID string, amount int64) *PlaceBidResult {
	t.Helper()
	res, err := fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID:    windowID,
		PorterID:    porterID,
		AmountCents: amount,
		ETAMinutes:  20,
	})
	require.NoError(t, err)
	return res
}

func TestOpenWindowPublishesAndCaches(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1", "order-2")

	assert.Equal(t, WindowOpen, w.Status)
	assert.Equal(t, fx.clock.Add(300*time.Second), w.ExpiresAt)
	assert.NotEmpty(t, w.CorrelationID)

	opened := fx.log.PublishedOfType(events.TypeBidWindowOpened)
	require.Len(t, opened, 1)
	var payload events.BidWindowOpened
	require.NoError(t, opened[0].Decode(&payload))
	assert.Equal(t, w.ID, payload.WindowID)
	assert.Equal(t, []string{"order-1", "order-2"}, payload.OrderIDs)

	_, err := fx.cache.Get(context.Background(), "window:"+w.ID)
	assert.NoError(t, err)
}

func TestOpenWindowInactiveStrategy(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.repo.CreateStrategy(context.Background(), &Strategy{
		ID: "retired", Active: false,
	}))

	_, err := fx.mgr.OpenWindow(context.Background(), OpenWindowParams{
		OrderIDs:   []string{"order-1"},
		StrategyID: "retired",
	})
	assert.ErrorIs(t, err, ErrStrategyInactive)
	assert.Equal(t, "STRATEGY_INACTIVE", Code(err))
}

func TestOpenWindowValidation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.mgr.OpenWindow(context.Background(), OpenWindowParams{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = fx.mgr.OpenWindow(context.Background(), OpenWindowParams{
		OrderIDs: []string{"order-1"}, DurationSec: 5,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPlaceBidHappyPath(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")

	res := fx.placeBid(t, w.ID, "porter-1", 12000)
	assert.Equal(t, BidPlaced, res.Bid.Status)
	assert.Equal(t, 1, res.Rank)
	assert.Equal(t, 1, res.TotalBids)
	assert.Equal(t, int64(12000), res.TopAmountCents)
	assert.False(t, res.Replayed)
}

func (fx *managerFixture) placedEvents() []eventlog.Event {
	return fx.log.PublishedOfType(events.TypeBidPlaced)
}

// sweep advances the fixture clock past every deadline and runs the
// expiry pass over open windows.
func (fx *managerFixture) sweep(t *testing.T) {
	t.Helper()
	fx.clock = fx.clock.Add(time.Hour)
	windows, err := fx.repo.ExpiredOpenWindows(context.Background(), fx.clock, 100)
	require.NoError(t, err)
	for _, w := range windows {
		require.NoError(t, fx.mgr.ExpireWindow(context.Background(), w.ID))
	}
}

func TestPlaceBidEmitsEventAndAudit(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	res := fx.placeBid(t, w.ID, "porter-1", 12000)

	evs := fx.placedEvents()
	require.Len(t, evs, 1)
	var payload events.BidPlaced
	require.NoError(t, evs[0].Decode(&payload))
	assert.Equal(t, res.Bid.ID, payload.BidID)
	assert.Equal(t, int64(12000), payload.AmountCents)

	trail := fx.repo.AuditTrail(res.Bid.ID)
	require.Len(t, trail, 1)
	assert.Equal(t, AuditPlaced, trail[0].Kind)
}

func TestPlaceBidIdempotentReplay(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")

	first, err := fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 12000, ETAMinutes: 20,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	// Replay after the window closes still returns the original bid.
	fx.sweep(t)
	second, err := fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 12000, ETAMinutes: 20,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Bid.ID, second.Bid.ID)
	assert.Len(t, fx.placedEvents(), 1)
}

func TestPlaceBidRejections(t *testing.T) {
	fx := newFixture(t)
	w, err := fx.mgr.OpenWindow(context.Background(), OpenWindowParams{
		OrderIDs:        []string{"order-1"},
		MinimumBidCents: ptrInt64(5000),
	})
	require.NoError(t, err)

	_, err = fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 4999, ETAMinutes: 20,
	})
	assert.ErrorIs(t, err, ErrBidTooLow)

	_, err = fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: "missing", PorterID: "porter-1", AmountCents: 6000, ETAMinutes: 20,
	})
	assert.ErrorIs(t, err, ErrWindowNotFound)

	_, err = fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 0, ETAMinutes: 20,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func ptrInt64(v int64) *int64 { return &v }

func TestPlaceBidAmountAndEtaBounds(t *testing.T) {
	fx := newFixture(t)
	w, err := fx.mgr.OpenWindow(context.Background(), OpenWindowParams{
		OrderIDs:        []string{"order-1"},
		MinimumBidCents: ptrInt64(0),
	})
	require.NoError(t, err)

	// A zero-cent bid is legal when the window's minimum allows it.
	res, err := fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 0, ETAMinutes: 480,
	})
	require.NoError(t, err)
	assert.Equal(t, BidPlaced, res.Bid.Status)

	_, err = fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: -1, ETAMinutes: 20,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 1000, ETAMinutes: 0,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 1000, ETAMinutes: 481,
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = fx.mgr.PreviewOutcome(context.Background(), PreviewParams{
		WindowID: w.ID, PorterID: "porter-2", AmountCents: 1000, ETAMinutes: 481,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCloseWindowExpiresBids(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	fx.placeBid(t, w.ID, "porter-1", 10000)

	// An admin close before the deadline closes the window and expires
	// its bids, same terminal shape as a deadline sweep.
	result, err := fx.mgr.CloseWindow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowClosed, result.Window.Status)
	require.Len(t, result.Affected, 1)
	assert.Equal(t, BidExpired, result.Affected[0].Status)

	closed := fx.log.PublishedOfType(events.TypeBidClosed)
	require.Len(t, closed, 1)
	var payload events.BidClosed
	require.NoError(t, closed[0].Decode(&payload))
	assert.Equal(t, events.OutcomeExpired, payload.Outcome)

	_, err = fx.mgr.CloseWindow(context.Background(), w.ID)
	assert.ErrorIs(t, err, ErrWindowNotOpen)
}

func TestPlaceBidExpiredWindowBeforeSweep(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")

	fx.clock = fx.clock.Add(301 * time.Second)
	_, err := fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 6000, ETAMinutes: 20,
	})
	assert.ErrorIs(t, err, ErrWindowExpired)
}

func TestPlaceBidPorterLimit(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1") // default limit 3

	for i := 0; i < 3; i++ {
		fx.placeBid(t, w.ID, "porter-1", int64(10000+i*100))
	}
	_, err := fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 9000, ETAMinutes: 20,
	})
	assert.ErrorIs(t, err, ErrPorterLimit)

	// A different porter is unaffected.
	fx.placeBid(t, w.ID, "porter-2", 9000)
}

type denyAll struct{}

func (denyAll) Eligible(context.Context, string, []string) (bool, error) { return false, nil }

func TestPlaceBidEligibility(t *testing.T) {
	fx := newFixture(t)
	fx.mgr.WithEligibility(denyAll{})

	w, err := fx.mgr.OpenWindow(context.Background(), OpenWindowParams{
		OrderIDs:      []string{"order-1"},
		PorterFilters: []string{"zone:north"},
	})
	require.NoError(t, err)

	_, err = fx.mgr.PlaceBid(context.Background(), PlaceBidParams{
		WindowID: w.ID, PorterID: "porter-1", AmountCents: 6000, ETAMinutes: 20,
	})
	assert.ErrorIs(t, err, ErrPorterIneligible)

	// Windows without filters skip the checker entirely.
	open := fx.openWindow(t, "order-2")
	fx.placeBid(t, open.ID, "porter-1", 6000)
}

func TestAcceptBidSelectsWinnerAndExpiresSiblings(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	winner := fx.placeBid(t, w.ID, "porter-1", 10000)
	fx.placeBid(t, w.ID, "porter-2", 11000)
	fx.placeBid(t, w.ID, "porter-3", 12000)

	res, err := fx.mgr.AcceptBid(context.Background(), w.ID, winner.Bid.ID, "dispatcher-1")
	require.NoError(t, err)
	assert.Equal(t, BidAccepted, res.Bid.Status)
	assert.Equal(t, WindowClosed, res.Window.Status)
	assert.Len(t, res.Expired, 2)

	// Exactly one winner event over the window's lifetime.
	winners := fx.log.PublishedOfType(events.TypeBidWinnerSelected)
	require.Len(t, winners, 1)
	var payload events.BidWinnerSelected
	require.NoError(t, winners[0].Decode(&payload))
	assert.Equal(t, "porter-1", payload.WinnerPorterID)
	assert.Equal(t, int64(10000), payload.WinningAmountCents)

	closed := fx.log.PublishedOfType(events.TypeBidClosed)
	require.Len(t, closed, 1)
	var closePayload events.BidClosed
	require.NoError(t, closed[0].Decode(&closePayload))
	assert.Equal(t, events.OutcomeWinnerSelected, closePayload.Outcome)
}

func TestAcceptBidSecondAttemptFails(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	b1 := fx.placeBid(t, w.ID, "porter-1", 10000)
	b2 := fx.placeBid(t, w.ID, "porter-2", 11000)

	_, err := fx.mgr.AcceptBid(context.Background(), w.ID, b1.Bid.ID, "dispatcher-1")
	require.NoError(t, err)

	_, err = fx.mgr.AcceptBid(context.Background(), w.ID, b2.Bid.ID, "dispatcher-1")
	assert.ErrorIs(t, err, ErrWindowNotOpen)
	assert.Len(t, fx.log.PublishedOfType(events.TypeBidWinnerSelected), 1)
}

func TestAcceptBidConcurrentSingleWinner(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")

	var bids []*PlaceBidResult
	for i := 0; i < 4; i++ {
		bids = append(bids, fx.placeBid(t, w.ID, "porter-"+string(rune('a'+i)), int64(10000+i*500)))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(bids))
	for i, b := range bids {
		wg.Add(1)
		go func(i int, bidID string) {
			defer wg.Done()
			_, errs[i] = fx.mgr.AcceptBid(context.Background(), w.ID, bidID, "dispatcher-1")
		}(i, b.Bid.ID)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrConcurrentAccept) || errors.Is(err, ErrWindowNotOpen),
			"unexpected accept error: %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, fx.log.PublishedOfType(events.TypeBidWinnerSelected), 1)
}

func TestAcceptBidWrongWindow(t *testing.T) {
	fx := newFixture(t)
	w1 := fx.openWindow(t, "order-1")
	w2 := fx.openWindow(t, "order-2")
	b := fx.placeBid(t, w1.ID, "porter-1", 10000)

	_, err := fx.mgr.AcceptBid(context.Background(), w2.ID, b.Bid.ID, "dispatcher-1")
	assert.ErrorIs(t, err, ErrBidWrongWindow)

	// The failed accept left the target window open.
	detail, err := fx.mgr.GetWindow(context.Background(), w2.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowOpen, detail.Window.Status)
}

func TestCancelBid(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	b := fx.placeBid(t, w.ID, "porter-1", 10000)

	cancelled, err := fx.mgr.CancelBid(context.Background(), b.Bid.ID, "porter-1", "")
	require.NoError(t, err)
	assert.Equal(t, BidCancelled, cancelled.Status)
	assert.Equal(t, "porter_cancelled", cancelled.CancelReason)

	// Terminal bids reject further transitions.
	_, err = fx.mgr.CancelBid(context.Background(), b.Bid.ID, "porter-1", "")
	assert.ErrorIs(t, err, ErrBidTerminal)

	// Only the owning porter may cancel.
	b2 := fx.placeBid(t, w.ID, "porter-2", 11000)
	_, err = fx.mgr.CancelBid(context.Background(), b2.Bid.ID, "porter-1", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExpireWindowOutcomes(t *testing.T) {
	fx := newFixture(t)
	withBids := fx.openWindow(t, "order-1")
	empty := fx.openWindow(t, "order-2")
	fx.placeBid(t, withBids.ID, "porter-1", 10000)

	fx.clock = fx.clock.Add(time.Hour)
	require.NoError(t, fx.mgr.ExpireWindow(context.Background(), withBids.ID))
	require.NoError(t, fx.mgr.ExpireWindow(context.Background(), empty.ID))

	expired := fx.log.PublishedOfType(events.TypeBidExpired)
	require.Len(t, expired, 2)

	outcomes := map[string]string{}
	for _, ev := range fx.log.PublishedOfType(events.TypeBidClosed) {
		var p events.BidClosed
		require.NoError(t, ev.Decode(&p))
		outcomes[p.WindowID] = p.Outcome
	}
	assert.Equal(t, events.OutcomeExpired, outcomes[withBids.ID])
	assert.Equal(t, events.OutcomeNoBids, outcomes[empty.ID])

	// The swept window's bid is now EXPIRED.
	detail, err := fx.mgr.GetWindow(context.Background(), withBids.ID)
	require.NoError(t, err)
	require.Len(t, detail.Bids, 1)
	assert.Equal(t, BidExpired, detail.Bids[0].Status)

	// Re-sweeping an already closed window is a no-op.
	require.NoError(t, fx.mgr.ExpireWindow(context.Background(), withBids.ID))
	assert.Len(t, fx.log.PublishedOfType(events.TypeBidExpired), 2)
}

func TestCancelWindowCancelsPlacedBids(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	fx.placeBid(t, w.ID, "porter-1", 10000)
	fx.placeBid(t, w.ID, "porter-2", 11000)

	require.NoError(t, fx.mgr.CancelWindow(context.Background(), w.ID, "order_cancelled"))

	detail, err := fx.mgr.GetWindow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowCancelled, detail.Window.Status)
	for _, b := range detail.Bids {
		assert.Equal(t, BidCancelled, b.Status)
		assert.Equal(t, "order_cancelled", b.CancelReason)
	}
	assert.Len(t, fx.log.PublishedOfType(events.TypeBidCancelled), 2)
}

func TestAcceptLockMetrics(t *testing.T) {
	fx := newFixture(t)
	fx.mgr.WithMetrics(NewMetrics())

	w := fx.openWindow(t, "order-1")
	b := fx.placeBid(t, w.ID, "porter-1", 10000)
	_, err := fx.mgr.AcceptBid(context.Background(), w.ID, b.Bid.ID, "dispatcher-1")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(fx.mgr.metrics.LockAttempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.mgr.metrics.LockAcquired))
	assert.Equal(t, 1, testutil.CollectAndCount(fx.mgr.metrics.OpenToAccept))

	// The close path shares the lock and its counters.
	other := fx.openWindow(t, "order-2")
	_, err = fx.mgr.CloseWindow(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(fx.mgr.metrics.LockAttempts))
	assert.Equal(t, float64(2), testutil.ToFloat64(fx.mgr.metrics.LockAcquired))
}

func TestGetWindowRanksActiveBids(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	cheap := fx.placeBid(t, w.ID, "porter-1", 9000)
	fx.placeBid(t, w.ID, "porter-2", 12000)
	mid := fx.placeBid(t, w.ID, "porter-3", 10000)
	_, err := fx.mgr.CancelBid(context.Background(), mid.Bid.ID, "porter-3", "")
	require.NoError(t, err)

	detail, err := fx.mgr.GetWindow(context.Background(), w.ID)
	require.NoError(t, err)
	require.Len(t, detail.Scores, 2) // cancelled bid excluded from ranking
	assert.Equal(t, cheap.Bid.ID, detail.Scores[0].BidID)
	assert.Equal(t, 1, detail.Scores[0].Rank)
}

func TestActiveBidsForOrderPagination(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	for i := 0; i < 5; i++ {
		fx.placeBid(t, w.ID, "porter-"+string(rune('a'+i)), int64(10000+i*100))
	}

	page1, total, err := fx.mgr.ActiveBidsForOrder(context.Background(), "order-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page1, 2)

	page3, _, err := fx.mgr.ActiveBidsForOrder(context.Background(), "order-1", 3, 2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}

func TestStatistics(t *testing.T) {
	fx := newFixture(t)
	w := fx.openWindow(t, "order-1")
	fx.openWindow(t, "order-2")
	fx.placeBid(t, w.ID, "porter-1", 10000)

	stats, err := fx.mgr.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.WindowsByStatus[WindowOpen])
	assert.Equal(t, int64(1), stats.BidsByStatus[BidPlaced])
	assert.Equal(t, 0.5, stats.AvgBidsPerWindow)
}
