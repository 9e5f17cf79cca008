package bidding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/porterly/backend/internal/config"
	"github.com/porterly/backend/internal/eventlog"
	"github.com/porterly/backend/internal/events"
	"github.com/porterly/backend/internal/store"
)

// windowCacheGrace keeps the cached window readable slightly past expiry
// so late placements fail with the precise expiry error instead of a
// not-found.
const windowCacheGrace = 60 * time.Second

// Manager orchestrates the auction lifecycle: it owns the window and bid
// state machines, delegates durability to the Repository, keeps the hot
// window cache, and publishes domain events after each committed
// transition.
type Manager struct {
	repo        Repository
	cache       store.Client
	locker      *store.Locker
	pub         eventlog.Publisher
	eligibility EligibilityChecker
	metrics     *Metrics
	cfg         config.BiddingConfig
	log         *slog.Logger

	now func() time.Time
}

func NewManager(repo Repository, cache store.Client, locker *store.Locker,
	pub eventlog.Publisher, cfg config.BiddingConfig, log *slog.Logger) *Manager {
	return &Manager{
		repo:        repo,
		cache:       cache,
		locker:      locker,
		pub:         pub,
		eligibility: AllowAll{},
		cfg:         cfg,
		log:         log.With("component", "bidding"),
		now:         time.Now,
	}
}

// WithEligibility replaces the default allow-all porter filter backend.
func (m *Manager) WithEligibility(e EligibilityChecker) *Manager {
	m.eligibility = e
	return m
}

// WithMetrics attaches the Prometheus bundle.
func (m *Manager) WithMetrics(mx *Metrics) *Manager {
	m.metrics = mx
	return m
}

type OpenWindowParams struct {
	OrderIDs          []string
	StrategyID        string
	DurationSec       int
	MinimumBidCents   *int64
	ReservePriceCents *int64
	PorterFilters     []string
	MaxBidsPerPorter  int
	CreatedBy         string
	CorrelationID     string
}

// OpenWindow creates an OPEN auction over the given order bundle.
func (m *Manager) OpenWindow(ctx context.Context, p OpenWindowParams) (*Window, error) {
	if len(p.OrderIDs) == 0 {
		return nil, fmt.Errorf("%w: orderIds must not be empty", ErrValidation)
	}
	if p.StrategyID == "" {
		p.StrategyID = m.cfg.DefaultStrategyID
	}
	if p.DurationSec == 0 {
		p.DurationSec = m.cfg.DefaultWindowDurationSec
	}
	if p.DurationSec < 10 || p.DurationSec > 3600 {
		return nil, fmt.Errorf("%w: durationSec %d out of range [10,3600]", ErrValidation, p.DurationSec)
	}
	if p.MaxBidsPerPorter == 0 {
		p.MaxBidsPerPorter = m.cfg.MaxBidsPerPorter
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.New().String()
	}

	strategy, err := m.repo.GetStrategy(ctx, p.StrategyID)
	if err != nil {
		return nil, err
	}
	if !strategy.Active {
		return nil, ErrStrategyInactive
	}

	minBid := m.cfg.DefaultMinBidCents
	if p.MinimumBidCents != nil {
		if *p.MinimumBidCents < 0 {
			return nil, fmt.Errorf("%w: minimumBidCents must not be negative", ErrValidation)
		}
		minBid = *p.MinimumBidCents
	}

	now := m.now().UTC()
	w := &Window{
		ID:                uuid.New().String(),
		OrderIDs:          p.OrderIDs,
		Status:            WindowOpen,
		StrategyID:        strategy.ID,
		MinimumBidCents:   minBid,
		ReservePriceCents: p.ReservePriceCents,
		PorterFilters:     p.PorterFilters,
		MaxBidsPerPorter:  p.MaxBidsPerPorter,
		OpenAt:            now,
		ExpiresAt:         now.Add(time.Duration(p.DurationSec) * time.Second),
		CreatedBy:         p.CreatedBy,
		CorrelationID:     p.CorrelationID,
	}
	if err := m.repo.CreateWindow(ctx, w); err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	m.cacheWindow(ctx, w)

	if m.metrics != nil {
		m.metrics.WindowsOpened.Inc()
		m.metrics.OpenWindows.Inc()
	}
	m.publish(ctx, events.TypeBidWindowOpened, w.CorrelationID, events.BidWindowOpened{
		WindowID:   w.ID,
		OrderIDs:   w.OrderIDs,
		ExpiresAt:  w.ExpiresAt,
		StrategyID: w.StrategyID,
		Config: events.WindowConfig{
			MinimumBidCents:   w.MinimumBidCents,
			ReservePriceCents: w.ReservePriceCents,
			PorterFilters:     w.PorterFilters,
			MaxBidsPerPorter:  w.MaxBidsPerPorter,
		},
	})
	m.log.Info("bidding window opened",
		"windowId", w.ID, "orders", len(w.OrderIDs), "expiresAt", w.ExpiresAt)
	return w, nil
}

// WindowDetail is a window with its bids ranked under the window's
// strategy.
type WindowDetail struct {
	Window *Window    `json:"window"`
	Bids   []*Bid     `json:"bids"`
	Scores []BidScore `json:"scores"`
}

// GetWindow returns the window with its current ranking.
func (m *Manager) GetWindow(ctx context.Context, windowID string) (*WindowDetail, error) {
	w, err := m.loadWindow(ctx, windowID)
	if err != nil {
		return nil, err
	}
	bids, err := m.repo.BidsForWindow(ctx, windowID)
	if err != nil {
		return nil, fmt.Errorf("load window bids: %w", err)
	}
	scores, err := m.rank(ctx, w, bids)
	if err != nil {
		return nil, err
	}
	return &WindowDetail{Window: w, Bids: bids, Scores: scores}, nil
}

func (m *Manager) rank(ctx context.Context, w *Window, bids []*Bid) ([]BidScore, error) {
	strategy, err := m.repo.GetStrategy(ctx, w.StrategyID)
	if err != nil {
		return nil, err
	}
	return EvaluateBids(activeOnly(bids), strategy.Weights), nil
}

func activeOnly(bids []*Bid) []*Bid {
	out := make([]*Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == BidPlaced || b.Status == BidAccepted {
			out = append(out, b)
		}
	}
	return out
}

type PlaceBidParams struct {
	WindowID       string
	PorterID       string
	AmountCents    int64
	ETAMinutes     int
	IdempotencyKey string
	CorrelationID  string
	Metadata       *PorterMetadata
}

// PlaceBidResult is the placement acknowledgement: the stored bid plus
// its tentative standing in the window at placement time.
type PlaceBidResult struct {
	Bid            *Bid    `json:"bid"`
	Rank           int     `json:"rank"`
	Score          float64 `json:"score"`
	TopAmountCents int64   `json:"topAmountCents"`
	TotalBids      int     `json:"totalBids"`
	Replayed       bool    `json:"replayed"`
}

// PlaceBid validates and stores a porter's bid. Replaying the same
// idempotency key returns the original placement unchanged.
func (m *Manager) PlaceBid(ctx context.Context, p PlaceBidParams) (*PlaceBidResult, error) {
	if p.WindowID == "" || p.PorterID == "" {
		return nil, fmt.Errorf("%w: windowId and porterId are required", ErrValidation)
	}
	if p.AmountCents < 0 {
		return nil, m.reject(fmt.Errorf("%w: amountCents must not be negative", ErrValidation))
	}
	if p.ETAMinutes < 1 || p.ETAMinutes > 480 {
		return nil, m.reject(fmt.Errorf("%w: etaMinutes %d out of range [1,480]", ErrValidation, p.ETAMinutes))
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.New().String()
	}
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.New().String()
	}

	// Idempotency wins over every other check: a replay of an already
	// accepted placement succeeds even after the window closed.
	if prior, err := m.repo.FindBidByIdempotencyKey(ctx, p.IdempotencyKey); err == nil {
		return &PlaceBidResult{Bid: prior, Replayed: true}, nil
	} else if !errors.Is(err, ErrBidNotFound) {
		return nil, err
	}

	w, err := m.loadWindow(ctx, p.WindowID)
	if err != nil {
		return nil, m.reject(err)
	}
	now := m.now().UTC()
	if w.Status != WindowOpen {
		return nil, m.reject(ErrWindowNotOpen)
	}
	if now.After(w.ExpiresAt) {
		// The reaper has not swept this window yet; reject as expired
		// rather than racing the sweep.
		return nil, m.reject(ErrWindowExpired)
	}
	if p.AmountCents < w.MinimumBidCents {
		return nil, m.reject(fmt.Errorf("%w: %d below minimum %d", ErrBidTooLow, p.AmountCents, w.MinimumBidCents))
	}

	active, err := m.repo.CountActiveBids(ctx, p.WindowID, p.PorterID)
	if err != nil {
		return nil, fmt.Errorf("count active bids: %w", err)
	}
	if w.MaxBidsPerPorter > 0 && active >= w.MaxBidsPerPorter {
		return nil, m.reject(ErrPorterLimit)
	}

	if len(w.PorterFilters) > 0 {
		ok, err := m.eligibility.Eligible(ctx, p.PorterID, w.PorterFilters)
		if err != nil {
			return nil, fmt.Errorf("check eligibility: %w", err)
		}
		if !ok {
			return nil, m.reject(ErrPorterIneligible)
		}
	}

	existing, err := m.repo.BidsForWindow(ctx, p.WindowID)
	if err != nil {
		return nil, fmt.Errorf("load window bids: %w", err)
	}
	existingActive := activeOnly(existing)

	b := &Bid{
		ID:             uuid.New().String(),
		WindowID:       p.WindowID,
		PorterID:       p.PorterID,
		AmountCents:    p.AmountCents,
		ETAMinutes:     p.ETAMinutes,
		Status:         BidPlaced,
		PlacedAt:       now,
		IdempotencyKey: p.IdempotencyKey,
		CorrelationID:  p.CorrelationID,
		Metadata:       p.Metadata,
	}
	if err := m.repo.CreateBid(ctx, b); err != nil {
		return nil, fmt.Errorf("create bid: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{"amountCents": b.AmountCents, "etaMinutes": b.ETAMinutes})
	if err := m.repo.AppendAudit(ctx, &AuditEvent{
		BidID:         b.ID,
		Kind:          AuditPlaced,
		Payload:       payload,
		Actor:         p.PorterID,
		CorrelationID: p.CorrelationID,
		CreatedAt:     now,
	}); err != nil {
		m.log.Error("audit append failed", "bidId", b.ID, "error", err)
	}

	if m.metrics != nil {
		m.metrics.BidsPlaced.Inc()
		if len(existingActive) == 0 {
			m.metrics.TimeToFirstBid.Observe(now.Sub(w.OpenAt).Seconds())
		}
	}
	m.publish(ctx, events.TypeBidPlaced, p.CorrelationID, events.BidPlaced{
		BidID:       b.ID,
		WindowID:    b.WindowID,
		PorterID:    b.PorterID,
		AmountCents: b.AmountCents,
		ETAMinutes:  b.ETAMinutes,
		PlacedAt:    b.PlacedAt,
	})

	strategy, err := m.repo.GetStrategy(ctx, w.StrategyID)
	if err != nil {
		return nil, err
	}
	rank, score := PreviewBid(existingActive, b, strategy.Weights)

	top := b.AmountCents
	for _, eb := range existingActive {
		if eb.AmountCents < top {
			top = eb.AmountCents
		}
	}
	m.log.Info("bid placed",
		"bidId", b.ID, "windowId", b.WindowID, "porterId", b.PorterID,
		"amountCents", b.AmountCents, "rank", rank)
	return &PlaceBidResult{
		Bid:            b,
		Rank:           rank,
		Score:          score,
		TopAmountCents: top,
		TotalBids:      len(existingActive) + 1,
	}, nil
}

func (m *Manager) reject(err error) error {
	if m.metrics != nil {
		m.metrics.RecordRejection(err)
	}
	return err
}

// withAcceptLock runs fn under the window's accept lock, counting
// acquisition attempts and successes.
func (m *Manager) withAcceptLock(ctx context.Context, windowID string, fn func(context.Context) error) error {
	if m.metrics != nil {
		m.metrics.LockAttempts.Inc()
	}
	lockTTL := time.Duration(m.cfg.LockTTLSec) * time.Second
	err := m.locker.WithLock(ctx, "accept:"+windowID, lockTTL, fn)
	if m.metrics != nil && !errors.Is(err, store.ErrLockHeld) {
		m.metrics.LockAcquired.Inc()
	}
	return err
}

// AcceptBid selects the winning bid under the per-window accept lock. At
// most one accept can succeed per window: concurrent callers fail with
// ErrConcurrentAccept, later callers with ErrWindowNotOpen.
func (m *Manager) AcceptBid(ctx context.Context, windowID, bidID, acceptedBy string) (*AcceptResult, error) {
	var result *AcceptResult
	err := m.withAcceptLock(ctx, windowID, func(ctx context.Context) error {
		var err error
		result, err = m.repo.AcceptBidTx(ctx, windowID, bidID, acceptedBy, m.now().UTC())
		return err
	})
	if errors.Is(err, store.ErrLockHeld) {
		if m.metrics != nil {
			m.metrics.AcceptConflict.Inc()
		}
		return nil, ErrConcurrentAccept
	}
	if err != nil {
		return nil, err
	}

	m.dropCachedWindow(ctx, windowID)
	if m.metrics != nil {
		m.metrics.OpenWindows.Dec()
		m.metrics.WindowsClosed.WithLabelValues(events.OutcomeWinnerSelected).Inc()
		m.metrics.BidsPerWindow.Observe(float64(len(result.Expired) + 1))
		m.metrics.OpenToAccept.Observe(result.Bid.AcceptedAt.Sub(result.Window.OpenAt).Seconds())
	}

	b, w := result.Bid, result.Window
	m.publish(ctx, events.TypeBidAccepted, b.CorrelationID, events.BidAccepted{
		BidID:       b.ID,
		WindowID:    w.ID,
		PorterID:    b.PorterID,
		AmountCents: b.AmountCents,
		AcceptedAt:  *b.AcceptedAt,
		AcceptedBy:  acceptedBy,
	})
	m.publish(ctx, events.TypeBidWinnerSelected, w.CorrelationID, events.BidWinnerSelected{
		WindowID:           w.ID,
		BidID:              b.ID,
		OrderIDs:           w.OrderIDs,
		WinnerPorterID:     b.PorterID,
		WinningAmountCents: b.AmountCents,
	})
	m.publish(ctx, events.TypeBidClosed, w.CorrelationID, events.BidClosed{
		WindowID: w.ID,
		OrderIDs: w.OrderIDs,
		Outcome:  events.OutcomeWinnerSelected,
	})
	m.log.Info("bid accepted",
		"bidId", b.ID, "windowId", w.ID, "porterId", b.PorterID,
		"siblingsExpired", len(result.Expired))
	return result, nil
}

// CancelBid withdraws a porter's own PLACED bid.
func (m *Manager) CancelBid(ctx context.Context, bidID, porterID, reason string) (*Bid, error) {
	current, err := m.repo.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if porterID != "" && current.PorterID != porterID {
		return nil, fmt.Errorf("%w: bid belongs to another porter", ErrValidation)
	}
	if reason == "" {
		reason = "porter_cancelled"
	}

	b, err := m.repo.CancelBid(ctx, bidID, reason, m.now().UTC())
	if err != nil {
		return nil, err
	}
	m.publish(ctx, events.TypeBidCancelled, b.CorrelationID, events.BidCancelled{
		BidID:    b.ID,
		WindowID: b.WindowID,
		PorterID: b.PorterID,
		Reason:   reason,
	})
	m.log.Info("bid cancelled", "bidId", b.ID, "windowId", b.WindowID, "reason", reason)
	return b, nil
}

// CloseWindow closes an OPEN window and expires its PLACED bids: the one
// close-without-winner path, shared by the admin close, the expiry
// reaper, and order assignment. It takes the accept lock, so a close
// never races a winner selection; a held lock fails with
// ErrConcurrentAccept and the caller retries.
func (m *Manager) CloseWindow(ctx context.Context, windowID string) (*CloseResult, error) {
	var result *CloseResult
	err := m.withAcceptLock(ctx, windowID, func(ctx context.Context) error {
		var err error
		result, err = m.repo.CloseWindowTx(ctx, windowID, WindowClosed, "", m.now().UTC())
		return err
	})
	if errors.Is(err, store.ErrLockHeld) {
		return nil, ErrConcurrentAccept
	}
	if err != nil {
		return nil, err
	}

	m.finishClose(ctx, result, expiryOutcome(result))
	m.publish(ctx, events.TypeBidExpired, result.Window.CorrelationID, events.BidExpired{
		WindowID:  result.Window.ID,
		OrderIDs:  result.Window.OrderIDs,
		TotalBids: result.TotalBids,
		ExpiredAt: *result.Window.ClosedAt,
	})
	m.publish(ctx, events.TypeBidClosed, result.Window.CorrelationID, events.BidClosed{
		WindowID: result.Window.ID,
		OrderIDs: result.Window.OrderIDs,
		Outcome:  expiryOutcome(result),
	})
	m.log.Info("bidding window closed",
		"windowId", result.Window.ID, "totalBids", result.TotalBids,
		"outcome", expiryOutcome(result))
	return result, nil
}

// ExpireWindow is CloseWindow for the reaper: a held lock or an already
// terminal window is not an error, the next sweep simply moves on.
func (m *Manager) ExpireWindow(ctx context.Context, windowID string) error {
	_, err := m.CloseWindow(ctx, windowID)
	if errors.Is(err, ErrConcurrentAccept) || errors.Is(err, ErrWindowNotOpen) {
		return nil
	}
	return err
}

func expiryOutcome(r *CloseResult) string {
	if r.TotalBids == 0 {
		return events.OutcomeNoBids
	}
	return events.OutcomeExpired
}

// CancelWindow cancels an OPEN window and all its PLACED bids, typically
// because every order in the bundle was cancelled.
func (m *Manager) CancelWindow(ctx context.Context, windowID, reason string) error {
	var result *CloseResult
	err := m.withAcceptLock(ctx, windowID, func(ctx context.Context) error {
		var err error
		result, err = m.repo.CloseWindowTx(ctx, windowID, WindowCancelled, reason, m.now().UTC())
		return err
	})
	if errors.Is(err, store.ErrLockHeld) {
		return ErrConcurrentAccept
	}
	if err != nil {
		return err
	}

	m.finishClose(ctx, result, events.OutcomeCancelled)
	for _, b := range result.Affected {
		m.publish(ctx, events.TypeBidCancelled, b.CorrelationID, events.BidCancelled{
			BidID:    b.ID,
			WindowID: b.WindowID,
			PorterID: b.PorterID,
			Reason:   reason,
		})
	}
	m.publish(ctx, events.TypeBidClosed, result.Window.CorrelationID, events.BidClosed{
		WindowID: result.Window.ID,
		OrderIDs: result.Window.OrderIDs,
		Outcome:  events.OutcomeCancelled,
	})
	m.log.Info("bidding window cancelled",
		"windowId", result.Window.ID, "reason", reason, "bidsCancelled", len(result.Affected))
	return nil
}

func (m *Manager) finishClose(ctx context.Context, r *CloseResult, outcome string) {
	m.dropCachedWindow(ctx, r.Window.ID)
	if m.metrics != nil {
		m.metrics.OpenWindows.Dec()
		m.metrics.WindowsClosed.WithLabelValues(outcome).Inc()
		m.metrics.BidsPerWindow.Observe(float64(r.TotalBids))
	}
}

type PreviewParams struct {
	WindowID    string
	PorterID    string
	AmountCents int64
	ETAMinutes  int
	Metadata    *PorterMetadata
}

// PreviewResult is the dry-run standing of a hypothetical bid.
type PreviewResult struct {
	Rank           int     `json:"rank"`
	Score          float64 `json:"score"`
	TopAmountCents int64   `json:"topAmountCents"`
	TotalBids      int     `json:"totalBids"`
}

// PreviewOutcome scores a hypothetical bid against the window's current
// set without storing anything. Validation mirrors PlaceBid so the
// preview answer matches what placement would do.
func (m *Manager) PreviewOutcome(ctx context.Context, p PreviewParams) (*PreviewResult, error) {
	if p.WindowID == "" {
		return nil, fmt.Errorf("%w: windowId is required", ErrValidation)
	}
	if p.AmountCents < 0 {
		return nil, fmt.Errorf("%w: amountCents must not be negative", ErrValidation)
	}
	if p.ETAMinutes < 1 || p.ETAMinutes > 480 {
		return nil, fmt.Errorf("%w: etaMinutes %d out of range [1,480]", ErrValidation, p.ETAMinutes)
	}

	w, err := m.loadWindow(ctx, p.WindowID)
	if err != nil {
		return nil, err
	}
	if !w.IsOpen(m.now().UTC()) {
		return nil, ErrWindowNotOpen
	}
	if p.AmountCents < w.MinimumBidCents {
		return nil, fmt.Errorf("%w: %d below minimum %d", ErrBidTooLow, p.AmountCents, w.MinimumBidCents)
	}

	existing, err := m.repo.BidsForWindow(ctx, p.WindowID)
	if err != nil {
		return nil, fmt.Errorf("load window bids: %w", err)
	}
	existingActive := activeOnly(existing)
	strategy, err := m.repo.GetStrategy(ctx, w.StrategyID)
	if err != nil {
		return nil, err
	}

	candidate := &Bid{
		ID:          "preview",
		WindowID:    p.WindowID,
		PorterID:    p.PorterID,
		AmountCents: p.AmountCents,
		ETAMinutes:  p.ETAMinutes,
		Status:      BidPlaced,
		PlacedAt:    m.now().UTC(),
		Metadata:    p.Metadata,
	}
	rank, score := PreviewBid(existingActive, candidate, strategy.Weights)

	top := p.AmountCents
	for _, eb := range existingActive {
		if eb.AmountCents < top {
			top = eb.AmountCents
		}
	}
	return &PreviewResult{
		Rank:           rank,
		Score:          score,
		TopAmountCents: top,
		TotalBids:      len(existingActive) + 1,
	}, nil
}

// GetBid returns a single bid.
func (m *Manager) GetBid(ctx context.Context, bidID string) (*Bid, error) {
	return m.repo.GetBid(ctx, bidID)
}

// ActiveBidsForOrder lists PLACED bids across all open windows containing
// the order, paged.
func (m *Manager) ActiveBidsForOrder(ctx context.Context, orderID string, page, pageSize int) ([]*Bid, int, error) {
	return m.repo.ActiveBidsForOrder(ctx, orderID, page, pageSize)
}

// BidsByPorter lists a porter's bid history, newest first, paged.
func (m *Manager) BidsByPorter(ctx context.Context, porterID string, page, pageSize int) ([]*Bid, int, error) {
	return m.repo.BidsByPorter(ctx, porterID, page, pageSize)
}

// Statistics returns the aggregate counters.
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	return m.repo.Statistics(ctx)
}

// loadWindow reads the hot cache first, falling back to the repository
// and re-warming the cache on a miss.
func (m *Manager) loadWindow(ctx context.Context, windowID string) (*Window, error) {
	if raw, err := m.cache.Get(ctx, "window:"+windowID); err == nil {
		var w Window
		if err := json.Unmarshal([]byte(raw), &w); err == nil {
			return &w, nil
		}
		// Corrupt cache entry; fall through to the repository.
		m.dropCachedWindow(ctx, windowID)
	}
	w, err := m.repo.GetWindow(ctx, windowID)
	if err != nil {
		return nil, err
	}
	if w.Status == WindowOpen {
		m.cacheWindow(ctx, w)
	}
	return w, nil
}

func (m *Manager) cacheWindow(ctx context.Context, w *Window) {
	ttl := time.Until(w.ExpiresAt) + windowCacheGrace
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, "window:"+w.ID, string(raw), ttl); err != nil {
		m.log.Warn("window cache write failed", "windowId", w.ID, "error", err)
	}
}

func (m *Manager) dropCachedWindow(ctx context.Context, windowID string) {
	if err := m.cache.Del(ctx, "window:"+windowID); err != nil {
		m.log.Warn("window cache delete failed", "windowId", windowID, "error", err)
	}
}

// publish emits a domain event. State is already durable when publish
// runs, so a log outage degrades to a warning instead of failing the
// operation; consumers reconcile from the store.
func (m *Manager) publish(ctx context.Context, eventType, correlationID string, payload any) {
	ev, err := eventlog.New(eventType, correlationID, payload)
	if err != nil {
		m.log.Error("event encode failed", "type", eventType, "error", err)
		return
	}
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.log.Error("event publish failed", "type", eventType, "error", err)
	}
}
