package bidding

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used by tests. Mutations
// copy on write so callers never observe shared state.
type MemoryRepository struct {
	mu         sync.Mutex
	windows    map[string]*Window
	bids       map[string]*Bid
	byIdemKey  map[string]string
	strategies map[string]*Strategy
	audit      []*AuditEvent
	nextAudit  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		windows:    make(map[string]*Window),
		bids:       make(map[string]*Bid),
		byIdemKey:  make(map[string]string),
		strategies: make(map[string]*Strategy),
		nextAudit:  1,
	}
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func copyWindow(w *Window) *Window {
	cp := *w
	cp.OrderIDs = append([]string(nil), w.OrderIDs...)
	cp.PorterFilters = append([]string(nil), w.PorterFilters...)
	return &cp
}

func copyBid(b *Bid) *Bid {
	cp := *b
	if b.Metadata != nil {
		md := *b.Metadata
		cp.Metadata = &md
	}
	return &cp
}

func (m *MemoryRepository) CreateWindow(_ context.Context, w *Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w.ID] = copyWindow(w)
	return nil
}

func (m *MemoryRepository) GetWindow(_ context.Context, id string) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return nil, ErrWindowNotFound
	}
	return copyWindow(w), nil
}

func (m *MemoryRepository) OpenWindowsForOrder(_ context.Context, orderID string) ([]*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Window
	for _, w := range m.windows {
		if w.Status != WindowOpen {
			continue
		}
		for _, id := range w.OrderIDs {
			if id == orderID {
				out = append(out, copyWindow(w))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenAt.Before(out[j].OpenAt) })
	return out, nil
}

func (m *MemoryRepository) ExpiredOpenWindows(_ context.Context, now time.Time, limit int) ([]*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Window
	for _, w := range m.windows {
		if w.Status == WindowOpen && !w.ExpiresAt.After(now) {
			out = append(out, copyWindow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateBid(_ context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids[b.ID] = copyBid(b)
	if b.IdempotencyKey != "" {
		m.byIdemKey[b.IdempotencyKey] = b.ID
	}
	return nil
}

func (m *MemoryRepository) GetBid(_ context.Context, id string) (*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrBidNotFound
	}
	return copyBid(b), nil
}

func (m *MemoryRepository) FindBidByIdempotencyKey(_ context.Context, key string) (*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdemKey[key]
	if !ok {
		return nil, ErrBidNotFound
	}
	return copyBid(m.bids[id]), nil
}

func (m *MemoryRepository) BidsForWindow(_ context.Context, windowID string) ([]*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowBidsLocked(windowID), nil
}

func (m *MemoryRepository) windowBidsLocked(windowID string) []*Bid {
	var out []*Bid
	for _, b := range m.bids {
		if b.WindowID == windowID {
			out = append(out, copyBid(b))
		}
	}
	sortBids(out)
	return out
}

func sortBids(bids []*Bid) {
	sort.Slice(bids, func(i, j int) bool {
		if !bids[i].PlacedAt.Equal(bids[j].PlacedAt) {
			return bids[i].PlacedAt.Before(bids[j].PlacedAt)
		}
		return bids[i].ID < bids[j].ID
	})
}

func (m *MemoryRepository) CountActiveBids(_ context.Context, windowID, porterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bids {
		if b.WindowID == windowID && b.PorterID == porterID &&
			(b.Status == BidPlaced || b.Status == BidAccepted) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ActiveBidsForOrder(_ context.Context, orderID string, page, pageSize int) ([]*Bid, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inOrder := map[string]bool{}
	for _, w := range m.windows {
		for _, id := range w.OrderIDs {
			if id == orderID {
				inOrder[w.ID] = true
			}
		}
	}
	var all []*Bid
	for _, b := range m.bids {
		if b.Status == BidPlaced && inOrder[b.WindowID] {
			all = append(all, copyBid(b))
		}
	}
	sortBids(all)
	return paginate(all, page, pageSize)
}

func (m *MemoryRepository) BidsByPorter(_ context.Context, porterID string, page, pageSize int) ([]*Bid, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Bid
	for _, b := range m.bids {
		if b.PorterID == porterID {
			all = append(all, copyBid(b))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].PlacedAt.Equal(all[j].PlacedAt) {
			return all[i].PlacedAt.After(all[j].PlacedAt)
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, page, pageSize)
}

func paginate(all []*Bid, page, pageSize int) ([]*Bid, int, error) {
	offset, limit := pageBounds(page, pageSize)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepository) AcceptBidTx(_ context.Context, windowID, bidID, acceptedBy string, at time.Time) (*AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[windowID]
	if !ok {
		return nil, ErrWindowNotFound
	}
	if w.Status != WindowOpen {
		return nil, ErrWindowNotOpen
	}
	b, ok := m.bids[bidID]
	if !ok {
		return nil, ErrBidNotFound
	}
	if b.WindowID != windowID {
		return nil, ErrBidWrongWindow
	}
	if b.Status != BidPlaced {
		return nil, ErrBidNotPlaced
	}

	b.Status = BidAccepted
	b.AcceptedAt = &at
	b.AcceptedBy = acceptedBy

	w.Status = WindowClosed
	w.ClosedAt = &at

	var expired []*Bid
	for _, sib := range m.bids {
		if sib.WindowID == windowID && sib.ID != bidID && sib.Status == BidPlaced {
			exp := at
			sib.Status = BidExpired
			sib.ExpiredAt = &exp
			expired = append(expired, copyBid(sib))
		}
	}
	sortBids(expired)

	m.appendAuditLocked(&AuditEvent{
		BidID: bidID, Kind: AuditAccepted, Actor: acceptedBy,
		CorrelationID: b.CorrelationID, CreatedAt: at,
	})
	return &AcceptResult{Bid: copyBid(b), Window: copyWindow(w), Expired: expired}, nil
}

func (m *MemoryRepository) CloseWindowTx(_ context.Context, windowID string, terminal WindowStatus, reason string, at time.Time) (*CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[windowID]
	if !ok {
		return nil, ErrWindowNotFound
	}
	if w.Status != WindowOpen {
		return nil, ErrWindowNotOpen
	}
	w.Status = terminal
	w.ClosedAt = &at

	total := 0
	var affected []*Bid
	for _, b := range m.bids {
		if b.WindowID != windowID {
			continue
		}
		total++
		if b.Status != BidPlaced {
			continue
		}
		ts := at
		if terminal == WindowCancelled {
			b.Status = BidCancelled
			b.CancelledAt = &ts
			b.CancelReason = reason
		} else {
			b.Status = BidExpired
			b.ExpiredAt = &ts
		}
		affected = append(affected, copyBid(b))
	}
	sortBids(affected)
	return &CloseResult{Window: copyWindow(w), TotalBids: total, Affected: affected}, nil
}

func (m *MemoryRepository) CancelBid(_ context.Context, bidID, reason string, at time.Time) (*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[bidID]
	if !ok {
		return nil, ErrBidNotFound
	}
	if b.Status != BidPlaced {
		return nil, ErrBidTerminal
	}
	b.Status = BidCancelled
	b.CancelledAt = &at
	b.CancelReason = reason
	m.appendAuditLocked(&AuditEvent{
		BidID: bidID, Kind: AuditCancelled, CorrelationID: b.CorrelationID, CreatedAt: at,
	})
	return copyBid(b), nil
}

func (m *MemoryRepository) CancelBidsByPorter(_ context.Context, porterID, reason string, at time.Time) ([]*Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Bid
	for _, b := range m.bids {
		if b.PorterID == porterID && b.Status == BidPlaced {
			ts := at
			b.Status = BidCancelled
			b.CancelledAt = &ts
			b.CancelReason = reason
			out = append(out, copyBid(b))
		}
	}
	sortBids(out)
	return out, nil
}

func (m *MemoryRepository) GetStrategy(_ context.Context, id string) (*Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrStrategyInactive
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) CreateStrategy(_ context.Context, s *Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.strategies[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) AppendAudit(_ context.Context, ev *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(ev)
	return nil
}

func (m *MemoryRepository) appendAuditLocked(ev *AuditEvent) {
	cp := *ev
	cp.ID = m.nextAudit
	m.nextAudit++
	m.audit = append(m.audit, &cp)
}

// AuditTrail returns the audit rows for a bid in append order.
func (m *MemoryRepository) AuditTrail(bidID string) []*AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEvent
	for _, ev := range m.audit {
		if ev.BidID == bidID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

func (m *MemoryRepository) Statistics(context.Context) (*Statistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Statistics{
		WindowsByStatus: map[WindowStatus]int64{},
		BidsByStatus:    map[BidStatus]int64{},
	}
	for _, w := range m.windows {
		stats.WindowsByStatus[w.Status]++
	}
	for _, b := range m.bids {
		stats.BidsByStatus[b.Status]++
	}
	if n := len(m.windows); n > 0 {
		stats.AvgBidsPerWindow = round2(float64(len(m.bids)) / float64(n))
	}
	return stats, nil
}
