package bidding

import (
	"context"
	"time"
)

// AcceptResult is the outcome of the atomic accept transaction.
type AcceptResult struct {
	Bid     *Bid
	Window  *Window
	Expired []*Bid // sibling PLACED bids transitioned to EXPIRED
}

// CloseResult is the outcome of the atomic close/cancel transaction.
type CloseResult struct {
	Window    *Window
	TotalBids int    // bids ever placed on the window, any status
	Affected  []*Bid // PLACED bids transitioned by the close
}

// Repository is the persistent store for windows, bids, strategies and
// the audit trail. All mutations hold: a window leaves OPEN exactly once,
// and a bid leaves PLACED exactly once — the *Tx methods enforce both
// inside a single database transaction.
type Repository interface {
	CreateWindow(ctx context.Context, w *Window) error
	GetWindow(ctx context.Context, id string) (*Window, error)
	OpenWindowsForOrder(ctx context.Context, orderID string) ([]*Window, error)
	ExpiredOpenWindows(ctx context.Context, now time.Time, limit int) ([]*Window, error)

	CreateBid(ctx context.Context, b *Bid) error
	GetBid(ctx context.Context, id string) (*Bid, error)
	// FindBidByIdempotencyKey returns ErrBidNotFound when no bid has
	// used the key.
	FindBidByIdempotencyKey(ctx context.Context, key string) (*Bid, error)
	BidsForWindow(ctx context.Context, windowID string) ([]*Bid, error)
	// CountActiveBids counts this porter's PLACED or ACCEPTED bids in
	// the window.
	CountActiveBids(ctx context.Context, windowID, porterID string) (int, error)
	ActiveBidsForOrder(ctx context.Context, orderID string, page, pageSize int) ([]*Bid, int, error)
	BidsByPorter(ctx context.Context, porterID string, page, pageSize int) ([]*Bid, int, error)

	// AcceptBidTx performs the winner selection: bid→ACCEPTED,
	// window→CLOSED, siblings→EXPIRED, audit row. Fails with
	// ErrWindowNotOpen, ErrBidNotFound, ErrBidWrongWindow or
	// ErrBidNotPlaced without side effects.
	AcceptBidTx(ctx context.Context, windowID, bidID, acceptedBy string, at time.Time) (*AcceptResult, error)

	// CloseWindowTx transitions an OPEN window to terminal (CLOSED or
	// CANCELLED) and moves its PLACED bids to EXPIRED (close) or
	// CANCELLED with reason (cancel). Fails with ErrWindowNotOpen when
	// the window already left OPEN.
	CloseWindowTx(ctx context.Context, windowID string, terminal WindowStatus, reason string, at time.Time) (*CloseResult, error)

	// CancelBid transitions a PLACED bid to CANCELLED. Fails with
	// ErrBidNotFound or ErrBidTerminal.
	CancelBid(ctx context.Context, bidID, reason string, at time.Time) (*Bid, error)
	// CancelBidsByPorter cancels every PLACED bid by the porter across
	// all windows and returns the affected bids.
	CancelBidsByPorter(ctx context.Context, porterID, reason string, at time.Time) ([]*Bid, error)

	GetStrategy(ctx context.Context, id string) (*Strategy, error)
	CreateStrategy(ctx context.Context, s *Strategy) error

	AppendAudit(ctx context.Context, ev *AuditEvent) error

	Statistics(ctx context.Context) (*Statistics, error)
	Ping(ctx context.Context) error
}
