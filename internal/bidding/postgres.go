package bidding

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres implements Repository on database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Schema is the DDL for the bidding tables. Applied idempotently at
// service start.
const Schema = `
CREATE TABLE IF NOT EXISTS bidding_windows (
    id                  TEXT PRIMARY KEY,
    status              TEXT NOT NULL,
    strategy_id         TEXT NOT NULL,
    minimum_bid_cents   BIGINT NOT NULL,
    reserve_price_cents BIGINT,
    porter_filters      TEXT[] NOT NULL DEFAULT '{}',
    max_bids_per_porter INT NOT NULL,
    open_at             TIMESTAMPTZ NOT NULL,
    expires_at          TIMESTAMPTZ NOT NULL,
    closed_at           TIMESTAMPTZ,
    created_by          TEXT NOT NULL,
    correlation_id      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bidding_window_orders (
    window_id TEXT NOT NULL REFERENCES bidding_windows(id),
    order_id  TEXT NOT NULL,
    position  INT NOT NULL,
    PRIMARY KEY (window_id, order_id)
);
CREATE INDEX IF NOT EXISTS idx_window_orders_order ON bidding_window_orders(order_id);

CREATE TABLE IF NOT EXISTS bids (
    id              TEXT PRIMARY KEY,
    window_id       TEXT NOT NULL REFERENCES bidding_windows(id),
    porter_id       TEXT NOT NULL,
    amount_cents    BIGINT NOT NULL,
    eta_minutes     INT NOT NULL,
    status          TEXT NOT NULL,
    placed_at       TIMESTAMPTZ NOT NULL,
    accepted_at     TIMESTAMPTZ,
    cancelled_at    TIMESTAMPTZ,
    expired_at      TIMESTAMPTZ,
    idempotency_key TEXT NOT NULL UNIQUE,
    cancel_reason   TEXT NOT NULL DEFAULT '',
    accepted_by     TEXT NOT NULL DEFAULT '',
    correlation_id  TEXT NOT NULL,
    metadata        JSONB
);
CREATE INDEX IF NOT EXISTS idx_bids_window ON bids(window_id);
CREATE INDEX IF NOT EXISTS idx_bids_porter ON bids(porter_id, placed_at DESC);

CREATE TABLE IF NOT EXISTS bid_strategies (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    weights     JSONB NOT NULL,
    active      BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS bid_audit_events (
    id             BIGSERIAL PRIMARY KEY,
    bid_id         TEXT NOT NULL,
    kind           TEXT NOT NULL,
    payload        JSONB,
    actor          TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bid_audit_bid ON bid_audit_events(bid_id, id);
`

// Migrate applies the schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply bidding schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const windowColumns = `w.id, w.status, w.strategy_id, w.minimum_bid_cents, w.reserve_price_cents,
       w.porter_filters, w.max_bids_per_porter, w.open_at, w.expires_at, w.closed_at,
       w.created_by, w.correlation_id,
       COALESCE(array_agg(o.order_id ORDER BY o.position) FILTER (WHERE o.order_id IS NOT NULL), '{}')`

const windowFrom = `FROM bidding_windows w
LEFT JOIN bidding_window_orders o ON o.window_id = w.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindow(row rowScanner) (*Window, error) {
	var w Window
	var filters, orders pq.StringArray
	err := row.Scan(&w.ID, &w.Status, &w.StrategyID, &w.MinimumBidCents, &w.ReservePriceCents,
		&filters, &w.MaxBidsPerPorter, &w.OpenAt, &w.ExpiresAt, &w.ClosedAt,
		&w.CreatedBy, &w.CorrelationID, &orders)
	if err != nil {
		return nil, err
	}
	w.PorterFilters = filters
	w.OrderIDs = orders
	return &w, nil
}

func (p *Postgres) CreateWindow(ctx context.Context, w *Window) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bidding_windows
		    (id, status, strategy_id, minimum_bid_cents, reserve_price_cents, porter_filters,
		     max_bids_per_porter, open_at, expires_at, created_by, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		w.ID, w.Status, w.StrategyID, w.MinimumBidCents, w.ReservePriceCents,
		pq.Array(w.PorterFilters), w.MaxBidsPerPorter, w.OpenAt, w.ExpiresAt,
		w.CreatedBy, w.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert window: %w", err)
	}
	for i, orderID := range w.OrderIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bidding_window_orders (window_id, order_id, position) VALUES ($1,$2,$3)`,
			w.ID, orderID, i)
		if err != nil {
			return fmt.Errorf("insert window order: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) GetWindow(ctx context.Context, id string) (*Window, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+windowColumns+` `+windowFrom+` WHERE w.id = $1 GROUP BY w.id`, id)
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWindowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get window %s: %w", id, err)
	}
	return w, nil
}

func (p *Postgres) OpenWindowsForOrder(ctx context.Context, orderID string) ([]*Window, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+windowColumns+` `+windowFrom+`
		WHERE w.status = $1
		  AND w.id IN (SELECT window_id FROM bidding_window_orders WHERE order_id = $2)
		GROUP BY w.id
		ORDER BY w.open_at`, WindowOpen, orderID)
	if err != nil {
		return nil, fmt.Errorf("open windows for order %s: %w", orderID, err)
	}
	defer rows.Close()
	return collectWindows(rows)
}

func (p *Postgres) ExpiredOpenWindows(ctx context.Context, now time.Time, limit int) ([]*Window, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+windowColumns+` `+windowFrom+`
		WHERE w.status = $1 AND w.expires_at <= $2
		GROUP BY w.id
		ORDER BY w.expires_at
		LIMIT $3`, WindowOpen, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expired windows: %w", err)
	}
	defer rows.Close()
	return collectWindows(rows)
}

func collectWindows(rows *sql.Rows) ([]*Window, error) {
	var out []*Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const bidColumns = `id, window_id, porter_id, amount_cents, eta_minutes, status, placed_at,
       accepted_at, cancelled_at, expired_at, idempotency_key, cancel_reason, accepted_by,
       correlation_id, metadata`

func scanBid(row rowScanner) (*Bid, error) {
	var b Bid
	var md []byte
	err := row.Scan(&b.ID, &b.WindowID, &b.PorterID, &b.AmountCents, &b.ETAMinutes, &b.Status,
		&b.PlacedAt, &b.AcceptedAt, &b.CancelledAt, &b.ExpiredAt, &b.IdempotencyKey,
		&b.CancelReason, &b.AcceptedBy, &b.CorrelationID, &md)
	if err != nil {
		return nil, err
	}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode bid metadata: %w", err)
		}
	}
	return &b, nil
}

func (p *Postgres) CreateBid(ctx context.Context, b *Bid) error {
	var md []byte
	if b.Metadata != nil {
		var err error
		if md, err = json.Marshal(b.Metadata); err != nil {
			return fmt.Errorf("encode bid metadata: %w", err)
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bids
		    (id, window_id, porter_id, amount_cents, eta_minutes, status, placed_at,
		     idempotency_key, cancel_reason, accepted_by, correlation_id, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'','',$9,$10)`,
		b.ID, b.WindowID, b.PorterID, b.AmountCents, b.ETAMinutes, b.Status, b.PlacedAt,
		b.IdempotencyKey, b.CorrelationID, nullableBytes(md))
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (p *Postgres) GetBid(ctx context.Context, id string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return b, nil
}

func (p *Postgres) FindBidByIdempotencyKey(ctx context.Context, key string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE idempotency_key = $1`, key)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find bid by idempotency key: %w", err)
	}
	return b, nil
}

func (p *Postgres) BidsForWindow(ctx context.Context, windowID string) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE window_id = $1 ORDER BY placed_at, id`, windowID)
	if err != nil {
		return nil, fmt.Errorf("bids for window %s: %w", windowID, err)
	}
	defer rows.Close()
	return collectBids(rows)
}

func (p *Postgres) CountActiveBids(ctx context.Context, windowID, porterID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bids
		WHERE window_id = $1 AND porter_id = $2 AND status IN ($3, $4)`,
		windowID, porterID, BidPlaced, BidAccepted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active bids: %w", err)
	}
	return n, nil
}

func (p *Postgres) ActiveBidsForOrder(ctx context.Context, orderID string, page, pageSize int) ([]*Bid, int, error) {
	offset, limit := pageBounds(page, pageSize)

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bids b
		JOIN bidding_window_orders o ON o.window_id = b.window_id
		WHERE o.order_id = $1 AND b.status = $2`, orderID, BidPlaced).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count active bids for order: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+prefixed(bidColumns, "b.")+` FROM bids b
		JOIN bidding_window_orders o ON o.window_id = b.window_id
		WHERE o.order_id = $1 AND b.status = $2
		ORDER BY b.placed_at, b.id
		OFFSET $3 LIMIT $4`, orderID, BidPlaced, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("active bids for order %s: %w", orderID, err)
	}
	defer rows.Close()
	bids, err := collectBids(rows)
	return bids, total, err
}

func (p *Postgres) BidsByPorter(ctx context.Context, porterID string, page, pageSize int) ([]*Bid, int, error) {
	offset, limit := pageBounds(page, pageSize)

	var total int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bids WHERE porter_id = $1`, porterID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count porter bids: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE porter_id = $1
		ORDER BY placed_at DESC, id
		OFFSET $2 LIMIT $3`, porterID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("bids by porter %s: %w", porterID, err)
	}
	defer rows.Close()
	bids, err := collectBids(rows)
	return bids, total, err
}

func pageBounds(page, pageSize int) (offset, limit int) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize, pageSize
}

// prefixed rewrites a bare column list to table-qualified form.
func prefixed(cols, prefix string) string {
	out := make([]byte, 0, len(cols)+64)
	start := true
	for i := 0; i < len(cols); i++ {
		c := cols[i]
		if start && c != ' ' && c != '\n' && c != '\t' {
			out = append(out, prefix...)
			start = false
		}
		if c == ',' {
			start = true
		}
		out = append(out, c)
	}
	return string(out)
}

func collectBids(rows *sql.Rows) ([]*Bid, error) {
	var out []*Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) AcceptBidTx(ctx context.Context, windowID, bidID, acceptedBy string, at time.Time) (*AcceptResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	w, err := lockWindow(ctx, tx, windowID)
	if err != nil {
		return nil, err
	}
	if w.Status != WindowOpen {
		return nil, ErrWindowNotOpen
	}

	row := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, bidID)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock bid %s: %w", bidID, err)
	}
	if b.WindowID != windowID {
		return nil, ErrBidWrongWindow
	}
	if b.Status != BidPlaced {
		return nil, ErrBidNotPlaced
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bids SET status = $1, accepted_at = $2, accepted_by = $3 WHERE id = $4`,
		BidAccepted, at, acceptedBy, bidID)
	if err != nil {
		return nil, fmt.Errorf("accept bid: %w", err)
	}
	b.Status = BidAccepted
	b.AcceptedAt = &at
	b.AcceptedBy = acceptedBy

	_, err = tx.ExecContext(ctx, `
		UPDATE bidding_windows SET status = $1, closed_at = $2 WHERE id = $3`,
		WindowClosed, at, windowID)
	if err != nil {
		return nil, fmt.Errorf("close window: %w", err)
	}
	w.Status = WindowClosed
	w.ClosedAt = &at

	rows, err := tx.QueryContext(ctx, `
		UPDATE bids SET status = $1, expired_at = $2
		WHERE window_id = $3 AND status = $4 AND id <> $5
		RETURNING `+bidColumns, BidExpired, at, windowID, BidPlaced, bidID)
	if err != nil {
		return nil, fmt.Errorf("expire sibling bids: %w", err)
	}
	expired, err := collectBids(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if err := appendAudit(ctx, tx, &AuditEvent{
		BidID:         bidID,
		Kind:          AuditAccepted,
		Actor:         acceptedBy,
		CorrelationID: b.CorrelationID,
		CreatedAt:     at,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit accept: %w", err)
	}
	return &AcceptResult{Bid: b, Window: w, Expired: expired}, nil
}

func (p *Postgres) CloseWindowTx(ctx context.Context, windowID string, terminal WindowStatus, reason string, at time.Time) (*CloseResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	w, err := lockWindow(ctx, tx, windowID)
	if err != nil {
		return nil, err
	}
	if w.Status != WindowOpen {
		return nil, ErrWindowNotOpen
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bidding_windows SET status = $1, closed_at = $2 WHERE id = $3`,
		terminal, at, windowID)
	if err != nil {
		return nil, fmt.Errorf("close window: %w", err)
	}
	w.Status = terminal
	w.ClosedAt = &at

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bids WHERE window_id = $1`, windowID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count window bids: %w", err)
	}

	var rows *sql.Rows
	if terminal == WindowCancelled {
		rows, err = tx.QueryContext(ctx, `
			UPDATE bids SET status = $1, cancelled_at = $2, cancel_reason = $3
			WHERE window_id = $4 AND status = $5
			RETURNING `+bidColumns, BidCancelled, at, reason, windowID, BidPlaced)
	} else {
		rows, err = tx.QueryContext(ctx, `
			UPDATE bids SET status = $1, expired_at = $2
			WHERE window_id = $3 AND status = $4
			RETURNING `+bidColumns, BidExpired, at, windowID, BidPlaced)
	}
	if err != nil {
		return nil, fmt.Errorf("transition window bids: %w", err)
	}
	affected, err := collectBids(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit close: %w", err)
	}
	return &CloseResult{Window: w, TotalBids: total, Affected: affected}, nil
}

func lockWindow(ctx context.Context, tx *sql.Tx, windowID string) (*Window, error) {
	// Row lock first, then read the order bundle without FOR UPDATE (the
	// aggregate query cannot lock).
	var status WindowStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM bidding_windows WHERE id = $1 FOR UPDATE`, windowID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWindowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock window %s: %w", windowID, err)
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+windowColumns+` `+windowFrom+` WHERE w.id = $1 GROUP BY w.id`, windowID)
	w, err := scanWindow(row)
	if err != nil {
		return nil, fmt.Errorf("read window %s: %w", windowID, err)
	}
	return w, nil
}

func (p *Postgres) CancelBid(ctx context.Context, bidID, reason string, at time.Time) (*Bid, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, bidID)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock bid %s: %w", bidID, err)
	}
	if b.Status != BidPlaced {
		return nil, ErrBidTerminal
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bids SET status = $1, cancelled_at = $2, cancel_reason = $3 WHERE id = $4`,
		BidCancelled, at, reason, bidID)
	if err != nil {
		return nil, fmt.Errorf("cancel bid: %w", err)
	}
	b.Status = BidCancelled
	b.CancelledAt = &at
	b.CancelReason = reason

	if err := appendAudit(ctx, tx, &AuditEvent{
		BidID:         bidID,
		Kind:          AuditCancelled,
		CorrelationID: b.CorrelationID,
		CreatedAt:     at,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel: %w", err)
	}
	return b, nil
}

func (p *Postgres) CancelBidsByPorter(ctx context.Context, porterID, reason string, at time.Time) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE bids SET status = $1, cancelled_at = $2, cancel_reason = $3
		WHERE porter_id = $4 AND status = $5
		RETURNING `+bidColumns, BidCancelled, at, reason, porterID, BidPlaced)
	if err != nil {
		return nil, fmt.Errorf("cancel porter bids: %w", err)
	}
	defer rows.Close()
	return collectBids(rows)
}

func (p *Postgres) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	var s Strategy
	var weights []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, description, weights, active FROM bid_strategies WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Description, &weights, &s.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStrategyInactive
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %s: %w", id, err)
	}
	if err := json.Unmarshal(weights, &s.Weights); err != nil {
		return nil, fmt.Errorf("decode strategy weights: %w", err)
	}
	return &s, nil
}

func (p *Postgres) CreateStrategy(ctx context.Context, s *Strategy) error {
	weights, err := json.Marshal(s.Weights)
	if err != nil {
		return fmt.Errorf("encode strategy weights: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO bid_strategies (id, name, description, weights, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
		    name = EXCLUDED.name, description = EXCLUDED.description,
		    weights = EXCLUDED.weights, active = EXCLUDED.active`,
		s.ID, s.Name, s.Description, weights, s.Active)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

func (p *Postgres) AppendAudit(ctx context.Context, ev *AuditEvent) error {
	if err := appendAudit(ctx, p.db, ev); err != nil {
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendAudit(ctx context.Context, db execer, ev *AuditEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO bid_audit_events (bid_id, kind, payload, actor, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.BidID, ev.Kind, nullableBytes(ev.Payload), ev.Actor, ev.CorrelationID, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (p *Postgres) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		WindowsByStatus: map[WindowStatus]int64{},
		BidsByStatus:    map[BidStatus]int64{},
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM bidding_windows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("window stats: %w", err)
	}
	for rows.Next() {
		var st WindowStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan window stats: %w", err)
		}
		stats.WindowsByStatus[st] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM bids GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("bid stats: %w", err)
	}
	for rows.Next() {
		var st BidStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan bid stats: %w", err)
		}
		stats.BidsByStatus[st] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var windows, bids int64
	for _, n := range stats.WindowsByStatus {
		windows += n
	}
	for _, n := range stats.BidsByStatus {
		bids += n
	}
	if windows > 0 {
		stats.AvgBidsPerWindow = round2(float64(bids) / float64(windows))
	}
	return stats, nil
}
