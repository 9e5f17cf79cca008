package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/porterly/backend/internal/bidding"
	"github.com/porterly/backend/internal/gateway"
)

type openWindowRequest struct {
	OrderIDs          []string `json:"orderIds"`
	StrategyID        string   `json:"strategyId,omitempty"`
	DurationSec       int      `json:"durationSec,omitempty"`
	MinimumBidCents   *int64   `json:"minimumBidCents,omitempty"`
	ReservePriceCents *int64   `json:"reservePriceCents,omitempty"`
	PorterFilters     []string `json:"porterFilters,omitempty"`
	MaxBidsPerPorter  int      `json:"maxBidsPerPorter,omitempty"`
}

func (s *Server) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	var req openWindowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	window, err := s.mgr.OpenWindow(r.Context(), bidding.OpenWindowParams{
		OrderIDs:          req.OrderIDs,
		StrategyID:        req.StrategyID,
		DurationSec:       req.DurationSec,
		MinimumBidCents:   req.MinimumBidCents,
		ReservePriceCents: req.ReservePriceCents,
		PorterFilters:     req.PorterFilters,
		MaxBidsPerPorter:  req.MaxBidsPerPorter,
		CreatedBy:         callerClaims(r).UserID,
		CorrelationID:     r.Header.Get("X-Correlation-Id"),
	})
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, window)
}

func (s *Server) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	detail, err := s.mgr.GetWindow(r.Context(), mux.Vars(r)["windowId"])
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type placeBidRequest struct {
	AmountCents int64                   `json:"amountCents"`
	ETAMinutes  int                     `json:"etaMinutes"`
	Metadata    *bidding.PorterMetadata `json:"metadata,omitempty"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.mgr.PlaceBid(r.Context(), bidding.PlaceBidParams{
		WindowID:       mux.Vars(r)["windowId"],
		PorterID:       callerClaims(r).UserID,
		AmountCents:    req.AmountCents,
		ETAMinutes:     req.ETAMinutes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		CorrelationID:  r.Header.Get("X-Correlation-Id"),
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.mgr.PreviewOutcome(r.Context(), bidding.PreviewParams{
		WindowID:    mux.Vars(r)["windowId"],
		PorterID:    callerClaims(r).UserID,
		AmountCents: req.AmountCents,
		ETAMinutes:  req.ETAMinutes,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type acceptBidRequest struct {
	BidID string `json:"bidId"`
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	var req acceptBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.mgr.AcceptBid(r.Context(), mux.Vars(r)["windowId"], req.BidID, callerClaims(r).UserID)
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCloseWindow closes the window without a winner: status CLOSED,
// PLACED bids expired. Cancellation is not reachable from here; it only
// happens when the orders themselves are cancelled.
func (s *Server) handleCloseWindow(w http.ResponseWriter, r *http.Request) {
	result, err := s.mgr.CloseWindow(r.Context(), mux.Vars(r)["windowId"])
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "closed",
		"windowId":    result.Window.ID,
		"totalBids":   result.TotalBids,
		"bidsExpired": len(result.Affected),
	})
}

type cancelBidRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelBid(w http.ResponseWriter, r *http.Request) {
	var req cancelBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claims := callerClaims(r)
	// Admins may cancel any bid; porters only their own.
	porterID := claims.UserID
	if claims.Role == gateway.RoleAdmin {
		porterID = ""
	}
	bid, err := s.mgr.CancelBid(r.Context(), mux.Vars(r)["bidId"], porterID, req.Reason)
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

type pagedBids struct {
	Bids     []*bidding.Bid `json:"bids"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

func (s *Server) handleActiveBidsForOrder(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)
	bids, total, err := s.mgr.ActiveBidsForOrder(r.Context(), mux.Vars(r)["orderId"], page, pageSize)
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedBids{Bids: bids, Total: total, Page: page, PageSize: pageSize})
}

func (s *Server) handleMyBids(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)
	bids, total, err := s.mgr.BidsByPorter(r.Context(), callerClaims(r).UserID, page, pageSize)
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedBids{Bids: bids, Total: total, Page: page, PageSize: pageSize})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.Statistics(r.Context())
	if err != nil {
		writeBiddingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "malformed request body")
		return false
	}
	return true
}

func pagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}
