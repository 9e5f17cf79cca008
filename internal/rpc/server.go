// Package rpc is the HTTP surface of the bidding engine: the REST API,
// health and readiness probes, and the metrics endpoint.
package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/porterly/backend/internal/bidding"
	"github.com/porterly/backend/internal/gateway"
)

type contextKey string

const claimsKey contextKey = "claims"

// Server routes bidding API requests to the manager.
type Server struct {
	mgr      *bidding.Manager
	verifier *gateway.TokenVerifier
	log      *slog.Logger
	router   *mux.Router
	ready    func(ctx context.Context) error
}

func NewServer(mgr *bidding.Manager, verifier *gateway.TokenVerifier, ready func(ctx context.Context) error, log *slog.Logger) *Server {
	s := &Server{
		mgr:      mgr,
		verifier: verifier,
		log:      log.With("component", "rpc"),
		ready:    ready,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/bidding").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/windows", s.requireRole(s.handleOpenWindow,
		gateway.RoleCustomer, gateway.RoleAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/windows/{windowId}", s.handleGetWindow).Methods(http.MethodGet)
	api.HandleFunc("/windows/{windowId}/bids", s.requireRole(s.handlePlaceBid,
		gateway.RolePorter)).Methods(http.MethodPost)
	api.HandleFunc("/windows/{windowId}/preview", s.requireRole(s.handlePreview,
		gateway.RolePorter)).Methods(http.MethodPost)
	api.HandleFunc("/windows/{windowId}/accept", s.requireRole(s.handleAcceptBid,
		gateway.RoleCustomer, gateway.RoleAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/windows/{windowId}/close", s.requireRole(s.handleCloseWindow,
		gateway.RoleAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/bids/{bidId}/cancel", s.requireRole(s.handleCancelBid,
		gateway.RolePorter, gateway.RoleAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/orders/{orderId}/bids", s.handleActiveBidsForOrder).Methods(http.MethodGet)
	api.HandleFunc("/my-bids", s.requireRole(s.handleMyBids,
		gateway.RolePorter)).Methods(http.MethodGet)
	api.HandleFunc("/statistics", s.requireRole(s.handleStatistics,
		gateway.RoleAdmin)).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			s.log.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// authenticate verifies the Bearer token and stashes the claims.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (s *Server) requireRole(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := callerClaims(r)
		for _, role := range roles {
			if claims.Role == role {
				next(w, r)
				return
			}
		}
		writeError(w, http.StatusForbidden, "FORBIDDEN", "role not permitted")
	}
}

func callerClaims(r *http.Request) *gateway.Claims {
	claims, _ := r.Context().Value(claimsKey).(*gateway.Claims)
	return claims
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "durationMs", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
