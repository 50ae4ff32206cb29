package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/triarb/pkg/bitget"
	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/secrets"
	"github.com/gregtusar/triarb/pkg/trader"
)

const defaultListLimit = 50

// StatusSource reports the live state of the evaluation loop.
type StatusSource interface {
	Status() trader.Status
}

// RouteExecutor runs a single attempt on demand.
type RouteExecutor interface {
	ExecuteRoute(ctx context.Context, route string, amount decimal.Decimal) (*trader.ExecutionResult, error)
}

// BalanceSource reads the venue account balances.
type BalanceSource interface {
	Balances(ctx context.Context) ([]bitget.Asset, error)
}

type Server struct {
	status        StatusSource
	trades        ledger.TradeLedger
	opportunities ledger.OpportunityStore
	executor      RouteExecutor
	balances      BalanceSource
	logger        *logrus.Logger
	port          string
	jwtSecret     []byte
	srv           *http.Server
}

type Option func(*Server)

// WithExecutor enables POST /api/execute.
func WithExecutor(e RouteExecutor) Option {
	return func(s *Server) { s.executor = e }
}

// WithBalances enables GET /api/balance.
func WithBalances(b BalanceSource) Option {
	return func(s *Server) { s.balances = b }
}

// NewServer builds the status API. A non-empty jwtSecret requires an HS256
// bearer token on every endpoint except health.
func NewServer(status StatusSource, trades ledger.TradeLedger, opportunities ledger.OpportunityStore, logger *logrus.Logger, port, jwtSecret string, opts ...Option) *Server {
	s := &Server{
		status:        status,
		trades:        trades,
		opportunities: opportunities,
		logger:        logger,
		port:          port,
	}
	if jwtSecret != "" {
		s.jwtSecret = []byte(jwtSecret)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /api/status", s.authMiddleware(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /api/opportunities", s.authMiddleware(http.HandlerFunc(s.handleOpportunities)))
	mux.Handle("GET /api/trades", s.authMiddleware(http.HandlerFunc(s.handleTrades)))
	mux.Handle("GET /api/trades/{id}", s.authMiddleware(http.HandlerFunc(s.handleTrade)))
	if s.executor != nil {
		mux.Handle("POST /api/execute", s.authMiddleware(http.HandlerFunc(s.handleExecute)))
	}
	if s.balances != nil {
		mux.Handle("GET /api/balance", s.authMiddleware(http.HandlerFunc(s.handleBalance)))
	}

	return corsMiddleware(mux)
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on port %s", s.port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if len(s.jwtSecret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		_, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			s.logger.WithError(err).Debug("Rejected API token")
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newStatusResponse(s.status.Status()))
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var executed *bool
	if v := r.URL.Query().Get("executed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "executed must be true or false")
			return
		}
		executed = &b
	}

	records, err := s.opportunities.ListRecent(r.Context(), limit, executed)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list opportunities")
		s.writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}
	stats, err := s.opportunities.Stats(r.Context(), executed)
	if err != nil {
		s.logger.WithError(err).Error("Failed to compute opportunity stats")
		s.writeError(w, http.StatusInternalServerError, "failed to compute opportunity stats")
		return
	}

	s.writeJSON(w, http.StatusOK, opportunitiesResponse{Opportunities: records, Stats: stats})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attempts, err := s.trades.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	s.writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	attempt, err := s.trades.Get(r.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("trade %s not found", id))
		return
	case err != nil:
		s.logger.WithError(err).WithField("trade_id", id).Error("Failed to get trade")
		s.writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}
	s.writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Route == "" || req.Amount == nil {
		s.writeError(w, http.StatusBadRequest, "route and amount are required")
		return
	}
	amount, err := trader.AmountFromFloat(*req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.executor.ExecuteRoute(r.Context(), req.Route, amount)
	switch {
	case errors.Is(err, trader.ErrUnknownRoute):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.WithError(err).WithField("route", req.Route).Warn("Manual execution unavailable")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	status := http.StatusOK
	switch res.Outcome {
	case trader.OutcomeRejected:
		status = http.StatusUnprocessableEntity
	case trader.OutcomeSkipped:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, newResultStatus(res))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	assets, err := s.balances.Balances(r.Context())
	switch {
	case errors.Is(err, secrets.ErrNoCredentials), errors.Is(err, bitget.ErrUnauthenticated):
		s.writeError(w, http.StatusServiceUnavailable, "exchange credentials not configured")
		return
	case err != nil:
		s.logger.WithError(err).Error("Failed to fetch balances")
		s.writeError(w, http.StatusBadGateway, "failed to fetch balances")
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{Balances: assets})
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
