// Package server exposes the read gateway and the transaction orchestrator
// over HTTP/JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"piggybank/internal/config"
	"piggybank/internal/contracts"
	"piggybank/internal/gateway"
	"piggybank/internal/hmacauth"
	"piggybank/internal/idempotency"
	"piggybank/internal/txflow"
	"piggybank/internal/units"
)

const headerIdempotencyKey = "X-Idempotency-Key"

type Server struct {
	cfg         *config.AppConfig
	board       *gateway.Board
	orch        *txflow.Orchestrator
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	logger      *zap.Logger
	httpServer  *http.Server
	metrics     *metricsRegistry
	unsubscribe func()
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

// NewServer wires the HTTP surface. rpcHealth, when non-nil, is probed by
// the health endpoint.
func NewServer(cfg *config.AppConfig, board *gateway.Board, orch *txflow.Orchestrator, store idempotency.Store, rpcHealth func(context.Context) error, logger *zap.Logger) *Server {
	metrics := newMetricsRegistry(orch.Tracker())

	s := &Server{
		cfg:         cfg,
		board:       board,
		orch:        orch,
		store:       store,
		logger:      logger,
		metrics:     metrics,
		rpcHealthFn: rpcHealth,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		Reject: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("request signature rejected",
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.Error(err))
			respondError(w, http.StatusUnauthorized, err.Error(), "")
		},
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	board.OnReadError = metrics.observeReadError
	orch.OnTransaction = metrics.observeTransaction
	s.unsubscribe = orch.Tracker().Subscribe(metrics.observeAction)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(s.logger, s.metrics))
	router.Use(recoveryMiddleware(s.logger))

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	api.HandleFunc("/lock-durations", s.handleLockDurations).Methods(http.MethodGet)

	api.HandleFunc("/accounts/{address}", s.handleAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/deposits", s.handleAccountDeposits).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{address}/refresh", s.handleAccountRefresh).Methods(http.MethodPost)

	api.HandleFunc("/actions", s.handleListActions).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}", s.handleGetAction).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}", s.handleAcknowledgeAction).Methods(http.MethodDelete)

	writes := api.NewRoute().Subrouter()
	writes.Use(s.hmac.Middleware)
	writes.Handle("/deposits", s.idempotent(s.handleDeposit)).Methods(http.MethodPost)
	writes.Handle("/deposits/{id:[0-9]+}/top-up", s.idempotent(s.handleTopUp)).Methods(http.MethodPost)
	writes.Handle("/deposits/{id:[0-9]+}/withdraw", s.idempotent(s.handleWithdraw)).Methods(http.MethodPost)
	writes.Handle("/deposits/{id:[0-9]+}/forward", s.idempotent(s.handleForward)).Methods(http.MethodPost)
	return router
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.logger.Info("API listening",
		zap.String("addr", s.httpServer.Addr),
		zap.String("network", s.cfg.Network.Name),
		zap.Bool("hmac", s.hmac.Enabled()))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then waits for background actions to
// settle until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if waitErr := s.orch.Wait(ctx); waitErr != nil {
		s.logger.Warn("actions still in flight at shutdown", zap.Error(waitErr))
	}
	s.unsubscribe()
	return err
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string, kind txflow.Kind) {
	respondJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

type networkResponse struct {
	config.Network
	Account string `json:"account,omitempty"`
}

func (s *Server) handleNetwork(w http.ResponseWriter, _ *http.Request) {
	resp := networkResponse{Network: s.cfg.Network}
	if acct := s.orch.Account(); acct != zeroAddress {
		resp.Account = acct.Hex()
	}
	respondJSON(w, http.StatusOK, resp)
}

type lockDurationView struct {
	contracts.LockDuration
	Display string `json:"display"`
}

func (s *Server) handleLockDurations(w http.ResponseWriter, _ *http.Request) {
	catalog := contracts.LockDurations()
	out := make([]lockDurationView, len(catalog))
	for i, d := range catalog {
		out[i] = lockDurationView{LockDuration: d, Display: units.FormatDuration(d.Duration())}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	inFlight := 0
	for _, a := range s.orch.Tracker().List() {
		if !a.State.Terminal() {
			inFlight++
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status          string      `json:"status"`
		Network         string      `json:"network"`
		RPC             interface{} `json:"rpc"`
		Store           interface{} `json:"store"`
		ActionsInFlight int         `json:"actions_in_flight"`
		WalletConnected bool        `json:"wallet_connected"`
	}{
		Status:          status,
		Network:         s.cfg.Network.Name,
		RPC:             rpcInfo,
		Store:           dbInfo,
		ActionsInFlight: inFlight,
		WalletConnected: s.orch.Account() != zeroAddress,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}
