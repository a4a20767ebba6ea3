// Package api exposes the lookup pipeline, broker session handling and the
// watchlist over HTTP. Every response uses the Response envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"options-dekho/internal/auth"
	"options-dekho/internal/broker"
	"options-dekho/internal/metrics"
	"options-dekho/internal/pricing"
	"options-dekho/internal/resilience"
	"options-dekho/internal/tokens"
	"options-dekho/internal/watchlist"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Auth      *auth.Provider
	Tokens    *tokens.Manager
	Pricing   *pricing.Service
	Watchlist *watchlist.Service
	Broker    broker.DataSource
	Breaker   *resilience.CircuitBreaker // optional
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Options configures the HTTP server.
type Options struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	CORSOrigins   []string
	BrokerTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	router *mux.Router
	server *http.Server

	auth      *auth.Provider
	tokens    *tokens.Manager
	pricing   *pricing.Service
	watchlist *watchlist.Service
	broker    broker.DataSource
	breaker   *resilience.CircuitBreaker
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	simulated     bool
	corsOrigins   []string
	brokerTimeout time.Duration
	started       time.Time
}

// NewServer wires routes and middleware.
func NewServer(deps Deps, opts Options) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		auth:          deps.Auth,
		tokens:        deps.Tokens,
		pricing:       deps.Pricing,
		watchlist:     deps.Watchlist,
		broker:        deps.Broker,
		breaker:       deps.Breaker,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		simulated:     deps.Broker != nil && deps.Broker.Simulated(),
		corsOrigins:   opts.CORSOrigins,
		brokerTimeout: opts.BrokerTimeout,
		started:       time.Now(),
	}
	if s.brokerTimeout <= 0 {
		s.brokerTimeout = 10 * time.Second
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(s.requestMiddleware, s.recoverMiddleware, s.corsMiddleware, s.dataSourceMiddleware)
	r.NotFoundHandler = s.dataSourceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, Response{Error: "route not found", Simulated: s.simulated})
	}))
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed", Simulated: s.simulated})
	})

	// Preflight for every path; corsMiddleware answers it. A method matcher
	// here would turn every unknown path into a 405.
	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return req.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)

	authed.HandleFunc("/auth/login-url", s.handleLoginURL).Methods(http.MethodGet)
	authed.HandleFunc("/auth/access-token", s.handleAccessToken).Methods(http.MethodPost)
	authed.HandleFunc("/auth/access-token", s.handleDisconnect).Methods(http.MethodDelete)
	authed.HandleFunc("/auth/broker-status", s.handleBrokerStatus).Methods(http.MethodGet)

	authed.HandleFunc("/instruments", s.handleInstruments).Methods(http.MethodGet)
	authed.HandleFunc("/expiries", s.handleExpiries).Methods(http.MethodGet)
	authed.HandleFunc("/quotes", s.handleQuotes).Methods(http.MethodGet, http.MethodPost)
	authed.HandleFunc("/premium", s.handlePremium).Methods(http.MethodGet)
	authed.HandleFunc("/universe", s.handleUniverse).Methods(http.MethodGet)
	authed.HandleFunc("/ticker-url", s.handleTickerURL).Methods(http.MethodGet)

	authed.HandleFunc("/watchlist", s.handleWatchlistList).Methods(http.MethodGet)
	authed.HandleFunc("/watchlist", s.handleWatchlistAdd).Methods(http.MethodPost)
	authed.HandleFunc("/watchlist", s.handleWatchlistReplace).Methods(http.MethodPut)
	authed.HandleFunc("/watchlist/quotes", s.handleWatchlistQuotes).Methods(http.MethodGet)
	authed.HandleFunc("/watchlist/{id}", s.handleWatchlistDelete).Methods(http.MethodDelete)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", s.server.Addr).
			Bool("simulated", s.simulated).
			Dur("read_timeout", s.server.ReadTimeout).
			Dur("write_timeout", s.server.WriteTimeout).
			Msg("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests for up to 10 seconds.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Shutting down API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	source := "live"
	if s.simulated {
		source = "simulated"
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"dataSource": source,
		"broker":     s.breaker.State(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}
