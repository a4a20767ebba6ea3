package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"options-dekho/internal/auth"
	"options-dekho/internal/broker"
	"options-dekho/internal/catalog"
	"options-dekho/internal/config"
	"options-dekho/internal/logging"
	"options-dekho/internal/metrics"
	"options-dekho/internal/pricing"
	"options-dekho/internal/quotes"
	"options-dekho/internal/resilience"
	"options-dekho/internal/resolver"
	"options-dekho/internal/security"
	"options-dekho/internal/store"
	"options-dekho/internal/tokens"
	"options-dekho/internal/watchlist"
)

// App holds state shared by commands.
type App struct {
	Logger    zerolog.Logger
	ConfigDir string
	Debug     bool

	cfg *config.Config
}

// Config loads and validates configuration once per process.
func (a *App) Config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	a.Logger = logging.NewLoggerWithConfig(cfg.Logging)
	if a.Debug {
		logging.SetDebugLevel()
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	return cfg, nil
}

// Stack is the fully wired service graph behind the API and the CLI.
type Stack struct {
	Config    *config.Config
	Store     store.Store
	Source    broker.DataSource
	Breaker   *resilience.CircuitBreaker
	Metrics   *metrics.Metrics
	Audit     *security.AuditLogger
	Tokens    *tokens.Manager
	Catalog   *catalog.Cache
	Resolver  *resolver.Resolver
	Quotes    *quotes.Fetcher
	Watchlist *watchlist.Service
	Auth      *auth.Provider
	Pricing   *pricing.Service

	shared *catalog.RedisSnapshotStore
}

// BuildStack opens persistence and wires every service from cfg.
func BuildStack(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Stack, error) {
	s := &Stack{Config: cfg, Metrics: metrics.NewMetrics()}

	db, err := store.Open(ctx, store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	s.Store = db

	cipher, err := security.NewTokenCipher(cfg.Security.EncryptionKey)
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Audit.Enabled {
		audit, err := security.NewAuditLogger(cfg.Audit)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Audit = audit
	}

	if cfg.IsSimulated() {
		logger.Warn().Msg("Data source is SIMULATED: prices are synthetic and every response is flagged")
		s.Source = broker.NewSimulatedBroker(broker.SimulatedConfig{
			Underlyings: cfg.DataSource.Underlyings,
			Logger:      logger.With().Str("component", "simulated").Logger(),
		})
	} else {
		s.Breaker = resilience.NewCircuitBreaker("kite", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Kite.BreakerFailures,
			Cooldown:         cfg.Kite.BreakerCooldown,
		})
		s.Source = broker.NewZerodhaBroker(broker.ZerodhaConfig{
			APIKey:    cfg.Kite.APIKey,
			APISecret: cfg.Kite.APISecret,
			BaseURL:   cfg.Kite.BaseURL,
			TickerURL: cfg.Kite.TickerURL,
			Timeout:   cfg.Kite.Timeout,
			Logger:    logger.With().Str("component", "kite").Logger(),
			Metrics:   s.Metrics,
			Breaker:   s.Breaker,
			Limiter:   resilience.NewRateLimiter(cfg.Kite.QuoteRate, cfg.Kite.QuoteBurst),
		})
	}

	var shared catalog.SnapshotStore
	if cfg.Redis.Enabled {
		rs, err := catalog.NewRedisSnapshotStore(ctx, cfg.Redis)
		if err != nil {
			// The shared tier is an optimisation; each process can still download.
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, catalog will not be shared")
		} else {
			s.shared = rs
			shared = rs
		}
	}

	s.Tokens = tokens.NewManager(tokens.Config{
		Store:        db,
		Cipher:       cipher,
		CutoverHour:  cfg.Tokens.CutoverHour,
		ExpiringSoon: cfg.Tokens.ExpiringSoon,
		Audit:        s.Audit,
		Metrics:      s.Metrics,
		Logger:       logger,
	})
	s.Catalog = catalog.New(catalog.Config{
		Source:          s.Source,
		Shared:          shared,
		Segment:         cfg.Kite.Segment,
		RefreshInterval: cfg.Catalog.RefreshInterval,
		Logger:          logger,
		Metrics:         s.Metrics,
	})
	s.Resolver = resolver.New(resolver.ParseStrategy(cfg.Catalog.MatchStrategy))
	s.Quotes = quotes.NewFetcher(quotes.Config{
		Source:      s.Source,
		Invalidator: s.Tokens,
		Timeout:     cfg.Kite.Timeout,
		Logger:      logger,
	})
	s.Watchlist = watchlist.NewService(watchlist.Config{
		Store:    db,
		Resolver: s.Resolver,
		Audit:    s.Audit,
		Logger:   logger,
	})
	s.Auth, err = auth.NewProvider(auth.Config{
		Users:      db,
		Secret:     cfg.Auth.JWTSecret,
		TTL:        cfg.Auth.JWTTTL,
		BcryptCost: cfg.Auth.BcryptCost,
		Audit:      s.Audit,
		Logger:     logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Pricing = pricing.NewService(pricing.Config{
		Tokens:    s.Tokens,
		Catalog:   s.Catalog,
		Resolver:  s.Resolver,
		Quotes:    s.Quotes,
		Watchlist: s.Watchlist,
		Simulated: s.Source.Simulated(),
		Logger:    logger,
	})
	return s, nil
}

// Close releases the store, the shared catalog tier and the audit log.
func (s *Stack) Close() error {
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.shared != nil {
		errs = append(errs, s.shared.Close())
	}
	if s.Audit != nil {
		errs = append(errs, s.Audit.Close())
	}
	return errors.Join(errs...)
}
