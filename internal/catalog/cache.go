// Package catalog keeps the broker's instrument master in memory and refreshes
// it at most once per interval, however many callers ask at the same time.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/metrics"
	"options-dekho/internal/models"
)

// DefaultRefreshInterval is how long a downloaded catalog is considered fresh.
const DefaultRefreshInterval = 24 * time.Hour

// Snapshot sources.
const (
	SourceBroker = "broker"
	SourceShared = "shared"
)

// Source downloads the raw instrument master CSV for a segment.
type Source interface {
	Instruments(ctx context.Context, accessToken, segment string) ([]byte, error)
}

// Snapshot is an immutable view of the catalog. Callers must not modify Records.
type Snapshot struct {
	Records   []models.InstrumentRecord
	FetchedAt time.Time
	Segment   string
	Source    string
	Skipped   int
	// Stale is set when a refresh failed and the previous snapshot was served.
	Stale bool
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Cache is the process-wide instrument catalog.
type Cache struct {
	source   Source
	shared   SnapshotStore
	segment  string
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	snap  *Snapshot
	group singleflight.Group
}

// Config holds catalog cache configuration.
type Config struct {
	Source          Source
	Shared          SnapshotStore // optional
	Segment         string
	RefreshInterval time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// New creates an empty cache. The first EnsureFresh call downloads the catalog.
func New(cfg Config) *Cache {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	segment := cfg.Segment
	if segment == "" {
		segment = string(models.NFO)
	}
	return &Cache{
		source:   cfg.Source,
		shared:   cfg.Shared,
		segment:  segment,
		interval: interval,
		now:      now,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// EnsureFresh returns a snapshot no older than the refresh interval,
// downloading with accessToken if needed. Concurrent callers share one
// download. When the download fails and an older snapshot exists, that
// snapshot is returned with Stale set. With nothing to serve, broker auth
// failures come back as AuthRequiredError and everything else wraps
// ErrCatalogUnavailable.
func (c *Cache) EnsureFresh(ctx context.Context, accessToken string) (*Snapshot, error) {
	if snap := c.fresh(); snap != nil {
		return snap, nil
	}

	v, err, shared := c.group.Do(c.segment, func() (interface{}, error) {
		// The download outlives any single caller.
		return c.refresh(context.WithoutCancel(ctx), accessToken)
	})
	if shared {
		c.metrics.CatalogShared()
	}
	if err == nil {
		return v.(*Snapshot), nil
	}

	if prev := c.Current(); prev != nil {
		c.logger.Warn().Err(err).
			Time("fetched_at", prev.FetchedAt).
			Int("records", len(prev.Records)).
			Msg("Catalog refresh failed, serving stale snapshot")
		c.metrics.CatalogFetched("stale", len(prev.Records), prev.FetchedAt)
		stale := *prev
		stale.Stale = true
		return &stale, nil
	}

	if apperrors.Classify(err) == apperrors.KindAuthRequired {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", apperrors.ErrCatalogUnavailable, err)
}

// Invalidate drops the snapshot so the next EnsureFresh downloads again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
}

// Current returns the snapshot without refreshing, or nil when empty.
func (c *Cache) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Cache) fresh() *Snapshot {
	snap := c.Current()
	if snap == nil || snap.Age(c.now()) >= c.interval {
		return nil
	}
	return snap
}

func (c *Cache) refresh(ctx context.Context, accessToken string) (*Snapshot, error) {
	// A caller that queued behind a finished flight finds it fresh here.
	if snap := c.fresh(); snap != nil {
		return snap, nil
	}

	if snap := c.loadShared(ctx); snap != nil {
		c.install(snap)
		return snap, nil
	}

	start := c.now()
	body, err := c.source.Instruments(ctx, accessToken, c.segment)
	if err != nil {
		c.metrics.CatalogFetched("error", 0, start)
		return nil, err
	}

	snap, err := c.parse(body, start, SourceBroker)
	if err != nil {
		c.metrics.CatalogFetched("error", 0, start)
		return nil, err
	}
	c.install(snap)

	c.logger.Info().
		Str("segment", c.segment).
		Int("records", len(snap.Records)).
		Int("skipped", snap.Skipped).
		Dur("duration", c.now().Sub(start)).
		Msg("Instrument catalog refreshed")

	if c.shared != nil {
		if err := c.shared.Save(ctx, c.segment, body, snap.FetchedAt, c.interval); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to publish catalog to shared tier")
		}
	}
	return snap, nil
}

func (c *Cache) loadShared(ctx context.Context) *Snapshot {
	if c.shared == nil {
		return nil
	}
	body, fetchedAt, err := c.shared.Load(ctx, c.segment)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Shared catalog tier unavailable")
		return nil
	}
	if body == nil || c.now().Sub(fetchedAt) >= c.interval {
		return nil
	}
	snap, err := c.parse(body, fetchedAt, SourceShared)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Ignoring unreadable shared catalog")
		return nil
	}
	c.logger.Info().Int("records", len(snap.Records)).Time("fetched_at", fetchedAt).Msg("Loaded catalog from shared tier")
	return snap
}

func (c *Cache) parse(body []byte, fetchedAt time.Time, source string) (*Snapshot, error) {
	res, err := ParseInstruments(body)
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, apperrors.NewUpstreamError("instruments", 0, "instrument master is empty", nil)
	}
	return &Snapshot{
		Records:   res.Records,
		FetchedAt: fetchedAt,
		Segment:   c.segment,
		Source:    source,
		Skipped:   res.Skipped,
	}, nil
}

func (c *Cache) install(snap *Snapshot) {
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	c.metrics.CatalogFetched("ok", len(snap.Records), snap.FetchedAt)
}
