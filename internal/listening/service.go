// Package listening decides where read requests are served from: the live
// API, the durable store, or the in-memory stats snapshot.
package listening

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/lastfm"
	"github.com/justestif/go-listening-history/internal/logging"
	"github.com/justestif/go-listening-history/internal/stats"
	syncer "github.com/justestif/go-listening-history/internal/sync"
)

const (
	// DefaultFreshFor is how long a snapshot counts as fresh.
	DefaultFreshFor = 30 * time.Minute

	// DefaultRetryAfter is the hint returned while no snapshot exists.
	DefaultRetryAfter = 30 * time.Second

	// DefaultPageLimit is used when a caller passes no limit.
	DefaultPageLimit = 50

	// MaxPageLimit is the largest page a caller may request.
	MaxPageLimit = 200

	// refreshTimeout bounds a stats computation shared by several callers.
	refreshTimeout = 2 * time.Minute
)

// Common errors.
var (
	ErrNotReady         = errors.New("stats not ready")
	ErrStoreUnavailable = errors.New("play store unavailable")
	ErrSyncUnavailable  = errors.New("sync trigger unavailable")
)

// NotReadyError reports that no snapshot has been computed yet. It is an
// expected state right after startup; callers should retry after RetryAfter.
type NotReadyError struct {
	RetryAfter time.Duration
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("stats not ready, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrNotReady) match.
func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// PlayStore reads stored plays.
type PlayStore interface {
	Latest(ctx context.Context) (*db.PlayEvent, error)
	List(ctx context.Context, offset, limit int) ([]db.PlayEvent, error)
	ListLoved(ctx context.Context, offset, limit int) ([]db.PlayEvent, error)
	Count(ctx context.Context) (int, error)
	CountLoved(ctx context.Context) (int, error)
}

// StatsEngine computes snapshots from the store.
type StatsEngine interface {
	Refresh(ctx context.Context) (*stats.Snapshot, error)
	Trend(ctx context.Context, days int) ([]stats.TrendPoint, error)
}

// Remote serves live reads from Last.fm.
type Remote interface {
	LatestPlay(ctx context.Context, creds lastfm.Credentials) (*lastfm.Track, error)
	LovedTracks(ctx context.Context, creds lastfm.Credentials, page, limit int) (*lastfm.LovedPage, error)
}

// CredentialSource resolves the credentials for live reads.
type CredentialSource interface {
	Effective(ctx context.Context) lastfm.Credentials
}

// SyncTrigger runs an on-demand sync cycle.
type SyncTrigger interface {
	RunNow(ctx context.Context) (*syncer.Result, error)
}

// Service is the read path. Every dependency except the cache is
// optional; a Service without a store serves stats from the cache only.
type Service struct {
	cache   *stats.Cache
	plays   PlayStore
	engine  StatsEngine
	remote  Remote
	creds   CredentialSource
	trigger SyncTrigger

	freshFor   time.Duration
	retryAfter time.Duration
	now        func() time.Time

	group      singleflight.Group
	refreshing atomic.Bool
}

// Option configures a Service.
type Option func(*Service)

// WithStore gives the service durable-store access.
func WithStore(plays PlayStore, engine StatsEngine) Option {
	return func(s *Service) {
		s.plays = plays
		s.engine = engine
	}
}

// WithRemote enables live reads.
func WithRemote(remote Remote, creds CredentialSource) Option {
	return func(s *Service) {
		s.remote = remote
		s.creds = creds
	}
}

// WithSyncTrigger enables RunSyncNow.
func WithSyncTrigger(t SyncTrigger) Option {
	return func(s *Service) {
		s.trigger = t
	}
}

// WithFreshFor sets how long a snapshot counts as fresh.
func WithFreshFor(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.freshFor = d
		}
	}
}

// WithRetryAfter sets the hint carried by NotReadyError.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retryAfter = d
		}
	}
}

// New creates a read-path service over cache.
func New(cache *stats.Cache, opts ...Option) *Service {
	s := &Service{
		cache:      cache,
		freshFor:   DefaultFreshFor,
		retryAfter: DefaultRetryAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StatsView is a snapshot plus its staleness.
type StatsView struct {
	Snapshot   *stats.Snapshot
	ComputedAt time.Time
	Stale      bool
}

// CurrentStats returns the best known snapshot. A stale snapshot is
// returned as is, with a background refresh started when the store is
// reachable. With no snapshot, it computes one if it can, otherwise it
// returns a *NotReadyError.
func (s *Service) CurrentStats(ctx context.Context) (*StatsView, error) {
	if snap, ok := s.cache.Load(); ok {
		stale := s.now().Sub(snap.ComputedAt) > s.freshFor
		if stale {
			s.refreshInBackground()
		}
		return &StatsView{Snapshot: snap, ComputedAt: snap.ComputedAt, Stale: stale}, nil
	}

	if s.engine == nil {
		return nil, &NotReadyError{RetryAfter: s.retryAfter}
	}

	snap, err := s.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsView{Snapshot: snap, ComputedAt: snap.ComputedAt}, nil
}

// refresh collapses concurrent recomputations into one. The shared
// computation is detached from the first caller, so one caller going away
// does not fail the others.
func (s *Service) refresh(ctx context.Context) (*stats.Snapshot, error) {
	v, err, _ := s.group.Do("stats", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.engine.Refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*stats.Snapshot), nil
}

func (s *Service) refreshInBackground() {
	if s.engine == nil || !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.refreshing.Store(false)
		if _, err := s.refresh(context.Background()); err != nil {
			logging.Warn().Err(err).Msg("background stats refresh failed")
		}
	}()
}

// TrendSeries returns daily play counts for the last days days, ascending.
// days is clamped to [1, 90]; zero means the default of 30. Without store
// access, or when the store query fails, the cached snapshot's series is
// trimmed instead.
func (s *Service) TrendSeries(ctx context.Context, days int) ([]stats.TrendPoint, error) {
	days = stats.ClampDays(days)
	if s.engine != nil {
		points, err := s.engine.Trend(ctx, days)
		if err == nil {
			return points, nil
		}
		if _, ok := s.cache.Load(); !ok {
			return nil, err
		}
		logging.Warn().Err(err).Msg("trend query failed, using cached series")
	}

	snap, ok := s.cache.Load()
	if !ok {
		return nil, &NotReadyError{RetryAfter: s.retryAfter}
	}
	since := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1)).Format(time.DateOnly)
	points := make([]stats.TrendPoint, 0, len(snap.Trends))
	for _, p := range snap.Trends {
		if p.Date >= since {
			points = append(points, p)
		}
	}
	return points, nil
}

// RunSyncNow runs a sync cycle and waits for it. It returns
// syncer.ErrCycleInProgress when a cycle is already running and an error
// matching syncer.ErrNotConfigured when credentials are missing.
func (s *Service) RunSyncNow(ctx context.Context) (*syncer.Result, error) {
	if s.trigger == nil {
		return nil, ErrSyncUnavailable
	}
	// The cycle outlives a disconnected caller.
	res, err := s.trigger.RunNow(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	if res.Status == syncer.StatusNotConfigured {
		return res, res.Err
	}
	return res, nil
}

func (s *Service) credentials(ctx context.Context) (lastfm.Credentials, bool) {
	if s.remote == nil || s.creds == nil {
		return lastfm.Credentials{}, false
	}
	creds := s.creds.Effective(ctx)
	return creds, creds.Configured()
}
