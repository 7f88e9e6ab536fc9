// Package stats computes listening statistics and holds the latest
// snapshot in memory.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/lastfm"
	"github.com/justestif/go-listening-history/internal/logging"
	"github.com/justestif/go-listening-history/internal/normalize"
)

const (
	DefaultTopLimit  = 10
	DefaultTrendDays = 30
	MaxTrendDays     = 90
)

const (
	monthWindow = 30 * 24 * time.Hour
	weekWindow  = 7 * 24 * time.Hour
)

// Store runs the read-only aggregations over synced plays.
type Store interface {
	Summary(ctx context.Context, since *time.Time) (db.Summary, error)
	DailyCounts(ctx context.Context, since time.Time) ([]db.DayCount, error)
	TopArtists(ctx context.Context, since *time.Time, limit int) ([]db.EntityCount, error)
	TopAlbums(ctx context.Context, since *time.Time, limit int) ([]db.EntityCount, error)
}

// Remote serves the upstream charts.
type Remote interface {
	TopEntities(ctx context.Context, creds lastfm.Credentials, kind lastfm.TopKind, period lastfm.Period, limit int) ([]lastfm.TopEntity, error)
}

// CredentialSource resolves the credentials for upstream chart reads.
type CredentialSource interface {
	Effective(ctx context.Context) lastfm.Credentials
}

// Config tunes the engine.
type Config struct {
	TopLimit  int // leaderboard length
	TrendDays int // lookback of the snapshot's trend series
}

// Engine computes snapshots. The remote and its credentials are optional;
// without them leaderboards always come from the store.
type Engine struct {
	store  Store
	remote Remote
	creds  CredentialSource
	cache  *Cache
	cfg    Config
	now    func() time.Time
}

// NewEngine creates a stats engine writing into cache.
func NewEngine(store Store, remote Remote, creds CredentialSource, cache *Cache, cfg Config) *Engine {
	if cfg.TopLimit <= 0 {
		cfg.TopLimit = DefaultTopLimit
	}
	cfg.TrendDays = ClampDays(cfg.TrendDays)
	return &Engine{
		store:  store,
		remote: remote,
		creds:  creds,
		cache:  cache,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Cache returns the cache the engine refreshes.
func (e *Engine) Cache() *Cache {
	return e.cache
}

type window struct {
	since  *time.Time
	period lastfm.Period
}

// Compute builds a fresh snapshot. It fails only if the store cannot be
// read; upstream chart failures degrade to approximate local leaderboards.
func (e *Engine) Compute(ctx context.Context) (*Snapshot, error) {
	now := e.now()
	month := now.Add(-monthWindow)
	week := now.Add(-weekWindow)
	windows := Windowed[window]{
		All:   window{nil, lastfm.PeriodOverall},
		Month: window{&month, lastfm.Period1Month},
		Week:  window{&week, lastfm.Period7Day},
	}

	snap := &Snapshot{ComputedAt: now}
	var err error

	if snap.Summary, err = mapWindows(windows, func(w window) (Summary, error) {
		return e.summary(ctx, w.since)
	}); err != nil {
		return nil, err
	}

	creds := e.credentials(ctx)
	if snap.TopArtists, err = mapWindows(windows, func(w window) (Leaderboard, error) {
		return e.leaderboard(ctx, creds, lastfm.TopArtists, w)
	}); err != nil {
		return nil, err
	}
	if snap.TopAlbums, err = mapWindows(windows, func(w window) (Leaderboard, error) {
		return e.leaderboard(ctx, creds, lastfm.TopAlbums, w)
	}); err != nil {
		return nil, err
	}

	if snap.Trends, err = e.trend(ctx, now, e.cfg.TrendDays); err != nil {
		return nil, err
	}
	return snap, nil
}

// Refresh computes a snapshot and replaces the cached one.
func (e *Engine) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := e.Compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing stats: %w", err)
	}
	e.cache.Store(snap)
	logging.Debug().
		Int("total_plays", snap.Summary.All.TotalPlays).
		Str("artists_source", string(snap.TopArtists.All.Source)).
		Msg("stats snapshot refreshed")
	return snap, nil
}

// Trend returns daily play counts for the last days calendar days
// (including today), ascending. days is clamped to [1, MaxTrendDays].
// Days without plays are omitted.
func (e *Engine) Trend(ctx context.Context, days int) ([]TrendPoint, error) {
	return e.trend(ctx, e.now(), ClampDays(days))
}

// ClampDays bounds a trend lookback; non-positive means the default.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return DefaultTrendDays
	case days > MaxTrendDays:
		return MaxTrendDays
	default:
		return days
	}
}

func (e *Engine) trend(ctx context.Context, now time.Time, days int) ([]TrendPoint, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	counts, err := e.store.DailyCounts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading daily counts: %w", err)
	}

	points := make([]TrendPoint, 0, len(counts))
	for _, c := range counts {
		points = append(points, TrendPoint{
			Date:  c.Day.UTC().Format(time.DateOnly),
			Count: c.Count,
		})
	}
	return points, nil
}

func (e *Engine) summary(ctx context.Context, since *time.Time) (Summary, error) {
	s, err := e.store.Summary(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("loading summary: %w", err)
	}
	return Summary(s), nil
}

func (e *Engine) credentials(ctx context.Context) lastfm.Credentials {
	if e.creds == nil {
		return lastfm.Credentials{}
	}
	return e.creds.Effective(ctx)
}

// leaderboard prefers the upstream chart and falls back to the store.
func (e *Engine) leaderboard(ctx context.Context, creds lastfm.Credentials, kind lastfm.TopKind, w window) (Leaderboard, error) {
	var remoteErr error
	switch {
	case e.remote == nil:
		remoteErr = errors.New("no upstream client")
	case !creds.Configured():
		remoteErr = creds.Validate()
	default:
		entities, err := e.remote.TopEntities(ctx, creds, kind, w.period, e.cfg.TopLimit)
		if err == nil {
			return fromRemote(entities, kind), nil
		}
		remoteErr = err
	}

	logging.Warn().
		Err(remoteErr).
		Str("kind", string(kind)).
		Str("period", string(w.period)).
		Msg("upstream chart unavailable, using approximate local leaderboard")

	var (
		rows []db.EntityCount
		err  error
	)
	if kind == lastfm.TopAlbums {
		rows, err = e.store.TopAlbums(ctx, w.since, e.cfg.TopLimit)
	} else {
		rows, err = e.store.TopArtists(ctx, w.since, e.cfg.TopLimit)
	}
	if err != nil {
		return Leaderboard{}, fmt.Errorf("loading local %s leaderboard (upstream: %v): %w", kind, remoteErr, err)
	}
	return fromLocal(rows), nil
}

func fromRemote(entities []lastfm.TopEntity, kind lastfm.TopKind) Leaderboard {
	lb := Leaderboard{Source: SourceLastfm, Entries: make([]Entry, 0, len(entities))}
	for i, ent := range entities {
		entry := Entry{
			Rank:      i + 1,
			Name:      ent.Name.String(),
			PlayCount: ent.PlayCount.Int(0),
			URL:       ent.URL.String(),
			ImageURL:  normalize.CoverURL(ent.Image, normalize.DefaultCoverSize),
		}
		if kind == lastfm.TopAlbums {
			entry.Artist = normalize.ArtistName(ent.Artist)
		}
		lb.Entries = append(lb.Entries, entry)
	}
	return lb
}

func fromLocal(rows []db.EntityCount) Leaderboard {
	lb := Leaderboard{Source: SourceLocal, Approximate: true, Entries: make([]Entry, 0, len(rows))}
	for i, row := range rows {
		lb.Entries = append(lb.Entries, Entry{
			Rank:      i + 1,
			Name:      row.Name,
			Artist:    row.Artist,
			PlayCount: row.PlayCount,
		})
	}
	return lb
}

func mapWindows[T any](w Windowed[window], fn func(window) (T, error)) (Windowed[T], error) {
	var out Windowed[T]
	var err error
	if out.All, err = fn(w.All); err != nil {
		return out, err
	}
	if out.Month, err = fn(w.Month); err != nil {
		return out, err
	}
	if out.Week, err = fn(w.Week); err != nil {
		return out, err
	}
	return out, nil
}
