// Package sync pulls listening history from Last.fm into PostgreSQL.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/lastfm"
	"github.com/justestif/go-listening-history/internal/logging"
	"github.com/justestif/go-listening-history/internal/normalize"
	"github.com/justestif/go-listening-history/internal/stats"
)

// Common errors.
var (
	// ErrNotConfigured is set on results of cycles that had no usable credentials.
	ErrNotConfigured = errors.New("sync not configured")

	// ErrCycleInProgress is returned when a trigger arrives while a cycle is running.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
)

const (
	// DefaultPageSize is the number of plays requested per page.
	DefaultPageSize = lastfm.MaxPageSize

	// DefaultBackfillPages caps the first-ever sync (2,000 plays at the default page size).
	DefaultBackfillPages = 10

	// DefaultIncrementalMaxPages bounds a steady-state cycle against an
	// upstream that keeps reporting further pages.
	DefaultIncrementalMaxPages = 50

	// DefaultCycleTimeout bounds one whole cycle.
	DefaultCycleTimeout = 10 * time.Minute

	// statsRefreshTimeout bounds the stats recompute that closes every cycle.
	statsRefreshTimeout = time.Minute
)

// PlayStore is the durable store the engine writes to.
type PlayStore interface {
	Upsert(ctx context.Context, play *db.PlayEvent) (db.UpsertOutcome, error)
	LatestPlayedAt(ctx context.Context) (time.Time, bool, error)
}

// Remote serves pages of listening history.
type Remote interface {
	RecentPlays(ctx context.Context, creds lastfm.Credentials, req lastfm.RecentRequest) (*lastfm.RecentPage, error)
}

// CredentialSource resolves the credentials for a cycle.
type CredentialSource interface {
	Effective(ctx context.Context) lastfm.Credentials
}

// StatsRefresher recomputes and caches the stats snapshot.
type StatsRefresher interface {
	Refresh(ctx context.Context) (*stats.Snapshot, error)
}

// Engine runs sync cycles.
type Engine struct {
	plays  PlayStore
	remote Remote
	creds  CredentialSource
	stats  StatsRefresher
	now    func() time.Time
	newID  func() string

	pageSize            int
	backfillPages       int
	incrementalMaxPages int
	cycleTimeout        time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets the number of plays requested per page.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= lastfm.MaxPageSize {
			e.pageSize = n
		}
	}
}

// WithBackfillPages sets the page cap of the first-ever sync.
func WithBackfillPages(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.backfillPages = n
		}
	}
}

// WithIncrementalMaxPages sets the page cap of steady-state cycles.
func WithIncrementalMaxPages(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.incrementalMaxPages = n
		}
	}
}

// WithCycleTimeout bounds a whole cycle. Zero disables the bound.
func WithCycleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.cycleTimeout = d
	}
}

// NewEngine creates a sync engine. refresher may be nil.
func NewEngine(plays PlayStore, remote Remote, creds CredentialSource, refresher StatsRefresher, opts ...Option) *Engine {
	e := &Engine{
		plays:               plays,
		remote:              remote,
		creds:               creds,
		stats:               refresher,
		now:                 time.Now,
		newID:               uuid.NewString,
		pageSize:            DefaultPageSize,
		backfillPages:       DefaultBackfillPages,
		incrementalMaxPages: DefaultIncrementalMaxPages,
		cycleTimeout:        DefaultCycleTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one cycle. It never panics or returns an error; the
// outcome, including failures, is reported in the Result.
func (e *Engine) Run(ctx context.Context) (res *Result) {
	res = &Result{CycleID: e.newID(), StartedAt: e.now()}
	log := logging.With().Str("cycle_id", res.CycleID).Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("sync cycle panicked: %v", r)
			log.Error().Interface("panic", r).Msg("sync cycle panicked")
		}
		res.Duration = e.now().Sub(res.StartedAt)
	}()

	cycleCtx := ctx
	if e.cycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, e.cycleTimeout)
		defer cancel()
	}

	// Resolve credentials
	creds := e.creds.Effective(cycleCtx)
	if err := creds.Validate(); err != nil {
		res.Status = StatusNotConfigured
		res.Err = fmt.Errorf("%w: %w", ErrNotConfigured, err)
		log.Info().Err(err).Msg("sync skipped, credentials not configured")
		return res
	}

	log.Info().Msg("sync cycle started")

	fetchErr := e.fetchAndStore(cycleCtx, creds, res, log)

	switch {
	case fetchErr != nil && res.Pages == 0:
		res.Status = StatusFailed
		res.Err = fetchErr
	case fetchErr != nil:
		res.Status = StatusPartial
		res.Err = fetchErr
	case res.Errors > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusCompleted
	}

	// Recompute stats from whatever was written, even after a failure
	e.refreshStats(ctx, res, log)

	event := log.Info()
	if res.Err != nil {
		event = log.Warn().Err(res.Err)
	}
	event.
		Str("status", string(res.Status)).
		Str("mode", string(res.Mode)).
		Int("pages", res.Pages).
		Int("fetched", res.Fetched).
		Int("new", res.NewEvents).
		Int("updated", res.Updated).
		Int("duplicates", res.Duplicates).
		Int("errors", res.Errors).
		Dur("duration", e.now().Sub(res.StartedAt)).
		Msg("sync cycle finished")

	return res
}

// fetchAndStore pages through the history sequentially and upserts each
// page before requesting the next. It stops at the first fetch error.
//
// The window is pinned to [watermark, cycle start] and walked oldest page
// first, so the stored maximum never passes a play that was not written.
// A cycle that stops early leaves the newer pages for the next cycle.
func (e *Engine) fetchAndStore(ctx context.Context, creds lastfm.Credentials, res *Result, log zerolog.Logger) error {
	watermark, hasWatermark, err := e.plays.LatestPlayedAt(ctx)
	if err != nil {
		return fmt.Errorf("reading watermark: %w", err)
	}

	req := lastfm.RecentRequest{Limit: e.pageSize, To: res.StartedAt}
	maxPages := e.backfillPages
	res.Mode = ModeBackfill
	if hasWatermark {
		req.From = watermark
		maxPages = e.incrementalMaxPages
		res.Mode = ModeIncremental
	}

	// The newest page tells how many pages the window spans
	req.Page = 1
	newest, err := e.remote.RecentPlays(ctx, creds, req)
	if err != nil {
		return fmt.Errorf("fetching page 1: %w", err)
	}

	first, last := 1, max(newest.TotalPages, 1)
	if last > maxPages {
		res.Truncated = true
		if res.Mode == ModeBackfill {
			// History older than the backfill cap is never fetched
			last = maxPages
		} else {
			first = last - maxPages + 1
		}
		log.Warn().
			Int("max_pages", maxPages).
			Int("total_pages", newest.TotalPages).
			Str("mode", string(res.Mode)).
			Msg("page cap reached")
	}

	seen := make(map[string]struct{})
	for page := last; page >= first; page-- {
		rp := newest
		if page != 1 {
			req.Page = page
			if rp, err = e.remote.RecentPlays(ctx, creds, req); err != nil {
				return fmt.Errorf("fetching page %d: %w", page, err)
			}
		}
		res.Pages++
		res.Fetched += len(rp.Tracks)

		log.Debug().
			Int("page", page).
			Int("total_pages", rp.TotalPages).
			Int("items", len(rp.Tracks)).
			Msg("fetched history page")

		e.store(ctx, rp.Tracks, seen, res, log)
	}
	return nil
}

// store normalizes and upserts one page. Items are attempted independently.
func (e *Engine) store(ctx context.Context, tracks []lastfm.Track, seen map[string]struct{}, res *Result, log zerolog.Logger) {
	ingestedAt := e.now()
	for _, t := range tracks {
		play, ok := normalize.PlayEvent(t, ingestedAt)
		if !ok {
			if !normalize.IsNowPlaying(t) {
				res.Skipped++
			}
			continue
		}

		// Drop repeats within this cycle (overlapping pages)
		if _, dup := seen[play.DedupKey]; dup {
			res.Duplicates++
			continue
		}
		seen[play.DedupKey] = struct{}{}

		outcome, err := e.plays.Upsert(ctx, &play)
		switch {
		case errors.Is(err, db.ErrDuplicateKey):
			res.Duplicates++
		case err != nil:
			res.Errors++
			log.Warn().
				Err(err).
				Str("artist", play.ArtistName).
				Str("track", play.TrackTitle).
				Time("played_at", play.PlayedAt).
				Msg("storing play failed")
		case outcome == db.OutcomeInserted:
			res.NewEvents++
		default:
			res.Updated++
		}
	}
}

func (e *Engine) refreshStats(ctx context.Context, res *Result, log zerolog.Logger) {
	if e.stats == nil {
		return
	}
	// Detached from the cycle deadline so a timed-out fetch still refreshes.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsRefreshTimeout)
	defer cancel()

	if _, err := e.stats.Refresh(refreshCtx); err != nil {
		res.StatsErr = err
		log.Warn().Err(err).Msg("stats refresh after sync failed")
	}
}
