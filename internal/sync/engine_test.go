package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/lastfm"
	"github.com/justestif/go-listening-history/internal/normalize"
	"github.com/justestif/go-listening-history/internal/stats"
)

// memoryStore mimics the play_events constraints in memory.
type memoryStore struct {
	mu         gosync.Mutex
	rows       map[string]db.PlayEvent // keyed by artist/track/played_at
	secondary  map[string]string       // secondary key -> identity
	failTitles map[string]bool
	latestErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rows:       make(map[string]db.PlayEvent),
		secondary:  make(map[string]string),
		failTitles: make(map[string]bool),
	}
}

func identity(p *db.PlayEvent) string {
	return p.ArtistName + "|" + p.TrackTitle + "|" + strconv.FormatInt(p.PlayedAt.Unix(), 10)
}

func (m *memoryStore) Upsert(ctx context.Context, play *db.PlayEvent) (db.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failTitles[play.TrackTitle] {
		return 0, errors.New("write failed")
	}
	id := identity(play)
	if play.SecondaryKey != nil {
		if owner, ok := m.secondary[*play.SecondaryKey]; ok && owner != id {
			return 0, fmt.Errorf("%w: play_events_secondary_key_key", db.ErrDuplicateKey)
		}
	}
	_, exists := m.rows[id]
	m.rows[id] = *play
	if play.SecondaryKey != nil {
		m.secondary[*play.SecondaryKey] = id
	}
	if exists {
		return db.OutcomeUpdated, nil
	}
	return db.OutcomeInserted, nil
}

func (m *memoryStore) LatestPlayedAt(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latestErr != nil {
		return time.Time{}, false, m.latestErr
	}
	var latest time.Time
	for _, row := range m.rows {
		if row.PlayedAt.After(latest) {
			latest = row.PlayedAt
		}
	}
	return latest, !latest.IsZero(), nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// historyRemote pages through a newest-first history the way the API
// does: entries outside [From, To] are filtered out before paging, and a
// now-playing entry leads the first page.
type historyRemote struct {
	history    []lastfm.Track
	nowPlaying *lastfm.Track
	failPage   int
	failErr    error
	failTimes  int // 0 fails every request for failPage
	panicPage  int
	requests   []lastfm.RecentRequest

	failed int
}

func (r *historyRemote) RecentPlays(ctx context.Context, creds lastfm.Credentials, req lastfm.RecentRequest) (*lastfm.RecentPage, error) {
	r.requests = append(r.requests, req)
	if req.Page == r.panicPage {
		panic("boom")
	}
	if req.Page == r.failPage && (r.failTimes == 0 || r.failed < r.failTimes) {
		r.failed++
		return nil, r.failErr
	}

	var window []lastfm.Track
	for _, t := range r.history {
		if at, ok := normalize.PlayedAt(t); ok {
			if !req.From.IsZero() && at.Before(req.From) {
				continue
			}
			if !req.To.IsZero() && at.After(req.To) {
				continue
			}
		}
		window = append(window, t)
	}

	total := (len(window) + req.Limit - 1) / req.Limit
	start := min((req.Page-1)*req.Limit, len(window))
	end := min(start+req.Limit, len(window))
	tracks := append([]lastfm.Track(nil), window[start:end]...)
	if req.Page == 1 && r.nowPlaying != nil {
		tracks = append([]lastfm.Track{*r.nowPlaying}, tracks...)
	}
	return &lastfm.RecentPage{
		Tracks: tracks,
		Pagination: lastfm.Pagination{
			Page:       req.Page,
			PerPage:    req.Limit,
			TotalPages: total,
			Total:      len(window),
		},
	}, nil
}

func pageNumbers(reqs []lastfm.RecentRequest) []int {
	pages := make([]int, 0, len(reqs))
	for _, r := range reqs {
		pages = append(pages, r.Page)
	}
	return pages
}

type staticCreds lastfm.Credentials

func (c staticCreds) Effective(ctx context.Context) lastfm.Credentials {
	return lastfm.Credentials(c)
}

type countingRefresher struct {
	calls int
	err   error
}

func (c *countingRefresher) Refresh(ctx context.Context) (*stats.Snapshot, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &stats.Snapshot{}, nil
}

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func play(i int) lastfm.Track {
	return lastfm.Track{
		Name:   lastfm.Text(fmt.Sprintf("Track %d", i)),
		Artist: lastfm.Entity{Kind: lastfm.EntityObject, Name: "Artist"},
		Date:   &lastfm.Date{UTS: lastfm.Text(strconv.FormatInt(base.Add(-time.Duration(i)*time.Minute).Unix(), 10))},
	}
}

func nowPlaying() lastfm.Track {
	t := lastfm.Track{Name: "Live", Artist: lastfm.Entity{Kind: lastfm.EntityString, Text: "Artist"}}
	t.Attr.NowPlaying = "true"
	return t
}

// plays returns plays [from, to), newest first.
func plays(from, to int) []lastfm.Track {
	var out []lastfm.Track
	for i := from; i < to; i++ {
		out = append(out, play(i))
	}
	return out
}

type EngineSuite struct {
	suite.Suite
	store     *memoryStore
	refresher *countingRefresher
	creds     staticCreds
}

func (s *EngineSuite) SetupTest() {
	s.store = newMemoryStore()
	s.refresher = &countingRefresher{}
	s.creds = staticCreds{Username: "rj", APIKey: "key"}
}

func (s *EngineSuite) engine(remote Remote, opts ...Option) *Engine {
	e := NewEngine(s.store, remote, s.creds, s.refresher, opts...)
	e.newID = func() string { return "cycle-1" }
	return e
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) TestFirstSyncBackfillsAllPages() {
	live := nowPlaying()
	remote := &historyRemote{history: plays(0, 600), nowPlaying: &live}

	res := s.engine(remote).Run(context.Background())

	s.Equal(StatusCompleted, res.Status)
	s.Equal(ModeBackfill, res.Mode)
	s.Equal("cycle-1", res.CycleID)
	s.Equal(600, res.NewEvents)
	s.Equal(3, res.Pages)
	s.Equal(601, res.Fetched)
	s.Zero(res.Skipped)
	s.False(res.Truncated)
	s.NoError(res.Err)
	s.Equal(600, s.store.count())
	s.Equal(1, s.refresher.calls)

	s.Equal([]int{1, 3, 2}, pageNumbers(remote.requests), "oldest page stored first")
	for _, req := range remote.requests {
		s.Equal(DefaultPageSize, req.Limit)
		s.True(req.From.IsZero())
		s.True(req.To.Equal(res.StartedAt), "window pinned to the cycle start")
	}
}

func (s *EngineSuite) TestSecondRunIsIdempotent() {
	remote := &historyRemote{history: plays(0, 50)}
	e := s.engine(remote, WithPageSize(20))

	first := e.Run(context.Background())
	s.Equal(50, first.NewEvents)

	second := e.Run(context.Background())
	s.Equal(StatusCompleted, second.Status)
	s.Equal(ModeIncremental, second.Mode)
	s.Zero(second.NewEvents)
	s.Equal(1, second.Updated, "only the watermark play is in the window")
	s.Equal(50, s.store.count())
	s.Equal(2, s.refresher.calls)

	last := remote.requests[len(remote.requests)-1]
	s.True(last.From.Equal(base), "incremental fetch starts at the watermark")
}

func (s *EngineSuite) TestOverlappingBatchesStoreUnion() {
	first := &historyRemote{history: plays(5, 15)}
	s.Equal(10, s.engine(first).Run(context.Background()).NewEvents)

	second := &historyRemote{history: plays(0, 10)}
	res := s.engine(second).Run(context.Background())

	s.Equal(5, res.NewEvents)
	s.Equal(1, res.Updated)
	s.Equal(15, s.store.count())
}

func (s *EngineSuite) TestIntraCycleDuplicatesSkipped() {
	history := append(plays(0, 10), play(3), play(4))
	remote := &historyRemote{history: history}

	res := s.engine(remote).Run(context.Background())

	s.Equal(10, res.NewEvents)
	s.Equal(2, res.Duplicates)
	s.Zero(res.Updated)
	s.Equal(10, s.store.count())
}

func (s *EngineSuite) TestSecondaryKeyCollisionAbsorbed() {
	a := play(1)
	a.MBID = "mbid-1"
	b := a
	b.Name = "Track 1 (Remastered)"
	remote := &historyRemote{history: []lastfm.Track{a, b}}

	res := s.engine(remote).Run(context.Background())

	s.Equal(StatusCompleted, res.Status)
	s.Equal(1, res.NewEvents)
	s.Equal(1, res.Duplicates)
	s.Zero(res.Errors)
}

func (s *EngineSuite) TestNotConfigured() {
	s.creds = staticCreds{Username: "rj"}
	remote := &historyRemote{history: plays(0, 5)}

	res := s.engine(remote).Run(context.Background())

	s.Equal(StatusNotConfigured, res.Status)
	s.False(res.Configured())
	s.ErrorIs(res.Err, ErrNotConfigured)
	s.ErrorIs(res.Err, lastfm.ErrMissingAPIKey)
	s.Empty(remote.requests)
	s.Zero(s.refresher.calls)
}

func (s *EngineSuite) TestMidPaginationErrorKeepsWrittenPlays() {
	remote := &historyRemote{
		history:   plays(0, 30),
		failPage:  2,
		failErr:   &lastfm.Error{Status: 429, Code: 29, Transient: true},
		failTimes: 1,
	}
	e := s.engine(remote, WithPageSize(10))

	res := e.Run(context.Background())

	s.Equal(StatusPartial, res.Status)
	s.Equal(10, res.NewEvents, "only the oldest page was written")
	s.Equal(1, res.Pages)
	s.ErrorIs(res.Err, lastfm.ErrRateLimited)
	s.True(lastfm.IsTransient(res.Err))
	s.Equal([]int{1, 3, 2}, pageNumbers(remote.requests), "no pages fetched after the failure")
	s.Equal(1, s.refresher.calls, "stats still recomputed")

	retry := e.Run(context.Background())

	s.Equal(StatusCompleted, retry.Status)
	s.Equal(20, retry.NewEvents)
	s.Equal(30, s.store.count(), "the next cycle picks up what the failed one skipped")
}

func (s *EngineSuite) TestTransientErrorDuringIncrementalLosesNothing() {
	s.engine(&historyRemote{history: plays(100, 101)}).Run(context.Background())

	remote := &historyRemote{
		history:   plays(0, 101),
		failPage:  2,
		failErr:   &lastfm.Error{Status: 429, Code: 29, Transient: true},
		failTimes: 1,
	}
	e := s.engine(remote, WithPageSize(10))

	res := e.Run(context.Background())
	s.Equal(StatusPartial, res.Status)
	s.Equal(ModeIncremental, res.Mode)
	s.Equal(81, s.store.count())

	for i := 0; i < 2; i++ {
		res = e.Run(context.Background())
		s.Equal(StatusCompleted, res.Status)
	}
	s.Equal(101, s.store.count())
}

func (s *EngineSuite) TestFirstPageErrorFails() {
	remote := &historyRemote{history: plays(0, 10), failPage: 1, failErr: errors.New("dial tcp: refused")}

	res := s.engine(remote).Run(context.Background())

	s.Equal(StatusFailed, res.Status)
	s.Error(res.Err)
	s.Zero(s.store.count())
	s.Equal(1, s.refresher.calls)
}

func (s *EngineSuite) TestWatermarkErrorFails() {
	s.store.latestErr = errors.New("connection refused")
	remote := &historyRemote{history: plays(0, 10)}

	res := s.engine(remote).Run(context.Background())

	s.Equal(StatusFailed, res.Status)
	s.Empty(remote.requests)
}

func (s *EngineSuite) TestItemFailuresDoNotAbortBatch() {
	s.store.failTitles["Track 2"] = true
	remote := &historyRemote{history: plays(0, 5)}

	res := s.engine(remote).Run(context.Background())

	s.Equal(StatusPartial, res.Status)
	s.Equal(4, res.NewEvents)
	s.Equal(1, res.Errors)
	s.NoError(res.Err)
}

func (s *EngineSuite) TestUndatedEntriesSkipped() {
	undated := lastfm.Track{Name: "No date", Artist: lastfm.Entity{Kind: lastfm.EntityString, Text: "A"}}
	remote := &historyRemote{history: []lastfm.Track{undated, play(1)}}

	res := s.engine(remote).Run(context.Background())

	s.Equal(1, res.NewEvents)
	s.Equal(1, res.Skipped)
}

func (s *EngineSuite) TestBackfillCap() {
	remote := &historyRemote{history: plays(0, 120)}

	res := s.engine(remote, WithPageSize(10)).Run(context.Background())

	s.Equal(DefaultBackfillPages, res.Pages)
	s.Equal(100, res.NewEvents, "the newest pages up to the cap")
	s.True(res.Truncated)
	s.Equal(StatusCompleted, res.Status)
	s.Equal([]int{1, 10, 9, 8, 7, 6, 5, 4, 3, 2}, pageNumbers(remote.requests))
}

func (s *EngineSuite) TestIncrementalCapCatchesUpOverCycles() {
	s.engine(&historyRemote{history: plays(100, 101)}).Run(context.Background())

	remote := &historyRemote{history: plays(0, 101)}
	e := s.engine(remote, WithPageSize(10), WithIncrementalMaxPages(3))

	res := e.Run(context.Background())
	s.Equal(ModeIncremental, res.Mode)
	s.Equal(3, res.Pages)
	s.True(res.Truncated)
	s.Equal(20, res.NewEvents, "the oldest pages of the window")
	s.Equal(21, s.store.count())

	cycles := 1
	for res.Truncated && cycles < 10 {
		res = e.Run(context.Background())
		cycles++
	}
	s.False(res.Truncated)
	s.Equal(5, cycles)
	s.Equal(101, s.store.count())
}

func (s *EngineSuite) TestPanicRecovered() {
	remote := &historyRemote{history: plays(0, 10), panicPage: 1}

	var res *Result
	s.NotPanics(func() { res = s.engine(remote).Run(context.Background()) })
	s.Equal(StatusFailed, res.Status)
	s.ErrorContains(res.Err, "boom")
}

func (s *EngineSuite) TestStatsFailureReported() {
	s.refresher.err = errors.New("store down")
	remote := &historyRemote{history: plays(0, 3)}

	res := s.engine(remote).Run(context.Background())

	s.Equal(StatusCompleted, res.Status)
	s.Error(res.StatsErr)
}

func TestWithPageSizeBounds(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, WithPageSize(500), WithBackfillPages(0), WithIncrementalMaxPages(-1))
	assert.Equal(t, DefaultPageSize, e.pageSize)
	assert.Equal(t, DefaultBackfillPages, e.backfillPages)
	assert.Equal(t, DefaultIncrementalMaxPages, e.incrementalMaxPages)

	e = NewEngine(nil, nil, nil, nil, WithPageSize(50), WithCycleTimeout(0))
	require.Equal(t, 50, e.pageSize)
	require.Zero(t, e.cycleTimeout)
}
