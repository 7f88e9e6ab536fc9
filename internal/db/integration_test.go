//go:build integration

package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type DBIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *DB
}

func (s *DBIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("listening_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	database, err := New(s.ctx, connStr)
	s.Require().NoError(err)
	s.Require().NoError(database.Migrate(s.ctx))
	s.db = database
}

func (s *DBIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *DBIntegrationSuite) SetupTest() {
	_, _ = s.db.Pool().Exec(s.ctx, "DELETE FROM play_events")
	_, _ = s.db.Pool().Exec(s.ctx, "DELETE FROM sync_settings")
}

func TestDBIntegrationSuite(t *testing.T) {
	suite.Run(t, new(DBIntegrationSuite))
}

func ptr(s string) *string { return &s }

func testPlay(key, artist, title string, at time.Time) *PlayEvent {
	return &PlayEvent{
		DedupKey:   key,
		TrackTitle: title,
		ArtistName: artist,
		PlayedAt:   at,
		IngestedAt: at,
	}
}

func (s *DBIntegrationSuite) TestMigrate_Idempotent() {
	s.NoError(s.db.Migrate(s.ctx))
}

func (s *DBIntegrationSuite) TestPlays_UpsertInsertThenUpdate() {
	plays := s.db.Plays()
	at := time.Now().UTC().Truncate(time.Second)

	play := testPlay("k1", "Artist", "Song", at)
	outcome, err := plays.Upsert(s.ctx, play)
	s.Require().NoError(err)
	s.Equal(OutcomeInserted, outcome)
	s.Greater(play.ID, int64(0))

	again := testPlay("k1", "Artist", "Song", at)
	again.AlbumTitle = ptr("Album")
	again.Loved = true
	outcome, err = plays.Upsert(s.ctx, again)
	s.Require().NoError(err)
	s.Equal(OutcomeUpdated, outcome)
	s.Equal(play.ID, again.ID)

	count, err := plays.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, count)

	latest, err := plays.Latest(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(latest.AlbumTitle)
	s.Equal("Album", *latest.AlbumTitle)
	s.True(latest.Loved)
}

func (s *DBIntegrationSuite) TestPlays_SecondaryKeyCollision() {
	plays := s.db.Plays()
	at := time.Now().UTC().Truncate(time.Second)

	first := testPlay("k1", "Artist", "Song", at)
	first.SecondaryKey = ptr("mbid:1")
	_, err := plays.Upsert(s.ctx, first)
	s.Require().NoError(err)

	second := testPlay("k2", "Artist", "Song (Remastered)", at)
	second.SecondaryKey = ptr("mbid:1")
	_, err = plays.Upsert(s.ctx, second)
	s.True(errors.Is(err, ErrDuplicateKey))
}

func (s *DBIntegrationSuite) TestPlays_LatestPlayedAtAndPaging() {
	plays := s.db.Plays()

	_, ok, err := plays.LatestPlayedAt(s.ctx)
	s.Require().NoError(err)
	s.False(ok)

	_, err = plays.Latest(s.ctx)
	s.ErrorIs(err, ErrNotFound)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"a", "b", "c"} {
		p := testPlay("k-"+title, "Artist", title, base.Add(time.Duration(i)*time.Minute))
		p.Loved = i == 1
		_, err := plays.Upsert(s.ctx, p)
		s.Require().NoError(err)
	}

	latest, ok, err := plays.LatestPlayedAt(s.ctx)
	s.Require().NoError(err)
	s.True(ok)
	s.True(latest.Equal(base.Add(2 * time.Minute)))

	page, err := plays.List(s.ctx, 0, 2)
	s.Require().NoError(err)
	s.Require().Len(page, 2)
	s.Equal("c", page[0].TrackTitle)
	s.Equal("b", page[1].TrackTitle)

	page, err = plays.List(s.ctx, 2, 2)
	s.Require().NoError(err)
	s.Require().Len(page, 1)
	s.Equal("a", page[0].TrackTitle)

	loved, err := plays.ListLoved(s.ctx, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(loved, 1)
	s.Equal("b", loved[0].TrackTitle)

	lovedCount, err := plays.CountLoved(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, lovedCount)
}

func (s *DBIntegrationSuite) TestStats_SummaryAndLeaderboards() {
	plays := s.db.Plays()
	stats := s.db.Stats()
	now := time.Now().UTC().Truncate(time.Second)

	rows := []*PlayEvent{
		testPlay("s1", "A", "one", now.Add(-1*time.Hour)),
		testPlay("s2", "A", "one", now.Add(-2*time.Hour)),
		testPlay("s3", "B", "two", now.Add(-3*time.Hour)),
		testPlay("s4", "A", "three", now.Add(-40*24*time.Hour)),
	}
	rows[0].AlbumTitle = ptr("First")
	rows[1].AlbumTitle = ptr("First")
	rows[2].Loved = true
	for _, p := range rows {
		_, err := plays.Upsert(s.ctx, p)
		s.Require().NoError(err)
	}

	all, err := stats.Summary(s.ctx, nil)
	s.Require().NoError(err)
	s.Equal(Summary{TotalPlays: 4, LovedPlays: 1, UniqueTracks: 3, UniqueArtists: 2, UniqueAlbums: 1}, all)

	since := now.Add(-7 * 24 * time.Hour)
	week, err := stats.Summary(s.ctx, &since)
	s.Require().NoError(err)
	s.Equal(3, week.TotalPlays)
	s.Equal(2, week.UniqueTracks)

	artists, err := stats.TopArtists(s.ctx, nil, 10)
	s.Require().NoError(err)
	s.Require().Len(artists, 2)
	s.Equal("A", artists[0].Name)
	s.Equal(3, artists[0].PlayCount)

	albums, err := stats.TopAlbums(s.ctx, nil, 10)
	s.Require().NoError(err)
	s.Require().Len(albums, 1)
	s.Equal(EntityCount{Name: "First", Artist: "A", PlayCount: 2}, albums[0])

	days, err := stats.DailyCounts(s.ctx, now.Add(-30*24*time.Hour))
	s.Require().NoError(err)
	total := 0
	for _, d := range days {
		total += d.Count
	}
	s.Equal(3, total)
}

func (s *DBIntegrationSuite) TestSettings_GetSave() {
	repo := s.db.Settings()

	_, err := repo.Get(s.ctx)
	s.ErrorIs(err, ErrNotFound)

	first := &SyncSettings{Username: "rj", APIKey: "key-1"}
	s.Require().NoError(repo.Save(s.ctx, first))
	s.False(first.CreatedAt.IsZero())

	second := &SyncSettings{Username: "rj2", APIKey: "key-2"}
	s.Require().NoError(repo.Save(s.ctx, second))
	s.True(second.CreatedAt.Equal(first.CreatedAt))

	got, err := repo.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal("rj2", got.Username)
	s.Equal("key-2", got.APIKey)
}
