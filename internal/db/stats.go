package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StatsRepository runs read-only aggregations over play_events.
// A nil since means all time.
type StatsRepository struct {
	pool *pgxpool.Pool
}

// Summary returns the window counters for plays at or after since.
func (r *StatsRepository) Summary(ctx context.Context, since *time.Time) (Summary, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE loved),
			COUNT(DISTINCT (artist_name, track_title)),
			COUNT(DISTINCT artist_name),
			COUNT(DISTINCT album_title)
		FROM play_events
		WHERE $1::timestamptz IS NULL OR played_at >= $1
	`
	var s Summary
	err := r.pool.QueryRow(ctx, query, since).Scan(
		&s.TotalPlays,
		&s.LovedPlays,
		&s.UniqueTracks,
		&s.UniqueArtists,
		&s.UniqueAlbums,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("querying summary: %w", err)
	}
	return s, nil
}

// DailyCounts returns play counts per UTC day since the given instant,
// ascending. Days without plays are omitted.
func (r *StatsRepository) DailyCounts(ctx context.Context, since time.Time) ([]DayCount, error) {
	query := `
		SELECT (played_at AT TIME ZONE 'UTC')::date AS day, COUNT(*)
		FROM play_events
		WHERE played_at >= $1
		GROUP BY day
		ORDER BY day ASC
	`
	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("querying daily counts: %w", err)
	}
	defer rows.Close()

	var days []DayCount
	for rows.Next() {
		var d DayCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, fmt.Errorf("scanning daily count: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// TopArtists ranks artists by stored play count.
func (r *StatsRepository) TopArtists(ctx context.Context, since *time.Time, limit int) ([]EntityCount, error) {
	query := `
		SELECT artist_name, '' AS artist, COUNT(*) AS plays
		FROM play_events
		WHERE $1::timestamptz IS NULL OR played_at >= $1
		GROUP BY artist_name
		ORDER BY plays DESC, artist_name ASC
		LIMIT $2
	`
	return r.queryEntities(ctx, query, since, limit)
}

// TopAlbums ranks (album, artist) pairs by stored play count, skipping plays without an album.
func (r *StatsRepository) TopAlbums(ctx context.Context, since *time.Time, limit int) ([]EntityCount, error) {
	query := `
		SELECT album_title, artist_name, COUNT(*) AS plays
		FROM play_events
		WHERE album_title IS NOT NULL AND album_title <> ''
			AND ($1::timestamptz IS NULL OR played_at >= $1)
		GROUP BY album_title, artist_name
		ORDER BY plays DESC, album_title ASC
		LIMIT $2
	`
	return r.queryEntities(ctx, query, since, limit)
}

func (r *StatsRepository) queryEntities(ctx context.Context, query string, since *time.Time, limit int) ([]EntityCount, error) {
	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying leaderboard: %w", err)
	}
	defer rows.Close()

	var entities []EntityCount
	for rows.Next() {
		var e EntityCount
		if err := rows.Scan(&e.Name, &e.Artist, &e.PlayCount); err != nil {
			return nil, fmt.Errorf("scanning leaderboard row: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
