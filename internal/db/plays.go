package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const playColumns = `id, dedup_key, secondary_key, track_title, artist_name, album_title,
	artist_mbid, album_mbid, track_mbid, cover_url, track_url, loved, played_at, ingested_at`

// PlayRepository handles play event database operations.
type PlayRepository struct {
	pool *pgxpool.Pool
}

// Upsert inserts a play or, when the (artist, track, played_at) triple
// already exists, overwrites its metadata in place. A violation of any
// other uniqueness guard returns ErrDuplicateKey.
func (r *PlayRepository) Upsert(ctx context.Context, play *PlayEvent) (UpsertOutcome, error) {
	query := `
		INSERT INTO play_events (dedup_key, secondary_key, track_title, artist_name, album_title,
			artist_mbid, album_mbid, track_mbid, cover_url, track_url, loved, played_at, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT ON CONSTRAINT play_events_identity DO UPDATE SET
			secondary_key = COALESCE(play_events.secondary_key, EXCLUDED.secondary_key),
			album_title = EXCLUDED.album_title,
			artist_mbid = EXCLUDED.artist_mbid,
			album_mbid = EXCLUDED.album_mbid,
			track_mbid = EXCLUDED.track_mbid,
			cover_url = EXCLUDED.cover_url,
			track_url = EXCLUDED.track_url,
			loved = EXCLUDED.loved,
			ingested_at = EXCLUDED.ingested_at
		RETURNING id, (xmax = 0) AS inserted
	`
	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		play.DedupKey,
		play.SecondaryKey,
		play.TrackTitle,
		play.ArtistName,
		play.AlbumTitle,
		play.ArtistExternalID,
		play.AlbumExternalID,
		play.TrackExternalID,
		play.CoverURL,
		play.TrackURL,
		play.Loved,
		play.PlayedAt,
		play.IngestedAt,
	).Scan(&play.ID, &inserted)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
		}
		return 0, fmt.Errorf("upserting play: %w", err)
	}

	if inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

// LatestPlayedAt returns the newest stored played_at (the sync watermark).
// ok is false when no plays are stored.
func (r *PlayRepository) LatestPlayedAt(ctx context.Context) (latest time.Time, ok bool, err error) {
	query := `SELECT played_at FROM play_events ORDER BY played_at DESC LIMIT 1`
	err = r.pool.QueryRow(ctx, query).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying latest play time: %w", err)
	}
	return latest, true, nil
}

// Latest returns the most recent stored play.
func (r *PlayRepository) Latest(ctx context.Context) (*PlayEvent, error) {
	query := `SELECT ` + playColumns + ` FROM play_events ORDER BY played_at DESC, id DESC LIMIT 1`
	play, err := scanPlay(r.pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest play: %w", err)
	}
	return play, nil
}

// List returns plays newest first.
func (r *PlayRepository) List(ctx context.Context, offset, limit int) ([]PlayEvent, error) {
	query := `
		SELECT ` + playColumns + `
		FROM play_events
		ORDER BY played_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`
	return r.queryPlays(ctx, query, offset, limit)
}

// ListLoved returns plays marked loved, newest first.
func (r *PlayRepository) ListLoved(ctx context.Context, offset, limit int) ([]PlayEvent, error) {
	query := `
		SELECT ` + playColumns + `
		FROM play_events
		WHERE loved
		ORDER BY played_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`
	return r.queryPlays(ctx, query, offset, limit)
}

// Count returns the number of stored plays.
func (r *PlayRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM play_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting plays: %w", err)
	}
	return count, nil
}

// CountLoved returns the number of stored plays marked loved.
func (r *PlayRepository) CountLoved(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM play_events WHERE loved`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting loved plays: %w", err)
	}
	return count, nil
}

func (r *PlayRepository) queryPlays(ctx context.Context, query string, args ...any) ([]PlayEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying plays: %w", err)
	}
	defer rows.Close()

	var plays []PlayEvent
	for rows.Next() {
		play, err := scanPlay(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning play: %w", err)
		}
		plays = append(plays, *play)
	}
	return plays, rows.Err()
}

func scanPlay(row pgx.Row) (*PlayEvent, error) {
	var p PlayEvent
	err := row.Scan(
		&p.ID,
		&p.DedupKey,
		&p.SecondaryKey,
		&p.TrackTitle,
		&p.ArtistName,
		&p.AlbumTitle,
		&p.ArtistExternalID,
		&p.AlbumExternalID,
		&p.TrackExternalID,
		&p.CoverURL,
		&p.TrackURL,
		&p.Loved,
		&p.PlayedAt,
		&p.IngestedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
