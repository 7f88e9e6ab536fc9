package db

import "time"

// PlayEvent is one completed listen. Identity is the
// (ArtistName, TrackTitle, PlayedAt) triple, hashed into DedupKey.
type PlayEvent struct {
	ID               int64
	DedupKey         string
	SecondaryKey     *string // nullable - derived from the upstream track id when present
	TrackTitle       string
	ArtistName       string
	AlbumTitle       *string // nullable
	ArtistExternalID *string // nullable
	AlbumExternalID  *string // nullable
	TrackExternalID  *string // nullable
	CoverURL         *string // nullable
	TrackURL         *string // nullable
	Loved            bool
	PlayedAt         time.Time
	IngestedAt       time.Time
}

// SyncSettings is the admin-saved credential override. There is at most one row.
type SyncSettings struct {
	Username  string
	APIKey    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertOutcome reports whether an upsert created a row or refreshed one.
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota + 1
	OutcomeUpdated
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Summary holds the aggregate counters for one time window.
type Summary struct {
	TotalPlays    int
	LovedPlays    int
	UniqueTracks  int // distinct (artist, track) pairs
	UniqueArtists int
	UniqueAlbums  int
}

// DayCount is the number of plays on one UTC calendar day.
type DayCount struct {
	Day   time.Time
	Count int
}

// EntityCount is one row of a locally aggregated leaderboard.
type EntityCount struct {
	Name      string
	Artist    string // album rows only
	PlayCount int
}
