package stats

import "time"

// Source names where a leaderboard came from.
type Source string

const (
	SourceLastfm Source = "lastfm"
	SourceLocal  Source = "local"
)

// Windowed holds one value per fixed window.
type Windowed[T any] struct {
	All   T `json:"all"`
	Month T `json:"month"`
	Week  T `json:"week"`
}

// Summary is the counters for one window.
type Summary struct {
	TotalPlays    int `json:"totalPlays"`
	LovedPlays    int `json:"lovedPlays"`
	UniqueTracks  int `json:"uniqueTracks"`
	UniqueArtists int `json:"uniqueArtists"`
	UniqueAlbums  int `json:"uniqueAlbums"`
}

// Entry is one ranked leaderboard row. Rank is 1-based.
type Entry struct {
	Rank      int     `json:"rank"`
	Name      string  `json:"name"`
	Artist    string  `json:"artist,omitempty"`
	PlayCount int     `json:"playCount"`
	URL       string  `json:"url,omitempty"`
	ImageURL  *string `json:"imageUrl,omitempty"`
}

// Leaderboard is a ranked list. Approximate is set when it was aggregated
// from the synced plays only, which may miss history never synced.
type Leaderboard struct {
	Source      Source  `json:"source"`
	Approximate bool    `json:"approximate"`
	Entries     []Entry `json:"entries"`
}

// TrendPoint is the play count of one UTC calendar day.
type TrendPoint struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// Snapshot is the full set of derived statistics. It is replaced as a
// whole and never mutated after being stored.
type Snapshot struct {
	Summary    Windowed[Summary]     `json:"summary"`
	TopArtists Windowed[Leaderboard] `json:"topArtists"`
	TopAlbums  Windowed[Leaderboard] `json:"topAlbums"`
	Trends     []TrendPoint          `json:"trends"`
	ComputedAt time.Time             `json:"computedAt"`
}
