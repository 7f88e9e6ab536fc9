// Package normalize flattens the inconsistent Last.fm payload shapes into
// the stable fields the rest of the system works with.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/lastfm"
)

// UnknownArtist is used when a payload carries no usable artist name.
const UnknownArtist = "Unknown Artist"

// DefaultCoverSize is the preferred image variant when callers have no preference.
const DefaultCoverSize = "extralarge"

// coverSizes is the fixed size-priority ordering, largest first.
var coverSizes = []string{"extralarge", "large", "medium", "small"}

// PlayingStatus classifies how recent a play is.
type PlayingStatus string

const (
	StatusNone           PlayingStatus = ""
	StatusNowPlaying     PlayingStatus = "now_playing"
	StatusRecentlyPlayed PlayingStatus = "recently_played"
)

// Play is the flat shape of a play or loved track.
type Play struct {
	Title    string     `json:"title"`
	Artist   string     `json:"artist"`
	Album    *string    `json:"album"`
	CoverURL *string    `json:"coverUrl"`
	URL      *string    `json:"url"`
	Loved    bool       `json:"loved"`
	PlayedAt *time.Time `json:"playedAt"`
}

// ArtistName resolves an artist reference: object name, then object text,
// then a bare string, then UnknownArtist.
func ArtistName(e lastfm.Entity) string {
	for _, candidate := range []string{e.Name, e.Text} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return UnknownArtist
}

// AlbumName resolves an album reference: object text or bare string, then
// object name. Returns nil when there is no album.
func AlbumName(e lastfm.Entity) *string {
	for _, candidate := range []string{e.Text, e.Name} {
		if s := strings.TrimSpace(candidate); s != "" {
			return &s
		}
	}
	return nil
}

// CoverURL picks an image URL. It walks the size priority starting at
// preferred and wrapping around, then falls back to the first variant
// with any URL. Returns nil when no variant has one.
func CoverURL(images []lastfm.Image, preferred string) *string {
	start := 0
	for i, size := range coverSizes {
		if size == preferred {
			start = i
			break
		}
	}

	for i := range coverSizes {
		size := coverSizes[(start+i)%len(coverSizes)]
		for _, img := range images {
			if img.Size.String() == size {
				if url := img.URL.String(); url != "" {
					return &url
				}
			}
		}
	}

	for _, img := range images {
		if url := img.URL.String(); url != "" {
			return &url
		}
	}
	return nil
}

// PlayedAt returns the play timestamp, or false for undated entries.
func PlayedAt(t lastfm.Track) (time.Time, bool) {
	return parseDate(t.Date)
}

// Loved reports the loved flag carried by extended recent-tracks entries.
func Loved(t lastfm.Track) bool {
	return t.Loved.Bool()
}

// IsNowPlaying reports whether the entry carries the upstream now-playing marker.
func IsNowPlaying(t lastfm.Track) bool {
	return t.Attr.NowPlaying.Bool()
}

// Status classifies a track relative to now. The upstream marker wins;
// otherwise plays under an hour old count as now playing (upstream lag),
// under a day as recently played.
func Status(t lastfm.Track, now time.Time) PlayingStatus {
	if IsNowPlaying(t) {
		return StatusNowPlaying
	}
	at, ok := PlayedAt(t)
	if !ok {
		return StatusNone
	}
	return StatusAt(at, now)
}

// StatusAt classifies a play timestamp relative to now.
func StatusAt(playedAt, now time.Time) PlayingStatus {
	age := now.Sub(playedAt)
	switch {
	case age < time.Hour:
		return StatusNowPlaying
	case age < 24*time.Hour:
		return StatusRecentlyPlayed
	default:
		return StatusNone
	}
}

// DedupKey derives the primary identity of a play.
func DedupKey(artist, title string, playedAt time.Time) string {
	sum := sha256.Sum256([]byte(artist + "\x1f" + title + "\x1f" + strconv.FormatInt(playedAt.Unix(), 10)))
	return hex.EncodeToString(sum[:])
}

// SecondaryKey derives the upstream-id based guard. Returns nil without an id.
func SecondaryKey(mbid string, playedAt time.Time) *string {
	mbid = strings.TrimSpace(mbid)
	if mbid == "" {
		return nil
	}
	key := mbid + ":" + strconv.FormatInt(playedAt.Unix(), 10)
	return &key
}

// Flatten extracts the flat shape of a recent-tracks entry.
func Flatten(t lastfm.Track) Play {
	p := Play{
		Title:    strings.TrimSpace(t.Name.String()),
		Artist:   ArtistName(t.Artist),
		Album:    AlbumName(t.Album),
		CoverURL: CoverURL(t.Image, DefaultCoverSize),
		URL:      optional(t.URL.String()),
		Loved:    Loved(t),
	}
	if at, ok := PlayedAt(t); ok {
		p.PlayedAt = &at
	}
	return p
}

// LovedTrack extracts the flat shape of a loved-tracks entry. PlayedAt
// holds the time the track was loved.
func LovedTrack(t lastfm.LovedTrack) Play {
	p := Play{
		Title:    strings.TrimSpace(t.Name.String()),
		Artist:   ArtistName(t.Artist),
		CoverURL: CoverURL(t.Image, DefaultCoverSize),
		URL:      optional(t.URL.String()),
		Loved:    true,
	}
	if at, ok := parseDate(t.Date); ok {
		p.PlayedAt = &at
	}
	return p
}

// PlayEvent converts a recent-tracks entry into a storable event.
// Now-playing markers, undated and untitled entries are not storable.
func PlayEvent(t lastfm.Track, ingestedAt time.Time) (db.PlayEvent, bool) {
	if IsNowPlaying(t) {
		return db.PlayEvent{}, false
	}
	p := Flatten(t)
	if p.PlayedAt == nil || p.Title == "" {
		return db.PlayEvent{}, false
	}
	playedAt := *p.PlayedAt

	return db.PlayEvent{
		DedupKey:         DedupKey(p.Artist, p.Title, playedAt),
		SecondaryKey:     SecondaryKey(t.MBID.String(), playedAt),
		TrackTitle:       p.Title,
		ArtistName:       p.Artist,
		AlbumTitle:       p.Album,
		ArtistExternalID: optional(t.Artist.MBID),
		AlbumExternalID:  optional(t.Album.MBID),
		TrackExternalID:  optional(t.MBID.String()),
		CoverURL:         p.CoverURL,
		TrackURL:         p.URL,
		Loved:            p.Loved,
		PlayedAt:         playedAt,
		IngestedAt:       ingestedAt,
	}, true
}

// FromPlayEvent converts a stored event back into the flat shape.
func FromPlayEvent(e db.PlayEvent) Play {
	playedAt := e.PlayedAt
	return Play{
		Title:    e.TrackTitle,
		Artist:   e.ArtistName,
		Album:    e.AlbumTitle,
		CoverURL: e.CoverURL,
		URL:      e.TrackURL,
		Loved:    e.Loved,
		PlayedAt: &playedAt,
	}
}

func parseDate(d *lastfm.Date) (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	uts := d.UTS.Int(0)
	if uts <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(uts), 0).UTC(), true
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
