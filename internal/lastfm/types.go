package lastfm

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Text is a scalar that the API sometimes sends as a string and sometimes
// as a number, boolean or {"#text": ...} object. It always decodes to its
// textual representation.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	case '{':
		var obj struct {
			Name Text `json:"name"`
			Text Text `json:"#text"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.Name != "" {
			*t = obj.Name
		} else {
			*t = obj.Text
		}
	default:
		*t = Text(data)
	}
	return nil
}

// String returns the trimmed text.
func (t Text) String() string {
	return strings.TrimSpace(string(t))
}

// Int parses the text as an integer, returning def when it is not numeric.
func (t Text) Int(def int) int {
	n, err := strconv.Atoi(t.String())
	if err != nil {
		return def
	}
	return n
}

// Bool reports whether the text is a truthy flag ("1" or "true").
func (t Text) Bool() bool {
	switch strings.ToLower(t.String()) {
	case "1", "true":
		return true
	}
	return false
}

// EntityKind tags which payload shape an Entity was decoded from.
type EntityKind int

const (
	EntityAbsent EntityKind = iota // field missing or null
	EntityObject                   // {"name": ..., "#text": ..., "mbid": ...}
	EntityString                   // bare string (or other scalar)
)

// Entity is an artist or album reference. Depending on the method and the
// extended flag, the API sends it as an object with "name" or "#text", or
// as a bare string.
type Entity struct {
	Kind   EntityKind
	Name   string // object "name" field
	Text   string // object "#text" field, or the bare string
	MBID   string
	URL    string
	Images ImageList
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*e = Entity{}

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] != '{' {
		var t Text
		if err := t.UnmarshalJSON(data); err != nil {
			return err
		}
		e.Kind = EntityString
		e.Text = string(t)
		return nil
	}

	var obj struct {
		Name  Text      `json:"name"`
		Text  Text      `json:"#text"`
		MBID  Text      `json:"mbid"`
		URL   Text      `json:"url"`
		Image ImageList `json:"image"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Kind = EntityObject
	e.Name = string(obj.Name)
	e.Text = string(obj.Text)
	e.MBID = obj.MBID.String()
	e.URL = obj.URL.String()
	e.Images = obj.Image
	return nil
}

// Image is one size variant of a cover image.
type Image struct {
	URL  Text `json:"#text"`
	Size Text `json:"size"`
}

// ImageList tolerates a missing or non-array "image" field.
type ImageList []Image

// UnmarshalJSON implements json.Unmarshaler.
func (l *ImageList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		*l = nil
		return nil
	}
	var images []Image
	if err := json.Unmarshal(data, &images); err != nil {
		*l = nil
		return nil
	}
	*l = images
	return nil
}

// List decodes either a JSON array or a single object (which the API sends
// when a page holds exactly one item).
type List[T any] []T

// UnmarshalJSON implements json.Unmarshaler.
func (l *List[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*l = nil
		return nil
	}
	switch data[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = items
	case '{':
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		*l = []T{item}
	default:
		*l = nil
	}
	return nil
}

// Date is a play or love timestamp.
type Date struct {
	UTS  Text `json:"uts"`
	Text Text `json:"#text"`
}

// Track is one raw entry from user.getRecentTracks.
type Track struct {
	Name   Text      `json:"name"`
	MBID   Text      `json:"mbid"`
	URL    Text      `json:"url"`
	Artist Entity    `json:"artist"`
	Album  Entity    `json:"album"`
	Image  ImageList `json:"image"`
	Date   *Date     `json:"date"`
	Loved  Text      `json:"loved"`
	Attr   struct {
		NowPlaying Text `json:"nowplaying"`
	} `json:"@attr"`
}

// LovedTrack is one raw entry from user.getLovedTracks.
type LovedTrack struct {
	Name   Text      `json:"name"`
	MBID   Text      `json:"mbid"`
	URL    Text      `json:"url"`
	Artist Entity    `json:"artist"`
	Image  ImageList `json:"image"`
	Date   *Date     `json:"date"`
}

// TopEntity is one ranked row of a user.getTopArtists or user.getTopAlbums chart.
// Rank is assigned from result order, starting at 1.
type TopEntity struct {
	Rank      int       `json:"-"`
	Name      Text      `json:"name"`
	PlayCount Text      `json:"playcount"`
	URL       Text      `json:"url"`
	MBID      Text      `json:"mbid"`
	Artist    Entity    `json:"artist"`
	Image     ImageList `json:"image"`
}

// pageAttr is the "@attr" pagination block. Every field may be missing or
// non-numeric.
type pageAttr struct {
	User       Text `json:"user"`
	Page       Text `json:"page"`
	PerPage    Text `json:"perPage"`
	TotalPages Text `json:"totalPages"`
	Total      Text `json:"total"`
}

// Pagination is the parsed paging state of a list response.
type Pagination struct {
	Page       int
	PerPage    int
	TotalPages int
	Total      int
}

// HasNext reports whether the upstream has further pages.
func (p Pagination) HasNext() bool {
	return p.Page < p.TotalPages
}

// parsePagination applies defaults for missing or malformed fields:
// page 1, one total page, and the item count as the total.
func parsePagination(attr pageAttr, items int) Pagination {
	p := Pagination{
		Page:       attr.Page.Int(1),
		PerPage:    attr.PerPage.Int(items),
		TotalPages: attr.TotalPages.Int(1),
		Total:      attr.Total.Int(items),
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.TotalPages < 0 {
		p.TotalPages = 1
	}
	if p.Total < 0 {
		p.Total = items
	}
	if p.PerPage < 0 {
		p.PerPage = items
	}
	return p
}

// RecentPage is one page of recent plays.
type RecentPage struct {
	Tracks []Track
	Pagination
}

// LovedPage is one page of loved tracks.
type LovedPage struct {
	Tracks []LovedTrack
	Pagination
}

type recentTracksResponse struct {
	RecentTracks struct {
		Track List[Track] `json:"track"`
		Attr  pageAttr    `json:"@attr"`
	} `json:"recenttracks"`
}

type lovedTracksResponse struct {
	LovedTracks struct {
		Track List[LovedTrack] `json:"track"`
		Attr  pageAttr         `json:"@attr"`
	} `json:"lovedtracks"`
}

type topArtistsResponse struct {
	TopArtists struct {
		Artist List[TopEntity] `json:"artist"`
	} `json:"topartists"`
}

type topAlbumsResponse struct {
	TopAlbums struct {
		Album List[TopEntity] `json:"album"`
	} `json:"topalbums"`
}

// apiError represents a Last.fm API error response.
type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}
