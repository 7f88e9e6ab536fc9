package lastfm

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// MaxPageSize is the largest page the user.* list methods accept.
const MaxPageSize = 200

// Period is a chart window accepted by the top-chart methods.
type Period string

const (
	PeriodOverall Period = "overall"
	Period1Month  Period = "1month"
	Period7Day    Period = "7day"
)

// TopKind selects the chart returned by TopEntities.
type TopKind string

const (
	TopArtists TopKind = "artist"
	TopAlbums  TopKind = "album"
)

// RecentRequest parameterizes RecentPlays.
type RecentRequest struct {
	Page  int
	Limit int
	From  time.Time // only plays after this instant; zero for no bound
	To    time.Time // only plays up to this instant; zero for no bound
}

// RecentPlays fetches one page of the user's listening history, newest first.
// The page may begin with a now-playing entry.
func (c *Client) RecentPlays(ctx context.Context, creds Credentials, req RecentRequest) (*RecentPage, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	const method = "user.getrecenttracks"
	params := userParams(creds, req.Page, req.Limit)
	params.Set("extended", "1")
	if !req.From.IsZero() {
		params.Set("from", strconv.FormatInt(req.From.Unix(), 10))
	}
	if !req.To.IsZero() {
		params.Set("to", strconv.FormatInt(req.To.Unix(), 10))
	}

	body, err := c.FetchPage(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("fetching recent plays: %w", err)
	}

	var resp recentTracksResponse
	if err := decode(method, body, &resp); err != nil {
		return nil, err
	}

	tracks := []Track(resp.RecentTracks.Track)
	return &RecentPage{
		Tracks:     tracks,
		Pagination: parsePagination(resp.RecentTracks.Attr, len(tracks)),
	}, nil
}

// LovedTracks fetches one page of the user's loved tracks, most recently loved first.
func (c *Client) LovedTracks(ctx context.Context, creds Credentials, page, limit int) (*LovedPage, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	const method = "user.getlovedtracks"
	body, err := c.FetchPage(ctx, method, userParams(creds, page, limit))
	if err != nil {
		return nil, fmt.Errorf("fetching loved tracks: %w", err)
	}

	var resp lovedTracksResponse
	if err := decode(method, body, &resp); err != nil {
		return nil, err
	}

	tracks := []LovedTrack(resp.LovedTracks.Track)
	return &LovedPage{
		Tracks:     tracks,
		Pagination: parsePagination(resp.LovedTracks.Attr, len(tracks)),
	}, nil
}

// TopEntities fetches the user's top artists or albums for a period,
// ranked by descending play count.
func (c *Client) TopEntities(ctx context.Context, creds Credentials, kind TopKind, period Period, limit int) ([]TopEntity, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	params := userParams(creds, 1, limit)
	params.Set("period", string(period))

	var (
		method  string
		entries []TopEntity
	)
	switch kind {
	case TopArtists:
		method = "user.gettopartists"
		body, err := c.FetchPage(ctx, method, params)
		if err != nil {
			return nil, fmt.Errorf("fetching top artists: %w", err)
		}
		var resp topArtistsResponse
		if err := decode(method, body, &resp); err != nil {
			return nil, err
		}
		entries = resp.TopArtists.Artist
	case TopAlbums:
		method = "user.gettopalbums"
		body, err := c.FetchPage(ctx, method, params)
		if err != nil {
			return nil, fmt.Errorf("fetching top albums: %w", err)
		}
		var resp topAlbumsResponse
		if err := decode(method, body, &resp); err != nil {
			return nil, err
		}
		entries = resp.TopAlbums.Album
	default:
		return nil, fmt.Errorf("unknown chart kind %q", kind)
	}

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// LatestPlay returns the most recent entry of the user's history, which may
// be a now-playing marker. It returns nil when the history is empty.
func (c *Client) LatestPlay(ctx context.Context, creds Credentials) (*Track, error) {
	page, err := c.RecentPlays(ctx, creds, RecentRequest{Page: 1, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Tracks) == 0 {
		return nil, nil
	}
	track := page.Tracks[0]
	return &track, nil
}

// userParams builds the shared user.* parameters, clamping page and limit.
func userParams(creds Credentials, page, limit int) url.Values {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	return url.Values{
		"user":    {creds.Username},
		"api_key": {creds.APIKey},
		"page":    {strconv.Itoa(page)},
		"limit":   {strconv.Itoa(limit)},
	}
}
