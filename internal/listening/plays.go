package listening

import (
	"context"
	"errors"
	"fmt"

	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/logging"
	"github.com/justestif/go-listening-history/internal/normalize"
)

// Source names where a read was served from.
type Source string

const (
	SourceLastfm Source = "lastfm"
	SourceLocal  Source = "local"
)

// NowPlaying is the latest play and how recent it is.
type NowPlaying struct {
	normalize.Play
	Status normalize.PlayingStatus `json:"status"`
	Source Source                  `json:"source"`
}

// Page is one page of plays.
type Page struct {
	Items   []normalize.Play `json:"items"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
	HasNext bool             `json:"hasNext"`
	HasPrev bool             `json:"hasPrev"`
	Source  Source           `json:"source"`
}

// ClampPage normalizes paging input: page is at least 1, limit falls in
// [1, MaxPageLimit] with DefaultPageLimit for non-positive values.
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	return page, limit
}

// LatestOrRecentPlay returns the most recent play, preferring the live API
// (which includes a track playing right now) and falling back to the
// store. It returns nil when there is no history at all.
func (s *Service) LatestOrRecentPlay(ctx context.Context) (*NowPlaying, error) {
	var remoteErr error
	if creds, ok := s.credentials(ctx); ok {
		track, err := s.remote.LatestPlay(ctx, creds)
		switch {
		case err != nil:
			remoteErr = err
			logging.Warn().Err(err).Msg("live latest play unavailable, using store")
		case track != nil:
			return &NowPlaying{
				Play:   normalize.Flatten(*track),
				Status: normalize.Status(*track, s.now()),
				Source: SourceLastfm,
			}, nil
		}
	}

	if s.plays == nil {
		if remoteErr != nil {
			return nil, remoteErr
		}
		return nil, nil
	}

	ev, err := s.plays.Latest(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest play: %w", err)
	}
	return &NowPlaying{
		Play:   normalize.FromPlayEvent(*ev),
		Status: normalize.StatusAt(ev.PlayedAt, s.now()),
		Source: SourceLocal,
	}, nil
}

// PagedPlays returns stored plays, newest first.
func (s *Service) PagedPlays(ctx context.Context, page, limit int) (*Page, error) {
	if s.plays == nil {
		return nil, ErrStoreUnavailable
	}
	page, limit = ClampPage(page, limit)

	total, err := s.plays.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting plays: %w", err)
	}
	events, err := s.plays.List(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("listing plays: %w", err)
	}
	return storedPage(events, total, page, limit), nil
}

// PagedLovedTracks returns loved tracks, preferring the upstream list and
// falling back to stored plays marked loved.
func (s *Service) PagedLovedTracks(ctx context.Context, page, limit int) (*Page, error) {
	page, limit = ClampPage(page, limit)

	var remoteErr error
	if creds, ok := s.credentials(ctx); ok {
		lp, err := s.remote.LovedTracks(ctx, creds, page, limit)
		if err == nil {
			items := make([]normalize.Play, 0, len(lp.Tracks))
			for _, t := range lp.Tracks {
				items = append(items, normalize.LovedTrack(t))
			}
			return &Page{
				Items:   items,
				Total:   lp.Total,
				Page:    page,
				Limit:   limit,
				HasNext: lp.HasNext(),
				HasPrev: page > 1,
				Source:  SourceLastfm,
			}, nil
		}
		remoteErr = err
		logging.Warn().Err(err).Msg("live loved tracks unavailable, using store")
	}

	if s.plays == nil {
		if remoteErr != nil {
			return nil, remoteErr
		}
		return nil, ErrStoreUnavailable
	}

	total, err := s.plays.CountLoved(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting loved plays: %w", err)
	}
	events, err := s.plays.ListLoved(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("listing loved plays: %w", err)
	}
	return storedPage(events, total, page, limit), nil
}

func storedPage(events []db.PlayEvent, total, page, limit int) *Page {
	items := make([]normalize.Play, 0, len(events))
	for _, ev := range events {
		items = append(items, normalize.FromPlayEvent(ev))
	}
	return &Page{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasNext: page*limit < total,
		HasPrev: page > 1,
		Source:  SourceLocal,
	}
}
