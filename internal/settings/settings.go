// Package settings resolves the Last.fm credentials used by sync cycles.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/justestif/go-listening-history/internal/db"
	"github.com/justestif/go-listening-history/internal/lastfm"
	"github.com/justestif/go-listening-history/internal/logging"
)

// Store persists the admin-saved settings document.
type Store interface {
	Get(ctx context.Context) (*db.SyncSettings, error)
	Save(ctx context.Context, s *db.SyncSettings) error
}

// Provider merges the stored settings over process defaults.
type Provider struct {
	store    Store
	defaults lastfm.Credentials
}

// NewProvider creates a Provider. store may be nil, in which case only
// the defaults are used.
func NewProvider(store Store, defaults lastfm.Credentials) *Provider {
	return &Provider{store: store, defaults: defaults}
}

// Effective returns the credentials a sync cycle should use. Non-empty
// stored fields win over the defaults. A store failure is logged and the
// defaults are used instead.
func (p *Provider) Effective(ctx context.Context) lastfm.Credentials {
	stored, err := p.Stored(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("reading sync settings, using defaults")
		return p.defaults
	}
	return stored.Merge(p.defaults)
}

// Stored returns only the saved override (empty when nothing was saved).
func (p *Provider) Stored(ctx context.Context) (lastfm.Credentials, error) {
	if p.store == nil {
		return lastfm.Credentials{}, nil
	}
	s, err := p.store.Get(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return lastfm.Credentials{}, nil
	}
	if err != nil {
		return lastfm.Credentials{}, err
	}
	return lastfm.Credentials{Username: s.Username, APIKey: s.APIKey}, nil
}

// Save stores an admin override. Fields are trimmed; empty fields fall
// back to the defaults on the next read.
func (p *Provider) Save(ctx context.Context, creds lastfm.Credentials) error {
	if p.store == nil {
		return errors.New("settings store not configured")
	}
	s := &db.SyncSettings{
		Username: strings.TrimSpace(creds.Username),
		APIKey:   strings.TrimSpace(creds.APIKey),
	}
	if err := p.store.Save(ctx, s); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	logging.Info().Str("username", s.Username).Msg("sync settings updated")
	return nil
}
