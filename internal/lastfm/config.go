// Package lastfm provides a read-only Last.fm API client for a user's
// listening history, loved tracks and top charts.
package lastfm

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrMissingAPIKey is returned when no Last.fm API key is configured.
	ErrMissingAPIKey = errors.New("missing Last.fm API key")

	// ErrMissingUsername is returned when no Last.fm username is configured.
	ErrMissingUsername = errors.New("missing Last.fm username")
)

// Defaults applied by NewClient for zero-valued Config fields.
const (
	DefaultBaseURL         = "https://ws.audioscrobbler.com/2.0/"
	DefaultTimeout         = 10 * time.Second
	DefaultCacheTTL        = 15 * time.Minute
	DefaultRequestInterval = 250 * time.Millisecond
	defaultUserAgent       = "go-listening-history/1.0"
)

// DefaultRetryDelays is the backoff applied when the API reports rate limiting.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Config holds Last.fm transport configuration.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration // per-request transport timeout

	// CacheTTL is how long successful responses are memoized.
	// A negative value disables memoization.
	CacheTTL time.Duration

	// RequestInterval is the fixed pacing between upstream requests.
	// A negative value disables pacing.
	RequestInterval time.Duration

	// RetryDelays is the backoff schedule for rate-limited requests.
	// nil uses DefaultRetryDelays; an empty non-nil slice disables retries.
	RetryDelays []time.Duration
}

// Credentials identify the tracked Last.fm account.
type Credentials struct {
	Username string
	APIKey   string
}

// Validate reports which credential is missing, if any.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if strings.TrimSpace(c.Username) == "" {
		return ErrMissingUsername
	}
	return nil
}

// Configured reports whether both credentials are present.
func (c Credentials) Configured() bool {
	return c.Validate() == nil
}

// Merge returns c with empty fields filled from fallback.
func (c Credentials) Merge(fallback Credentials) Credentials {
	if strings.TrimSpace(c.Username) == "" {
		c.Username = fallback.Username
	}
	if strings.TrimSpace(c.APIKey) == "" {
		c.APIKey = fallback.APIKey
	}
	return c
}
