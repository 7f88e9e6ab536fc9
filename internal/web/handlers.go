package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/justestif/go-listening-history/internal/lastfm"
	"github.com/justestif/go-listening-history/internal/listening"
	"github.com/justestif/go-listening-history/internal/logging"
	"github.com/justestif/go-listening-history/internal/stats"
	syncer "github.com/justestif/go-listening-history/internal/sync"
)

const (
	maxBodyBytes = 64 << 10

	// defaultRetryAfter is sent with 503s that carry no upstream hint.
	defaultRetryAfter = 30 * time.Second
)

// Reader is the read path served over HTTP.
type Reader interface {
	LatestOrRecentPlay(ctx context.Context) (*listening.NowPlaying, error)
	PagedPlays(ctx context.Context, page, limit int) (*listening.Page, error)
	PagedLovedTracks(ctx context.Context, page, limit int) (*listening.Page, error)
	CurrentStats(ctx context.Context) (*listening.StatsView, error)
	TrendSeries(ctx context.Context, days int) ([]stats.TrendPoint, error)
	RunSyncNow(ctx context.Context) (*syncer.Result, error)
}

// SettingsManager reads and saves the credential override.
type SettingsManager interface {
	Effective(ctx context.Context) lastfm.Credentials
	Stored(ctx context.Context) (lastfm.Credentials, error)
	Save(ctx context.Context, creds lastfm.Credentials) error
}

// HealthChecker reports whether the store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handlers contains HTTP handlers for the API.
type Handlers struct {
	reader   Reader
	settings SettingsManager
	health   HealthChecker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(reader Reader, settings SettingsManager, health HealthChecker) *Handlers {
	return &Handlers{
		reader:   reader,
		settings: settings,
		health:   health,
	}
}

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statsResponse struct {
	*stats.Snapshot
	Stale bool `json:"stale"`
}

type trendsResponse struct {
	Days   int                `json:"days"`
	Points []stats.TrendPoint `json:"points"`
}

type syncResponse struct {
	CycleID    string        `json:"cycleId"`
	Status     syncer.Status `json:"status"`
	Mode       syncer.Mode   `json:"mode,omitempty"`
	NewEvents  int           `json:"newEvents"`
	Updated    int           `json:"updated"`
	Duplicates int           `json:"duplicates"`
	Skipped    int           `json:"skipped"`
	Fetched    int           `json:"fetched"`
	Pages      int           `json:"pages"`
	Errors     int           `json:"errors"`
	Truncated  bool          `json:"truncated"`
	Error      string        `json:"error,omitempty"`
	StatsError string        `json:"statsError,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	DurationMS int64         `json:"durationMs"`
}

type settingsResponse struct {
	Username     string `json:"username"`
	APIKey       string `json:"apiKey"`
	Configured   bool   `json:"configured"`
	HasOverrides bool   `json:"hasOverrides"`
}

type settingsRequest struct {
	Username string `json:"username"`
	APIKey   string `json:"apiKey"`
}

// NowPlaying handles GET /api/now-playing. The body is null when nothing
// has ever been played.
func (h *Handlers) NowPlaying(w http.ResponseWriter, r *http.Request) {
	np, err := h.reader.LatestOrRecentPlay(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, np)
}

// Plays handles GET /api/plays?page=&limit=.
func (h *Handlers) Plays(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	p, err := h.reader.PagedPlays(r.Context(), page, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Loved handles GET /api/loved?page=&limit=.
func (h *Handlers) Loved(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	p, err := h.reader.PagedLovedTracks(r.Context(), page, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Stats handles GET /api/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	view, err := h.reader.CurrentStats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statsResponse{Snapshot: view.Snapshot, Stale: view.Stale})
}

// Trends handles GET /api/stats/trends?days=.
func (h *Handlers) Trends(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(w, r, "days")
	if !ok {
		return
	}
	days = stats.ClampDays(days)
	points, err := h.reader.TrendSeries(r.Context(), days)
	if err != nil {
		respondError(w, err)
		return
	}
	if points == nil {
		points = []stats.TrendPoint{}
	}
	respondJSON(w, http.StatusOK, trendsResponse{Days: days, Points: points})
}

// Sync handles POST /api/sync. It blocks until the cycle finishes.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.reader.RunSyncNow(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	status := http.StatusOK
	if res.Status == syncer.StatusFailed {
		var retry time.Duration
		status, _, retry = classify(res.Err)
		setRetryAfter(w, retry)
	}
	respondJSON(w, status, newSyncResponse(res))
}

// GetSettings handles GET /api/settings. The API key is masked.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	resp, err := h.settingsView(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// PutSettings handles PUT /api/settings. Empty fields clear the override.
func (h *Handlers) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: apiError{Code: "invalid_body", Message: "request body must be a JSON object"}})
		return
	}

	creds := lastfm.Credentials{Username: req.Username, APIKey: req.APIKey}
	if err := h.settings.Save(r.Context(), creds); err != nil {
		respondError(w, err)
		return
	}

	resp, err := h.settingsView(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			logging.Warn().Err(err).Msg("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) settingsView(ctx context.Context) (*settingsResponse, error) {
	stored, err := h.settings.Stored(ctx)
	if err != nil {
		return nil, err
	}
	effective := h.settings.Effective(ctx)
	return &settingsResponse{
		Username:     effective.Username,
		APIKey:       maskKey(effective.APIKey),
		Configured:   effective.Configured(),
		HasOverrides: stored.Username != "" || stored.APIKey != "",
	}, nil
}

func newSyncResponse(res *syncer.Result) syncResponse {
	resp := syncResponse{
		CycleID:    res.CycleID,
		Status:     res.Status,
		Mode:       res.Mode,
		NewEvents:  res.NewEvents,
		Updated:    res.Updated,
		Duplicates: res.Duplicates,
		Skipped:    res.Skipped,
		Fetched:    res.Fetched,
		Pages:      res.Pages,
		Errors:     res.Errors,
		Truncated:  res.Truncated,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if res.StatsErr != nil {
		resp.StatsError = res.StatsErr.Error()
	}
	return resp
}

// maskKey keeps the last four characters of a key.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

func pageParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	page, ok := intParam(w, r, "page")
	if !ok {
		return 0, 0, false
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return 0, 0, false
	}
	return page, limit, true
}

// intParam parses an optional integer query parameter; absent means zero.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: apiError{
			Code:    "invalid_parameter",
			Message: name + " must be an integer",
		}})
		return 0, false
	}
	return n, true
}

// classify maps an error to an HTTP status, an error code and a retry hint.
func classify(err error) (int, string, time.Duration) {
	var notReady *listening.NotReadyError
	var apiErr *lastfm.Error
	switch {
	case errors.As(err, &notReady):
		return http.StatusServiceUnavailable, "not_ready", notReady.RetryAfter
	case errors.Is(err, syncer.ErrNotConfigured),
		errors.Is(err, lastfm.ErrMissingAPIKey),
		errors.Is(err, lastfm.ErrMissingUsername):
		return http.StatusBadRequest, "not_configured", 0
	case errors.Is(err, syncer.ErrCycleInProgress):
		return http.StatusConflict, "sync_in_progress", 0
	case errors.Is(err, listening.ErrStoreUnavailable),
		errors.Is(err, listening.ErrSyncUnavailable):
		return http.StatusServiceUnavailable, "unavailable", defaultRetryAfter
	case lastfm.IsTransient(err):
		return http.StatusServiceUnavailable, "upstream_unavailable", lastfm.RetryAfter(err, defaultRetryAfter)
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "upstream_error", 0
	default:
		return http.StatusInternalServerError, "internal", 0
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int((d + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// respondError sends an error response classified from err.
func respondError(w http.ResponseWriter, err error) {
	status, code, retry := classify(err)
	if status >= http.StatusInternalServerError {
		logging.Error().Err(err).Str("code", code).Int("status", status).Msg("API error")
	}
	setRetryAfter(w, retry)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	respondJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

// respondJSON sends a JSON response with proper headers.
func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}
