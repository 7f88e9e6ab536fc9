package lastfm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/justestif/go-listening-history/internal/logging"
)

const (
	// maxBodyBytes bounds how much of a response body is read.
	maxBodyBytes = 8 << 20

	// maxRetryHint caps how long an upstream Retry-After may stretch an in-client retry.
	maxRetryHint = 30 * time.Second
)

// Client is a Last.fm API client with response memoization, fixed request
// pacing, a circuit breaker and retry on rate limiting.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	userAgent   string
	retryDelays []time.Duration

	cache   *responseCache
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a new Last.fm API client from the provided configuration.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RequestInterval == 0 {
		cfg.RequestInterval = DefaultRequestInterval
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	}

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		userAgent:   cfg.UserAgent,
		retryDelays: cfg.RetryDelays,
		cache:       newResponseCache(cfg.CacheTTL),
		limiter:     limiter,
		breaker:     newBreaker("lastfm-api"),
	}
}

// newBreaker opens after at least 5 requests in a one-minute window of which
// 60% or more failed transiently. Permanent errors (bad key, bad params)
// don't count against the upstream's health.
func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
}

// FetchPage performs a read of the given API method. Successful responses
// are memoized for the configured TTL, keyed by the fully-resolved
// parameter set; cache hits make no network call.
func (c *Client) FetchPage(ctx context.Context, method string, params url.Values) ([]byte, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}
	q.Set("method", method)
	q.Set("format", "json")

	// Encode sorts by key, so equal parameter sets share a cache entry.
	key := q.Encode()
	if body, ok := c.cache.get(key); ok {
		return body, nil
	}

	body, err := c.doRequest(ctx, key)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Method == "" {
			apiErr.Method = method
		}
		return nil, err
	}

	c.cache.set(key, body)
	return body, nil
}

// doRequest performs an HTTP GET request with retry on rate limit.
func (c *Client) doRequest(ctx context.Context, rawQuery string) ([]byte, error) {
	reqURL := c.baseURL + "?" + rawQuery
	var lastErr error

	for attempt := 0; attempt <= len(c.retryDelays); attempt++ {
		// Wait before retry (skip on first attempt)
		if attempt > 0 {
			delay := c.retryDelays[attempt-1]
			if hint := RetryAfter(lastErr, 0); hint > delay && hint <= maxRetryHint {
				delay = hint
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.execute(ctx, reqURL)
		if err == nil {
			return body, nil
		}

		if errors.Is(err, ErrRateLimited) {
			lastErr = err
			continue
		}

		return nil, err
	}

	return nil, lastErr
}

// execute runs one paced request through the circuit breaker.
func (c *Client) execute(ctx context.Context, reqURL string) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.doSingleRequest(ctx, reqURL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{
			Status:    http.StatusServiceUnavailable,
			Reason:    ReasonCircuitOpen,
			Message:   "upstream failing, requests suspended",
			Transient: true,
			Err:       err,
		}
	}
	return body, err
}

// doSingleRequest performs a single HTTP request and classifies failures.
func (c *Client) doSingleRequest(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{
			Status:    http.StatusServiceUnavailable,
			Reason:    ReasonTransport,
			Message:   "request failed",
			Transient: true,
			Err:       err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{
			Status:    http.StatusBadGateway,
			Reason:    ReasonTransport,
			Message:   "reading response body",
			Transient: true,
			Err:       err,
		}
	}

	isJSON := isJSONResponse(resp.Header.Get("Content-Type"), body)

	// Check for API error in response
	var apiErr apiError
	if isJSON {
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != 0 {
			e := fromAPICode(apiErr.Error, apiErr.Message, resp.StatusCode)
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			return nil, e
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fromStatus(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}

	if !isJSON {
		return nil, &Error{
			Status:    http.StatusBadGateway,
			Reason:    ReasonContentType,
			Message:   fmt.Sprintf("unexpected content type %q", resp.Header.Get("Content-Type")),
			Transient: true,
		}
	}

	// Never memoize a truncated or garbled body.
	if !json.Valid(body) {
		return nil, &Error{
			Status:    http.StatusBadGateway,
			Reason:    ReasonMalformedBody,
			Message:   "response is not valid JSON",
			Transient: true,
		}
	}

	return body, nil
}

// isJSONResponse accepts JSON media types; without a Content-Type header
// it sniffs the first byte of the body.
func isJSONResponse(contentType string, body []byte) bool {
	if contentType == "" {
		trimmed := strings.TrimSpace(string(body))
		return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case mediaType == "application/json", mediaType == "text/json", mediaType == "text/javascript":
		return true
	case strings.HasSuffix(mediaType, "+json"):
		return true
	}
	return false
}

// decode unmarshals a response body, reporting malformed payloads as a
// transient upstream error rather than a raw parse failure.
func decode(method string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &Error{
			Method:    method,
			Status:    http.StatusBadGateway,
			Reason:    ReasonMalformedBody,
			Message:   "parsing response",
			Transient: true,
			Err:       err,
		}
	}
	return nil
}
