package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/models"
)

const (
	DefaultPageSize       = 1000
	DefaultRetryAfter     = 10 * time.Second
	DefaultLowWater       = 10
	defaultRequestTimeout = 30 * time.Second

	// Reset headers above this are unix timestamps rather than second counts.
	unixResetThreshold = 1_000_000_000
)

// Auth schemes for the API credential.
const (
	AuthHeader = "header" // X-API-Key: <key>
	AuthBearer = "bearer" // Authorization: Bearer <key>
)

// ClientConfig configures the events API client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	AuthScheme string
	Timeout    time.Duration
	// LowWater is the remaining-quota level below which a warning is logged.
	LowWater int
}

// Client walks the remote cursor chain one page at a time.
// It is not meant for concurrent use: the pipeline keeps a single fetch in flight.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *RateLimiter
	logger     *slog.Logger
}

// NewClient builds a client that throttles every request through limiter.
func NewClient(cfg ClientConfig, limiter *RateLimiter, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = DefaultLowWater
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if limiter == nil {
		limiter = NewRateLimiter(0, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger.With("component", "fetcher"),
	}
}

// FetchPage requests GET /events?cursor=&limit=. A nil cursor starts the chain.
func (c *Client) FetchPage(ctx context.Context, cursor *string, limit int) (models.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	req, err := c.newRequest(ctx, cursor, limit)
	if err != nil {
		return models.Page{}, &FatalError{Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return models.Page{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Page{}, ctx.Err()
		}
		return models.Page{}, &TransientError{Err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return models.Page{}, ctx.Err()
		}
		return models.Page{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.observeQuota(resp.Header)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		page, skipped, err := ParsePage(body)
		if err != nil {
			return models.Page{}, &FatalError{Status: resp.StatusCode, Err: err}
		}
		if skipped > 0 {
			c.logger.Warn("skipped events without id", "count", skipped)
		}
		return page, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		now := c.limiter.clock.Now()
		wait := retryAfter(resp.Header, now)
		c.limiter.Defer(now.Add(wait))
		c.logger.Warn("rate limited", "retry_after", wait)
		return models.Page{}, &RateLimitedError{Wait: wait}

	case resp.StatusCode == http.StatusBadRequest && cursor != nil && *cursor != "":
		// Without a cursor there is nothing to reset, so a 400 falls through to fatal.
		return models.Page{}, &StaleCursorError{Cursor: *cursor, Body: snippet(body)}

	case resp.StatusCode >= 500:
		return models.Page{}, &TransientError{Status: resp.StatusCode, Err: errors.New(snippet(body))}

	default:
		return models.Page{}, &FatalError{Status: resp.StatusCode, Err: errors.New(snippet(body))}
	}
}

func (c *Client) newRequest(ctx context.Context, cursor *string, limit int) (*http.Request, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/events")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	if cursor != nil && *cursor != "" {
		q.Set("cursor", *cursor)
	}
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		if c.cfg.AuthScheme == AuthBearer {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		} else {
			req.Header.Set("X-API-Key", c.cfg.APIKey)
		}
	}
	return req, nil
}

// observeQuota only logs; it never changes pacing.
func (c *Client) observeQuota(h http.Header) {
	v := headerValue(h, "X-RateLimit-Remaining", "RateLimit-Remaining")
	if v == "" {
		return
	}
	remaining, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	if remaining < c.cfg.LowWater {
		c.logger.Warn("rate limit quota low", "remaining", remaining, "low_water", c.cfg.LowWater)
	}
}

// retryAfter reads the cooldown of a 429 response.
// Retry-After wins over X-RateLimit-Reset. Zero or a time already past means
// retry now; only a missing or unparseable header means DefaultRetryAfter.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := headerValue(h, "Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(secs) && !math.IsInf(secs, 0) && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			return max(t.Sub(now), 0)
		}
	}
	if v := headerValue(h, "X-RateLimit-Reset", "RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			if n < unixResetThreshold {
				return time.Duration(n) * time.Second
			}
			return max(time.Unix(n, 0).Sub(now), 0)
		}
	}
	return DefaultRetryAfter
}

func headerValue(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
