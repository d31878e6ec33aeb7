// Package nyiso fetches real-time fuel mix data from NYISO's public data
// site. No authentication is required; data is published as CSV files at
// predictable URLs:
//
//	http://mis.nyiso.com/public/csv/rtfuelmix/{YYYYMMDD}rtfuelmix.csv
//
// Files update every 5 minutes and historical data is available back to
// roughly 2013.
package nyiso

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/clock"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
)

// ErrInvalidDateRange is returned when a range request has its end before
// its start.
var ErrInvalidDateRange = errors.New("invalid date range: end precedes start")

// FetchError reports a failed NYISO fetch. StatusCode is zero for transport
// failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("NYISO returned %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CacheInterface is the latest-mix cache surface the client needs.
type CacheInterface interface {
	Get(key string) (*carbon.FuelMix, bool)
	Set(key string, mix *carbon.FuelMix)
}

const cacheKeyLatest = "latest"

// Client fetches and parses NYISO fuel mix CSVs.
type Client struct {
	cfg        config.NYISOConfig
	httpClient HTTPClient
	location   *time.Location
	cache      CacheInterface
	clk        clock.Clock
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCache adds a latest-mix cache to the client
func WithCache(cache CacheInterface) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithLocation overrides the timezone CSV timestamps are interpreted in
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) {
		c.location = loc
	}
}

// WithClock allows injecting a clock for tests
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clk = clk
	}
}

// NewClient creates a NYISO client. CSV timestamps carry no offset, so the
// client needs the grid's local timezone to interpret them.
func NewClient(cfg config.NYISOConfig, opts ...ClientOption) (*Client, error) {
	client := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		clk: clock.RealClock{},
	}

	for _, opt := range opts {
		opt(client)
	}

	if client.location == nil {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			return nil, fmt.Errorf("failed to load NYISO timezone: %v", err)
		}
		client.location = loc
	}

	return client, nil
}

// buildURL returns the fuel mix CSV URL for a given date.
func (c *Client) buildURL(day time.Time) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/%srtfuelmix.csv", base, day.In(c.location).Format("20060102"))
}

// FetchDay fetches fuel mix data for a single day and returns up to 288
// snapshots (5-minute intervals) in timestamp order. Transient failures are
// retried with exponential backoff; a 404 means the day is not posted and is
// returned immediately.
func (c *Client) FetchDay(ctx context.Context, day time.Time) ([]carbon.FuelMix, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		mixes, err := c.doFetch(ctx, day)
		if err == nil {
			return mixes, nil
		}
		lastErr = err

		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.StatusCode == http.StatusNotFound {
			// The day is not published; retrying will not change that.
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		backoff := c.getBackoffDuration(attempt)
		klog.V(2).InfoS("NYISO request failed, retrying",
			"day", day.Format("2006-01-02"),
			"attempt", attempt+1,
			"maxRetries", c.cfg.MaxRetries,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("context cancelled during backoff: %v", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// FetchLatest returns the most recent fuel mix snapshot, trying today first
// and then yesterday (just after midnight today's file may not be posted
// yet). Returns nil when neither day has data.
func (c *Client) FetchLatest(ctx context.Context) (*carbon.FuelMix, error) {
	if c.cache != nil {
		if mix, fresh := c.cache.Get(cacheKeyLatest); fresh {
			klog.V(3).InfoS("Using cached fuel mix",
				"timestamp", mix.Timestamp(), "totalMW", mix.TotalMW())
			return mix, nil
		}
	}

	today := c.clk.Now().In(c.location)
	for _, day := range []time.Time{today, today.AddDate(0, 0, -1)} {
		mixes, err := c.FetchDay(ctx, day)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			klog.V(2).InfoS("Fuel mix fetch failed, trying previous day",
				"day", day.Format("2006-01-02"), "error", err)
			continue
		}
		if len(mixes) == 0 {
			continue
		}
		latest := mixes[len(mixes)-1]
		if c.cache != nil {
			c.cache.Set(cacheKeyLatest, &latest)
		}
		return &latest, nil
	}
	return nil, nil
}

// FetchRange fetches all snapshots for the inclusive day range [start, end]
// in day order. A day that fails to fetch is logged and skipped so one
// missing file cannot abort a backfill.
func (c *Client) FetchRange(ctx context.Context, start, end time.Time) ([]carbon.FuelMix, error) {
	startDay := dayOf(start.In(c.location))
	endDay := dayOf(end.In(c.location))
	if endDay.Before(startDay) {
		return nil, fmt.Errorf("%w: %s after %s",
			ErrInvalidDateRange, startDay.Format("2006-01-02"), endDay.Format("2006-01-02"))
	}

	var all []carbon.FuelMix
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		mixes, err := c.FetchDay(ctx, day)
		if err != nil {
			if ctx.Err() != nil {
				return all, err
			}
			klog.InfoS("Skipping day after fetch failure",
				"day", day.Format("2006-01-02"), "error", err)
			continue
		}
		all = append(all, mixes...)
	}
	return all, nil
}

func (c *Client) doFetch(ctx context.Context, day time.Time) ([]carbon.FuelMix, error) {
	url := c.buildURL(day)
	klog.V(2).InfoS("Fetching NYISO fuel mix", "day", day.Format("2006-01-02"), "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	mixes, err := parseCSV(resp.Body, c.location)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return mixes, nil
}

func (c *Client) getBackoffDuration(attempt int) time.Duration {
	backoff := c.cfg.RetryDelay * time.Duration(1<<uint(attempt))
	maxBackoff := 1 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	// Add jitter (±20%)
	jitter := time.Duration(float64(backoff) * (0.8 + 0.4*float64(time.Now().UnixNano()%100)/100.0))
	return jitter
}

// GetURL returns the base URL used for CSV requests
func (c *Client) GetURL() string {
	return c.cfg.BaseURL
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
