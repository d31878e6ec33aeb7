// Package weather fetches hourly weather data from Open-Meteo. No API key
// is required. The variables fetched are the ones that move NYISO carbon
// intensity: temperature (heating and cooling demand), wind speed at 80m
// hub height (wind generation output), and cloud cover (behind-the-meter
// solar).
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
)

// hourlyVariables is the comma-joined hourly variable list requested from
// Open-Meteo.
const hourlyVariables = "temperature_2m,wind_speed_80m,cloud_cover"

// FetchError reports a failed weather fetch. StatusCode is zero for
// transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("weather API returned %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("weather fetch failed for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches hourly weather from the Open-Meteo forecast and archive
// endpoints.
type Client struct {
	cfg        config.WeatherConfig
	httpClient HTTPClient
	location   *time.Location
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates an Open-Meteo client for the configured coordinates.
func NewClient(cfg config.WeatherConfig, opts ...ClientOption) (*Client, error) {
	client := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load weather timezone %q: %v", cfg.Timezone, err)
	}
	client.location = loc

	return client, nil
}

// FetchForecast returns hourly snapshots for the next N days, starting at
// midnight today local time.
func (c *Client) FetchForecast(ctx context.Context, days int) ([]carbon.WeatherSnapshot, error) {
	params := c.baseParams()
	params.Set("forecast_days", strconv.Itoa(days))
	return c.fetch(ctx, c.cfg.ForecastURL, params)
}

// FetchHistorical returns hourly snapshots for the inclusive date range
// [start, end] from the archive endpoint. Archive data trails real time by
// a few days.
func (c *Client) FetchHistorical(ctx context.Context, start, end time.Time) ([]carbon.WeatherSnapshot, error) {
	params := c.baseParams()
	params.Set("start_date", start.In(c.location).Format("2006-01-02"))
	params.Set("end_date", end.In(c.location).Format("2006-01-02"))
	return c.fetch(ctx, c.cfg.ArchiveURL, params)
}

func (c *Client) baseParams() url.Values {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(c.cfg.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(c.cfg.Longitude, 'f', -1, 64))
	params.Set("hourly", hourlyVariables)
	params.Set("timezone", c.cfg.Timezone)
	return params
}

func (c *Client) fetch(ctx context.Context, baseURL string, params url.Values) ([]carbon.WeatherSnapshot, error) {
	fullURL := baseURL + "?" + params.Encode()
	klog.V(2).InfoS("Fetching weather data", "url", fullURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: fullURL, StatusCode: resp.StatusCode}
	}

	var payload hourlyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &FetchError{URL: fullURL, Err: fmt.Errorf("failed to decode response: %v", err)}
	}

	return c.parseHourly(payload), nil
}

// hourlyResponse mirrors the Open-Meteo hourly payload. Values are pointers
// because the archive endpoint returns null for gaps.
type hourlyResponse struct {
	Hourly struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
		WindSpeed80m  []*float64 `json:"wind_speed_80m"`
		CloudCover    []*float64 `json:"cloud_cover"`
	} `json:"hourly"`
}

// parseHourly converts the parallel hourly arrays into snapshots. Open-Meteo
// returns Celsius and km/h; values are converted to °F and mph and rounded
// to one decimal. Points with missing values or unparseable times are
// skipped with a debug log.
func (c *Client) parseHourly(payload hourlyResponse) []carbon.WeatherSnapshot {
	hourly := payload.Hourly
	snapshots := make([]carbon.WeatherSnapshot, 0, len(hourly.Time))

	for i, tsStr := range hourly.Time {
		ts, err := time.ParseInLocation("2006-01-02T15:04", tsStr, c.location)
		if err != nil {
			klog.V(4).InfoS("Skipping weather point with unparseable time", "time", tsStr)
			continue
		}

		tempC, ok := pointAt(hourly.Temperature2m, i)
		if !ok {
			klog.V(4).InfoS("Skipping weather point with missing temperature", "time", tsStr)
			continue
		}
		windKmh, ok := pointAt(hourly.WindSpeed80m, i)
		if !ok {
			klog.V(4).InfoS("Skipping weather point with missing wind speed", "time", tsStr)
			continue
		}
		cloud, ok := pointAt(hourly.CloudCover, i)
		if !ok {
			klog.V(4).InfoS("Skipping weather point with missing cloud cover", "time", tsStr)
			continue
		}

		snapshots = append(snapshots, carbon.WeatherSnapshot{
			Timestamp:       ts,
			TemperatureF:    round1(tempC*9/5 + 32),
			WindSpeed80mMph: round1(windKmh * 0.621371),
			CloudCoverPct:   round1(cloud),
		})
	}

	return snapshots
}

func pointAt(vals []*float64, i int) (float64, bool) {
	if i >= len(vals) || vals[i] == nil {
		return 0, false
	}
	return *vals[i], true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
