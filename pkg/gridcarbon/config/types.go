package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds all configuration for the grid-carbon service
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	NYISO         NYISOConfig         `yaml:"nyiso"`
	Weather       WeatherConfig       `yaml:"weather"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Forecast      ForecastConfig      `yaml:"forecast"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig holds connection settings for the PostgreSQL store
type DatabaseConfig struct {
	URL           string `yaml:"url"`           // DSN, required
	MinConns      int    `yaml:"minConns"`      // Pool floor
	MaxConns      int    `yaml:"maxConns"`      // Pool ceiling
	RetentionDays int    `yaml:"retentionDays"` // Prune horizon for events and pipeline metrics
}

// NYISOConfig holds configuration for the fuel mix CSV endpoint
type NYISOConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
	MaxCacheAge time.Duration `yaml:"maxCacheAge"`
}

// WeatherConfig holds configuration for the Open-Meteo endpoints
type WeatherConfig struct {
	ForecastURL string        `yaml:"forecastUrl"`
	ArchiveURL  string        `yaml:"archiveUrl"`
	Latitude    float64       `yaml:"latitude"`
	Longitude   float64       `yaml:"longitude"`
	Timezone    string        `yaml:"timezone"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IngestConfig holds pipeline tuning for the seed and continuous runs
type IngestConfig struct {
	FuelMixPollInterval       time.Duration `yaml:"fuelMixPollInterval"`
	WeatherPollInterval       time.Duration `yaml:"weatherPollInterval"`
	ChannelCapacitySeed       int           `yaml:"channelCapacitySeed"`
	ChannelCapacityContinuous int           `yaml:"channelCapacityContinuous"`
	DrainTimeoutSeed          time.Duration `yaml:"drainTimeoutSeed"`
	DrainTimeoutContinuous    time.Duration `yaml:"drainTimeoutContinuous"`
	RateLimitDelayFuel        time.Duration `yaml:"rateLimitDelayFuel"`
	RateLimitDelayWeather     time.Duration `yaml:"rateLimitDelayWeather"`
	MetricsInterval           time.Duration `yaml:"metricsInterval"`
}

// ForecastConfig holds forecaster tuning
type ForecastConfig struct {
	PersistenceHours int `yaml:"persistenceHours"` // Hours over which the current actual decays out of the blend
}

// ServerConfig holds configuration for the REST API server
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	NowCacheTTL time.Duration `yaml:"nowCacheTTL"` // TTL for the /now live result cache
}

// ObservabilityConfig holds configuration for monitoring and debugging
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	LogLevel       string `yaml:"logLevel"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MinConns < 0 {
		return fmt.Errorf("database min connections must not be negative")
	}
	if c.Database.MaxConns < c.Database.MinConns || c.Database.MaxConns <= 0 {
		return fmt.Errorf("database max connections must be positive and >= min connections")
	}
	if c.Database.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}

	if c.NYISO.BaseURL == "" {
		return fmt.Errorf("NYISO base URL is required")
	}
	if c.NYISO.Timeout <= 0 {
		return fmt.Errorf("NYISO timeout must be positive")
	}

	if c.Weather.Latitude < -90 || c.Weather.Latitude > 90 {
		return fmt.Errorf("latitude must be in [-90,90]")
	}
	if c.Weather.Longitude < -180 || c.Weather.Longitude > 180 {
		return fmt.Errorf("longitude must be in [-180,180]")
	}
	if _, err := time.LoadLocation(c.Weather.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %v", c.Weather.Timezone, err)
	}

	if c.Ingest.FuelMixPollInterval <= 0 {
		return fmt.Errorf("fuel mix poll interval must be positive")
	}
	if c.Ingest.WeatherPollInterval <= 0 {
		return fmt.Errorf("weather poll interval must be positive")
	}
	if c.Ingest.ChannelCapacitySeed <= 0 || c.Ingest.ChannelCapacityContinuous <= 0 {
		return fmt.Errorf("channel capacities must be positive")
	}
	if c.Ingest.DrainTimeoutSeed <= 0 || c.Ingest.DrainTimeoutContinuous <= 0 {
		return fmt.Errorf("drain timeouts must be positive")
	}

	if c.Forecast.PersistenceHours < 0 || c.Forecast.PersistenceHours > 24 {
		return fmt.Errorf("persistence hours must be in [0,24]")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in [1,65535]")
	}

	return nil
}

// Location resolves the configured weather timezone. Validate guarantees the
// name is loadable, so errors here only happen on an unvalidated Config.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Weather.Timezone)
}

// RedactDSN masks the password portion of a database DSN so the string is
// safe to log or print. Both URL-form and key=value DSNs are handled;
// anything unrecognized is returned unchanged.
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
		return dsn
	}

	if strings.Contains(dsn, "password=") {
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if strings.HasPrefix(f, "password=") {
				fields[i] = "password=xxxxx"
			}
		}
		return strings.Join(fields, " ")
	}

	return dsn
}
