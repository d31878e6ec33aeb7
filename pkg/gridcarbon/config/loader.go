package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Default creates a Config populated with built-in defaults. The database
// URL is intentionally left empty; it has no sensible default.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MinConns:      2,
			MaxConns:      10,
			RetentionDays: 30,
		},
		NYISO: NYISOConfig{
			BaseURL:     "http://mis.nyiso.com/public/csv/rtfuelmix",
			Timeout:     30 * time.Second,
			MaxRetries:  3,
			RetryDelay:  1 * time.Second,
			CacheTTL:    60 * time.Second,
			MaxCacheAge: 1 * time.Hour,
		},
		Weather: WeatherConfig{
			ForecastURL: "https://api.open-meteo.com/v1/forecast",
			ArchiveURL:  "https://archive-api.open-meteo.com/v1/archive",
			Latitude:    40.71,
			Longitude:   -74.01,
			Timezone:    "America/New_York",
			Timeout:     30 * time.Second,
		},
		Ingest: IngestConfig{
			FuelMixPollInterval:       300 * time.Second,
			WeatherPollInterval:       3600 * time.Second,
			ChannelCapacitySeed:       128,
			ChannelCapacityContinuous: 16,
			DrainTimeoutSeed:          60 * time.Second,
			DrainTimeoutContinuous:    15 * time.Second,
			RateLimitDelayFuel:        500 * time.Millisecond,
			RateLimitDelayWeather:     1 * time.Second,
			MetricsInterval:           10 * time.Second,
		},
		Forecast: ForecastConfig{
			PersistenceHours: 6,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			NowCacheTTL: 60 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			LogLevel:       "info",
		},
	}
}

// Load builds configuration from defaults, an optional YAML file, and
// environment variable overrides, in that precedence order (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"databaseUrl", RedactDSN(cfg.Database.URL),
		"nyisoBaseUrl", cfg.NYISO.BaseURL,
		"latitude", cfg.Weather.Latitude,
		"longitude", cfg.Weather.Longitude,
		"fuelMixPollInterval", cfg.Ingest.FuelMixPollInterval,
		"weatherPollInterval", cfg.Ingest.WeatherPollInterval)

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func applyEnvOverrides(cfg *Config) {
	cfg.Database.URL = getEnvOrDefault("GRID_CARBON_DATABASE_URL", cfg.Database.URL)
	if cfg.Database.URL == "" {
		// Plain DATABASE_URL is honored for compatibility with hosted
		// Postgres conventions.
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	cfg.Database.MinConns = getIntOrDefault("GRID_CARBON_DB_MIN_CONNS", cfg.Database.MinConns)
	cfg.Database.MaxConns = getIntOrDefault("GRID_CARBON_DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.RetentionDays = getIntOrDefault("GRID_CARBON_RETENTION_DAYS", cfg.Database.RetentionDays)

	cfg.NYISO.BaseURL = getEnvOrDefault("GRID_CARBON_NYISO_BASE_URL", cfg.NYISO.BaseURL)
	cfg.NYISO.Timeout = getDurationOrDefault("GRID_CARBON_NYISO_TIMEOUT", cfg.NYISO.Timeout)
	cfg.NYISO.MaxRetries = getIntOrDefault("GRID_CARBON_NYISO_MAX_RETRIES", cfg.NYISO.MaxRetries)
	cfg.NYISO.RetryDelay = getDurationOrDefault("GRID_CARBON_NYISO_RETRY_DELAY", cfg.NYISO.RetryDelay)
	cfg.NYISO.CacheTTL = getDurationOrDefault("GRID_CARBON_NYISO_CACHE_TTL", cfg.NYISO.CacheTTL)
	cfg.NYISO.MaxCacheAge = getDurationOrDefault("GRID_CARBON_NYISO_MAX_CACHE_AGE", cfg.NYISO.MaxCacheAge)

	cfg.Weather.ForecastURL = getEnvOrDefault("GRID_CARBON_WEATHER_FORECAST_URL", cfg.Weather.ForecastURL)
	cfg.Weather.ArchiveURL = getEnvOrDefault("GRID_CARBON_WEATHER_ARCHIVE_URL", cfg.Weather.ArchiveURL)
	cfg.Weather.Latitude = getFloatOrDefault("GRID_CARBON_WEATHER_LATITUDE", cfg.Weather.Latitude)
	cfg.Weather.Longitude = getFloatOrDefault("GRID_CARBON_WEATHER_LONGITUDE", cfg.Weather.Longitude)
	cfg.Weather.Timezone = getEnvOrDefault("GRID_CARBON_WEATHER_TIMEZONE", cfg.Weather.Timezone)
	cfg.Weather.Timeout = getDurationOrDefault("GRID_CARBON_WEATHER_TIMEOUT", cfg.Weather.Timeout)

	cfg.Ingest.FuelMixPollInterval = getDurationOrDefault("GRID_CARBON_FUEL_MIX_POLL_INTERVAL", cfg.Ingest.FuelMixPollInterval)
	cfg.Ingest.WeatherPollInterval = getDurationOrDefault("GRID_CARBON_WEATHER_POLL_INTERVAL", cfg.Ingest.WeatherPollInterval)
	cfg.Ingest.ChannelCapacitySeed = getIntOrDefault("GRID_CARBON_CHANNEL_CAPACITY_SEED", cfg.Ingest.ChannelCapacitySeed)
	cfg.Ingest.ChannelCapacityContinuous = getIntOrDefault("GRID_CARBON_CHANNEL_CAPACITY_CONTINUOUS", cfg.Ingest.ChannelCapacityContinuous)
	cfg.Ingest.DrainTimeoutSeed = getDurationOrDefault("GRID_CARBON_DRAIN_TIMEOUT_SEED", cfg.Ingest.DrainTimeoutSeed)
	cfg.Ingest.DrainTimeoutContinuous = getDurationOrDefault("GRID_CARBON_DRAIN_TIMEOUT_CONTINUOUS", cfg.Ingest.DrainTimeoutContinuous)
	cfg.Ingest.RateLimitDelayFuel = getDurationOrDefault("GRID_CARBON_RATE_LIMIT_DELAY_FUEL", cfg.Ingest.RateLimitDelayFuel)
	cfg.Ingest.RateLimitDelayWeather = getDurationOrDefault("GRID_CARBON_RATE_LIMIT_DELAY_WEATHER", cfg.Ingest.RateLimitDelayWeather)
	cfg.Ingest.MetricsInterval = getDurationOrDefault("GRID_CARBON_METRICS_INTERVAL", cfg.Ingest.MetricsInterval)

	cfg.Forecast.PersistenceHours = getIntOrDefault("GRID_CARBON_PERSISTENCE_HOURS", cfg.Forecast.PersistenceHours)

	cfg.Server.Host = getEnvOrDefault("GRID_CARBON_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getIntOrDefault("GRID_CARBON_SERVER_PORT", cfg.Server.Port)
	cfg.Server.NowCacheTTL = getDurationOrDefault("GRID_CARBON_NOW_CACHE_TTL", cfg.Server.NowCacheTTL)

	cfg.Observability.MetricsEnabled = getBoolOrDefault("GRID_CARBON_METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.LogLevel = getEnvOrDefault("GRID_CARBON_LOG_LEVEL", cfg.Observability.LogLevel)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		if secs, err := strconv.Atoi(strValue); err == nil {
			// Bare integers are treated as seconds
			return time.Duration(secs) * time.Second
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
