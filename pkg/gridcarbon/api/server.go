// Package api serves the REST surface: current intensity, forecast,
// history, emission factors and the admin endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/clock"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/forecast"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
)

const version = "0.1.0"

// Store is the slice of the relational store the API reads, plus the
// best-effort save on the live /now path.
type Store interface {
	RecordCount(ctx context.Context) (int64, error)
	DateRange(ctx context.Context) (oldest, newest *time.Time, err error)
	GetLatestIntensity(ctx context.Context) (*store.IntensityRecord, error)
	GetCarbonIntensity(ctx context.Context, hours int) ([]store.IntensityRecord, error)
	GetIngestionStatus(ctx context.Context) (*store.IngestionStatus, error)
	GetRecentEvents(ctx context.Context, limit int, eventType string) ([]store.EventRecord, error)
	GetLatestWeather(ctx context.Context) (*store.WeatherRecord, error)
	SaveFuelMix(ctx context.Context, mix *carbon.FuelMix) error
}

// FuelMixSource provides the live feed for /now and the persistence blend.
type FuelMixSource interface {
	FetchLatest(ctx context.Context) (*carbon.FuelMix, error)
}

// WeatherSource provides forecast weather for corrections.
type WeatherSource interface {
	FetchForecast(ctx context.Context, days int) ([]carbon.WeatherSnapshot, error)
}

// Forecaster generates intensity forecasts.
type Forecaster interface {
	Forecast(ctx context.Context, hours int, weather []carbon.WeatherSnapshot, current *carbon.Intensity) (*forecast.Forecast, error)
}

// Server wires the read endpoints over the store, the upstream clients and
// the forecast engine.
type Server struct {
	store      Store
	fuelMix    FuelMixSource
	weather    WeatherSource
	forecaster Forecaster
	cfg        config.ServerConfig
	clk        clock.Clock

	// The forecaster's profile cache is not goroutine-safe.
	fcMu sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithClock sets a custom clock, used mainly for testing.
func WithClock(clk clock.Clock) ServerOption {
	return func(s *Server) { s.clk = clk }
}

// NewServer creates the REST server.
func NewServer(st Store, fuelMix FuelMixSource, weather WeatherSource, forecaster Forecaster, cfg config.ServerConfig, opts ...ServerOption) *Server {
	s := &Server{
		store:      st,
		fuelMix:    fuelMix,
		weather:    weather,
		forecaster: forecaster,
		cfg:        cfg,
		clk:        clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(allowCORS)
	r.Use(observe)

	r.Get("/", s.handleRoot)
	r.Get("/now", s.handleNow)
	r.Get("/forecast", s.handleForecast)
	r.Get("/history", s.handleHistory)
	r.Get("/factors", s.handleFactors)
	r.Get("/health", s.handleHealth)
	r.Get("/admin/status", s.handleAdminStatus)
	r.Get("/admin/events", s.handleAdminEvents)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.InfoS("REST API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve on %s: %v", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	klog.InfoS("Shutting down REST API")
	return srv.Shutdown(shutdownCtx)
}
