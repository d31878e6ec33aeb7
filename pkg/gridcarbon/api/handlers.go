package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/forecast"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/metrics"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := s.store.RecordCount(ctx)
	if err != nil {
		s.internalError(w, err, "count records")
		return
	}
	oldest, newest, err := s.store.DateRange(ctx)
	if err != nil {
		s.internalError(w, err, "read date range")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "gridcarbon",
		"version":     version,
		"region":      carbon.DefaultRegion,
		"description": "Carbon intensity tracking and forecasting for the NYC electrical grid",
		"data": map[string]any{
			"records":  count,
			"earliest": timePtrJSON(oldest),
			"latest":   timePtrJSON(newest),
		},
		"endpoints": []string{"/now", "/forecast", "/history", "/factors", "/health", "/admin/status"},
	})
}

// handleNow serves the current carbon intensity. It prefers a live fetch
// from the grid operator and falls back to the most recent stored record.
func (s *Server) handleNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if mix, err := s.fuelMix.FetchLatest(ctx); err == nil && mix != nil {
		if intensity, ciErr := mix.CarbonIntensity(); ciErr == nil {
			// Keep the store warm while we have fresh data in hand.
			if saveErr := s.store.SaveFuelMix(ctx, mix); saveErr != nil {
				klog.V(2).InfoS("Failed to save live fuel mix", "error", saveErr)
			}
			metrics.RecordFuelMix(carbon.DefaultRegion, "live", mix)
			writeJSON(w, http.StatusOK, map[string]any{
				"timestamp": mix.Timestamp().Format(time.RFC3339),
				"carbon_intensity": map[string]any{
					"grams_co2_per_kwh": round1(intensity.GramsCO2PerKWh),
					"kg_co2_per_mwh":    round1(intensity.KgCO2PerMWh()),
					"category":          intensity.Category(),
					"label":             intensity.Category().Label(),
				},
				"recommendation": intensity.Category().Recommendation(),
				"generation": map[string]any{
					"total_mw":          round1(mix.TotalMW()),
					"clean_percentage":  round1(mix.CleanPercentage()),
					"fuel_breakdown_mw": roundedBreakdown(mix),
					"fuel_percentages":  percentageMap(mix),
				},
				"source": "live",
			})
			return
		}
	} else if err != nil {
		klog.V(2).InfoS("Live fuel mix fetch failed, falling back to store", "error", err)
	}

	stored, err := s.store.GetLatestIntensity(ctx)
	if err != nil {
		s.internalError(w, err, "read latest intensity")
		return
	}
	if stored != nil {
		intensity := stored.Intensity()
		writeJSON(w, http.StatusOK, map[string]any{
			"timestamp": stored.Timestamp.Format(time.RFC3339),
			"carbon_intensity": map[string]any{
				"grams_co2_per_kwh": round1(stored.GramsCO2PerKWh),
				"category":          intensity.Category(),
				"label":             intensity.Category().Label(),
			},
			"recommendation": intensity.Category().Recommendation(),
			"source":         "stored",
		})
		return
	}

	writeError(w, http.StatusServiceUnavailable, "No carbon intensity data available. Run 'gridcarbon seed' first.")
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hours, err := queryInt(r, "hours", 24, 1, 48)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	windowHours, err := queryInt(r, "window_hours", 3, 1, 12)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// Both upstream inputs are optional. A forecast without live anchoring
	// or weather corrections is still a forecast.
	var current *carbon.Intensity
	if mix, fetchErr := s.fuelMix.FetchLatest(ctx); fetchErr == nil && mix != nil {
		if intensity, ciErr := mix.CarbonIntensity(); ciErr == nil {
			current = &intensity
		}
	} else if fetchErr != nil {
		klog.V(2).InfoS("Live fuel mix unavailable for forecast anchoring", "error", fetchErr)
	}

	var weather []carbon.WeatherSnapshot
	if snaps, fetchErr := s.weather.FetchForecast(ctx, 2); fetchErr == nil {
		weather = snaps
	} else {
		klog.V(2).InfoS("Weather forecast unavailable for corrections", "error", fetchErr)
	}

	s.fcMu.Lock()
	fc, err := s.forecaster.Forecast(ctx, hours, weather, current)
	s.fcMu.Unlock()
	if err != nil {
		s.internalError(w, err, "generate forecast")
		return
	}

	payload := forecastJSON(fc)
	payload[fmt.Sprintf("cleanest_%dh_window", windowHours)] = windowJSON(fc.CleanestWindow(windowHours))
	payload[fmt.Sprintf("dirtiest_%dh_window", windowHours)] = windowJSON(fc.DirtiestWindow(windowHours))
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24, 1, 720)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	records, err := s.store.GetCarbonIntensity(r.Context(), hours)
	if err != nil {
		s.internalError(w, err, "read history")
		return
	}
	if records == nil {
		records = []store.IntensityRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hours":   hours,
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleFactors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"methodology": carbon.Methodology,
		"source":      "EPA eGRID 2022 + EIA derived factors for NYISO",
		"factors":     carbon.Factors(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := s.store.GetIngestionStatus(ctx)
	if err != nil {
		s.internalError(w, err, "read ingestion status")
		return
	}

	nyisoStatus := "inactive"
	switch {
	case status.IsActive:
		nyisoStatus = "active"
	case status.LatestIntensityTime != nil:
		nyisoStatus = "stale"
	}

	weatherStatus := "inactive"
	var weatherLast *time.Time
	latest, err := s.store.GetLatestWeather(ctx)
	if err != nil {
		s.internalError(w, err, "read latest weather")
		return
	}
	if latest != nil {
		weatherLast = &latest.Timestamp
		// Forecast rows carry future timestamps, so a healthy connector
		// shows a negative age here.
		age := s.clk.Now().Sub(latest.Timestamp)
		switch {
		case age <= 2*time.Hour:
			weatherStatus = "active"
		case age <= 24*time.Hour:
			weatherStatus = "stale"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connectors": map[string]any{
			"nyiso": map[string]any{
				"status":       nyisoStatus,
				"last_data_at": timePtrJSON(status.LatestIntensityTime),
			},
			"weather": map[string]any{
				"status":       weatherStatus,
				"last_data_at": timePtrJSON(weatherLast),
			},
		},
		"ingestion": status,
	})
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	eventType := r.URL.Query().Get("event_type")

	events, err := s.store.GetRecentEvents(r.Context(), limit, eventType)
	if err != nil {
		s.internalError(w, err, "read events")
		return
	}
	if events == nil {
		events = []store.EventRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) internalError(w http.ResponseWriter, err error, op string) {
	klog.ErrorS(err, "Request failed", "op", op)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func forecastJSON(fc *forecast.Forecast) map[string]any {
	hourly := make([]map[string]any, 0, len(fc.Hourly))
	for _, h := range fc.Hourly {
		hourly = append(hourly, map[string]any{
			"hour":              h.Hour.Format(time.RFC3339),
			"grams_co2_per_kwh": round1(h.Predicted.GramsCO2PerKWh),
			"category":          h.Predicted.Category(),
			"label":             h.Predicted.Category().Label(),
			"confidence":        h.Confidence,
		})
	}
	return map[string]any{
		"region":             fc.Region,
		"generated_at":       fc.GeneratedAt.Format(time.RFC3339),
		"forecast_hours":     fc.Hours(),
		"hourly":             hourly,
		"cleanest_3h_window": windowJSON(fc.CleanestWindow(3)),
		"dirtiest_3h_window": windowJSON(fc.DirtiestWindow(3)),
	}
}

func windowJSON(win *forecast.Window) map[string]any {
	if win == nil {
		return nil
	}
	return map[string]any{
		"start":                 win.Start.Format(time.RFC3339),
		"end":                   win.End.Format(time.RFC3339),
		"duration_hours":        win.DurationHours(),
		"avg_grams_co2_per_kwh": round1(win.Average.GramsCO2PerKWh),
		"category":              win.Average.Category(),
		"label":                 win.Label,
	}
}

func roundedBreakdown(mix *carbon.FuelMix) map[string]float64 {
	out := make(map[string]float64)
	for fuel, mw := range mix.BreakdownMap() {
		out[fuel] = round1(mw)
	}
	return out
}

func percentageMap(mix *carbon.FuelMix) map[string]float64 {
	out := make(map[string]float64)
	for _, share := range mix.FuelPercentages() {
		out[string(share.Fuel)] = share.Value
	}
	return out
}

func timePtrJSON(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// queryInt parses an integer query parameter, applying def when absent.
// Values outside [lo, hi] are rejected.
func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.ErrorS(err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
