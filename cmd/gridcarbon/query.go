package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
)

func newNowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Show the current grid carbon intensity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := a.nyisoClient()
			if err != nil {
				return err
			}

			if mix, fetchErr := client.FetchLatest(ctx); fetchErr == nil && mix != nil {
				return printLiveMix(ctx, a, mix)
			} else if fetchErr != nil {
				klog.V(2).InfoS("Live fetch failed, falling back to store", "error", fetchErr)
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			stored, err := st.GetLatestIntensity(ctx)
			if err != nil {
				return err
			}
			if stored == nil {
				return fmt.Errorf("%w: no carbon intensity data; run 'gridcarbon seed' first", errNoData)
			}

			intensity := stored.Intensity()
			fmt.Printf("Current Grid Carbon Intensity — %s (stored)\n", carbon.DefaultRegion)
			fmt.Printf("Timestamp: %s\n", stored.Timestamp.Format("2006-01-02 15:04 MST"))
			fmt.Printf("Intensity: %.0f gCO2/kWh  %s\n", stored.GramsCO2PerKWh, intensity.Category().Label())
			fmt.Printf("  → %s\n", intensity.Category().Recommendation())
			return nil
		},
	}
}

// printLiveMix renders a freshly fetched mix and opportunistically saves it
// so the history keeps filling between ingest runs.
func printLiveMix(ctx context.Context, a *app, mix *carbon.FuelMix) error {
	intensity, err := mix.CarbonIntensity()
	if err != nil {
		return err
	}

	if st, storeErr := a.openStore(ctx); storeErr == nil {
		if saveErr := st.SaveFuelMix(ctx, mix); saveErr != nil {
			klog.V(2).InfoS("Failed to save live fuel mix", "error", saveErr)
		}
		st.Close()
	} else {
		klog.V(2).InfoS("Store unavailable, showing live data only", "error", storeErr)
	}

	fmt.Printf("Current Grid Carbon Intensity — %s\n", carbon.DefaultRegion)
	fmt.Printf("Timestamp: %s\n", mix.Timestamp().Format("2006-01-02 15:04 MST"))
	fmt.Printf("Intensity: %.0f gCO2/kWh  %s\n", intensity.GramsCO2PerKWh, intensity.Category().Label())
	fmt.Printf("  → %s\n", intensity.Category().Recommendation())
	fmt.Printf("Generation: %.0f MW total, %.1f%% clean\n", mix.TotalMW(), mix.CleanPercentage())
	for _, share := range mix.FuelBreakdown() {
		fmt.Printf("  %-16s %8.1f MW\n", share.Fuel, share.Value)
	}
	return nil
}

func newForecastCommand(a *app) *cobra.Command {
	var hours, window int

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast carbon intensity for the next 24-48 hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if hours < 1 || hours > 48 {
				return fmt.Errorf("%w: --hours must be between 1 and 48", errMisconfigured)
			}
			if window < 1 || window > 12 {
				return fmt.Errorf("%w: --window must be between 1 and 12", errMisconfigured)
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			engine, err := a.engine(st)
			if err != nil {
				return err
			}

			// Live anchoring and weather corrections are both optional; a
			// forecast from history alone is still a forecast.
			var current *carbon.Intensity
			if client, clientErr := a.nyisoClient(); clientErr == nil {
				if mix, fetchErr := client.FetchLatest(ctx); fetchErr == nil && mix != nil {
					if intensity, ciErr := mix.CarbonIntensity(); ciErr == nil {
						current = &intensity
					}
				} else if fetchErr != nil {
					klog.V(2).InfoS("Live intensity unavailable for anchoring", "error", fetchErr)
				}
			}

			var snaps []carbon.WeatherSnapshot
			if client, clientErr := a.weatherClient(); clientErr == nil {
				if fetched, fetchErr := client.FetchForecast(ctx, 2); fetchErr == nil {
					snaps = fetched
				} else {
					klog.V(2).InfoS("Weather forecast unavailable for corrections", "error", fetchErr)
				}
			}

			fc, err := engine.Forecast(ctx, hours, snaps, current)
			if err != nil {
				return err
			}

			fmt.Println(fc.Summary())
			if window != 3 {
				if w := fc.CleanestWindow(window); w != nil {
					fmt.Printf("\nCleanest %d-hour window: %s – %s (%.0f gCO2/kWh)\n",
						window, w.Start.Format("03:04 PM"), w.End.Format("03:04 PM"),
						w.Average.GramsCO2PerKWh)
				}
				if w := fc.DirtiestWindow(window); w != nil {
					fmt.Printf("Dirtiest %d-hour window: %s – %s (%.0f gCO2/kWh)\n",
						window, w.Start.Format("03:04 PM"), w.End.Format("03:04 PM"),
						w.Average.GramsCO2PerKWh)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "forecast horizon in hours (1-48)")
	cmd.Flags().IntVar(&window, "window", 3, "recommendation window size in hours (1-12)")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ingestion health and stored data coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := st.GetIngestionStatus(ctx)
			if err != nil {
				return err
			}
			oldest, newest, err := st.DateRange(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Database: %s\n", config.RedactDSN(a.cfg.Database.URL))
			fmt.Printf("Ingestion active: %t\n", status.IsActive)
			if status.LatestIntensityTime != nil {
				fmt.Printf("Latest intensity: %.0f gCO2/kWh at %s\n",
					*status.LatestIntensity,
					status.LatestIntensityTime.Format("2006-01-02 15:04 MST"))
			}
			fmt.Printf("Intensity records: %d\n", status.IntensityRecords)
			fmt.Printf("Weather records: %d\n", status.WeatherRecords)
			if oldest != nil && newest != nil {
				fmt.Printf("Coverage: %s – %s\n",
					oldest.Format("2006-01-02"), newest.Format("2006-01-02"))
			}
			fmt.Printf("Failures (last 24h): %d\n", status.RecentFailures)

			if latest, weatherErr := st.GetLatestWeather(ctx); weatherErr == nil && latest != nil {
				fmt.Printf("Weather connector: %s (last data %s)\n",
					weatherFreshness(time.Since(latest.Timestamp)),
					latest.Timestamp.Format("2006-01-02 15:04 MST"))
			} else {
				fmt.Println("Weather connector: inactive (no data)")
			}

			events, err := st.GetRecentEvents(ctx, 5, "")
			if err != nil {
				return err
			}
			if len(events) > 0 {
				fmt.Println("\nRecent events:")
				for _, ev := range events {
					line := fmt.Sprintf("  %s  %-18s", ev.Timestamp.Format("01-02 15:04:05"), ev.EventType)
					if ev.StageName != "" {
						line += " stage=" + ev.StageName
					}
					if ev.Message != "" {
						line += "  " + ev.Message
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

// weatherFreshness classifies connector health from the newest row's age.
// Forecast rows carry future timestamps, so healthy ages are often negative.
func weatherFreshness(age time.Duration) string {
	switch {
	case age <= 2*time.Hour:
		return "active"
	case age <= 24*time.Hour:
		return "stale"
	default:
		return "inactive"
	}
}

func newFactorsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "factors",
		Short: "List the emission factors used for intensity calculation",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Emission factors for %s (%s accounting)\n\n", carbon.DefaultRegion, carbon.Methodology)
			for _, f := range carbon.Factors() {
				fmt.Printf("  %-16s %5.0f gCO2/kWh  %s\n", f.Fuel, f.GramsCO2PerKWh, f.Source)
			}
			return nil
		},
	}
}
