package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/ingest"
)

func newSeedCommand(a *app) *cobra.Command {
	var days int
	var noWeather bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Backfill historical fuel mix and weather data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if days < 1 {
				return fmt.Errorf("%w: --days must be positive", errMisconfigured)
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			loc, err := a.cfg.Location()
			if err != nil {
				return fmt.Errorf("%w: %v", errMisconfigured, err)
			}
			end := time.Now().In(loc)
			start := end.AddDate(0, 0, -days)

			nyisoClient, err := a.nyisoClient()
			if err != nil {
				return err
			}

			fmt.Printf("Seeding %d days of fuel mix data (%s – %s)\n",
				days, start.Format("2006-01-02"), end.Format("2006-01-02"))
			progress := func(day time.Time, records int) {
				fmt.Printf("  %s: %d snapshots\n", day.Format("2006-01-02"), records)
			}

			fuelRes, err := ingest.RunFuelSeed(ctx, st, nyisoClient, a.cfg.Ingest, start, end, progress)
			if err != nil {
				return err
			}
			fmt.Println(fuelRes.Summary())
			if !fuelRes.Completed {
				return fmt.Errorf("%w: fuel mix seed did not complete", errNoData)
			}

			if noWeather {
				return nil
			}

			weatherClient, err := a.weatherClient()
			if err != nil {
				return err
			}

			// The archive endpoint lags a few days behind real time; recent
			// days simply come back empty and are skipped.
			fmt.Printf("\nSeeding %d days of weather data\n", days)
			weatherRes, err := ingest.RunWeatherSeed(ctx, st, weatherClient, a.cfg.Ingest, start, end, progress)
			if err != nil {
				return err
			}
			fmt.Println(weatherRes.Summary())
			if !weatherRes.Completed {
				return fmt.Errorf("%w: weather seed did not complete", errNoData)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "number of days to backfill")
	cmd.Flags().BoolVar(&noWeather, "no-weather", false, "skip the weather backfill")
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// openStore migrates as a side effect; this command exists so
			// deploys can run the DDL explicitly before anything else starts.
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			st.Close()
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}
