package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/api"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/ingest"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/metrics"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
)

func newIngestCommand(a *app) *cobra.Command {
	var interval, weatherInterval time.Duration

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run continuous fuel mix and weather ingestion until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if interval > 0 {
				a.cfg.Ingest.FuelMixPollInterval = interval
			}
			if weatherInterval > 0 {
				a.cfg.Ingest.WeatherPollInterval = weatherInterval
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			nyisoClient, err := a.nyisoClient()
			if err != nil {
				return err
			}
			weatherClient, err := a.weatherClient()
			if err != nil {
				return err
			}

			fmt.Printf("Ingesting continuously (fuel mix every %s, weather every %s). Ctrl-C to stop.\n",
				a.cfg.Ingest.FuelMixPollInterval, a.cfg.Ingest.WeatherPollInterval)

			var wg sync.WaitGroup
			var fuelErr, weatherErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, fuelErr = ingest.RunFuelContinuous(ctx, st, nyisoClient, a.cfg.Ingest, metrics.Observer())
			}()
			go func() {
				defer wg.Done()
				_, weatherErr = ingest.RunWeatherContinuous(ctx, st, weatherClient, a.cfg.Ingest, metrics.Observer())
			}()
			wg.Wait()

			if fuelErr != nil {
				return fuelErr
			}
			return weatherErr
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "fuel mix poll interval (default from config)")
	cmd.Flags().DurationVar(&weatherInterval, "weather-interval", 0, "weather poll interval (default from config)")
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if host != "" {
				a.cfg.Server.Host = host
			}
			if port > 0 {
				a.cfg.Server.Port = port
			}

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			nyisoClient, err := a.nyisoClient()
			if err != nil {
				return err
			}
			weatherClient, err := a.weatherClient()
			if err != nil {
				return err
			}
			engine, err := a.engine(st)
			if err != nil {
				return err
			}

			retention := newRetentionJob(st, a.cfg.Database.RetentionDays)
			retention.Start()
			defer retention.Stop()

			server := api.NewServer(st, nyisoClient, weatherClient, engine, a.cfg.Server)
			return server.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

// newRetentionJob prunes old ingestion events and pipeline metrics every
// night at 03:00, keeping the operational tables from growing unbounded.
func newRetentionJob(st *store.Store, retentionDays int) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("0 3 * * *", func() {
		ctx, cancel := pruneContext()
		defer cancel()
		if _, err := st.PruneEvents(ctx, retentionDays); err != nil {
			klog.ErrorS(err, "Failed to prune ingestion events")
		}
		if _, err := st.PruneMetrics(ctx, retentionDays); err != nil {
			klog.ErrorS(err, "Failed to prune pipeline metrics")
		}
	})
	if err != nil {
		// The schedule is a compile-time constant; this cannot fail at
		// runtime.
		klog.ErrorS(err, "Failed to schedule retention job")
	}
	return c
}

func pruneContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Minute)
}
