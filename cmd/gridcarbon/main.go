// gridcarbon is the command-line entry point for the grid carbon service:
// seeding and continuous ingestion of NYISO fuel mix and Open-Meteo weather
// data, the REST API server, and quick terminal queries against both.
//
// Exit codes: 0 on success, 1 when the requested data is unavailable,
// 2 on configuration errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/cache"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/forecast"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/nyiso"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/weather"
)

const (
	exitOK            = 0
	exitNoData        = 1
	exitMisconfigured = 2
)

// errNoData marks command failures caused by missing data rather than a
// broken setup.
var errNoData = errors.New("no data available")

// errMisconfigured marks failures a config change would fix.
var errMisconfigured = errors.New("configuration error")

// app carries the loaded configuration and lazily built collaborators
// shared by all commands.
type app struct {
	configPath string
	verbose    bool

	cfg *config.Config
}

// loadConfig resolves configuration once per invocation.
func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errMisconfigured, err)
	}
	a.cfg = cfg
	return nil
}

// openStore connects to Postgres and applies the schema so every command
// can assume the tables exist.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.New(ctx, a.cfg.Database, store.WithTimezone(a.cfg.Weather.Timezone))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMisconfigured, err)
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: cannot reach database at %s: %v",
			errMisconfigured, config.RedactDSN(a.cfg.Database.URL), err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func (a *app) nyisoClient() (*nyiso.Client, error) {
	return nyiso.NewClient(a.cfg.NYISO,
		nyiso.WithCache(cache.New(a.cfg.NYISO.CacheTTL, a.cfg.NYISO.MaxCacheAge)))
}

func (a *app) weatherClient() (*weather.Client, error) {
	return weather.NewClient(a.cfg.Weather)
}

// history adapts the store's pointer-filtered averages query to the
// forecaster's always-filtered view.
type history struct {
	st *store.Store
}

func (h history) GetHourlyAverages(ctx context.Context, month, dayOfWeek int) (map[int]float64, error) {
	return h.st.GetHourlyAverages(ctx, &month, &dayOfWeek)
}

func (a *app) engine(st *store.Store) (*forecast.Engine, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMisconfigured, err)
	}
	return forecast.NewEngine(history{st: st}, a.cfg.Forecast, forecast.WithLocation(loc))
}

// signalContext returns a context cancelled by SIGINT or SIGTERM. Pipelines
// and the server observe it and drain cooperatively.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRootCommand() *cobra.Command {
	a := &app{}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)

	root := &cobra.Command{
		Use:           "gridcarbon",
		Short:         "Carbon intensity tracking and forecasting for the NYC electrical grid",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.verbose {
				if err := klogFlags.Set("v", "4"); err != nil {
					return err
				}
			}
			return a.loadConfig()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "enable debug logging")
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		newNowCommand(a),
		newForecastCommand(a),
		newSeedCommand(a),
		newIngestCommand(a),
		newServeCommand(a),
		newStatusCommand(a),
		newFactorsCommand(a),
		newMigrateCommand(a),
	)
	return root
}

func main() {
	defer klog.Flush()

	ctx, cancel := signalContext()
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errMisconfigured) {
			os.Exit(exitMisconfigured)
		}
		os.Exit(exitNoData)
	}
	os.Exit(exitOK)
}
