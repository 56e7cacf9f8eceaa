package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"icssync/internal/caldav"
	"icssync/internal/config"
	"icssync/internal/gcal"
	"icssync/internal/history"
	"icssync/internal/ics"
	appLog "icssync/internal/log"
	"icssync/internal/metrics"
	"icssync/internal/reconcile"
	"icssync/internal/syncer"
	"icssync/internal/temporal"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "icssync",
		Short: "Mirror an ICS subscription into a writable calendar",
		Long: `icssync keeps a writable calendar (Google Calendar or CalDAV) in step with a
read-only ICS feed. Each run fetches the feed, lists the target calendar,
computes the minimal set of creates, updates and deletes, and applies them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/icssync/config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadConfig reads and validates the config file and applies its log
// settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	appLog.Configure(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// app holds everything a command needs to run syncs.
type app struct {
	cfg     *config.Config
	loader  *ics.Loader
	runner  *syncer.Runner
	history *history.Store
	metrics *metrics.Metrics
}

func (a *app) Close() error {
	if a.history != nil {
		return a.history.Close()
	}
	return nil
}

// buildApp wires the feed loader, target store, ledger and metrics from cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	zone, canonical, err := temporal.LoadZone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	var fetchOpts []ics.FetcherOption
	if cfg.Feed.UserAgent != "" {
		fetchOpts = append(fetchOpts, ics.WithUserAgent(cfg.Feed.UserAgent))
	}
	loader := &ics.Loader{
		Fetcher:     ics.NewFetcher(cfg.CacheDir, fetchOpts...),
		Source:      ics.Source{ID: cfg.Feed.ID, URL: cfg.Feed.URL},
		DefaultZone: zone,
		Exclusions: ics.ExclusionPolicy{
			TitlePrefixes: cfg.Exclude.Prefixes,
			Titles:        cfg.Exclude.Titles,
		},
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, loader: loader, metrics: metrics.New()}

	var ledger syncer.Ledger
	if cfg.HistoryPath != "" {
		a.history, err = history.Open(ctx, cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
		ledger = a.history
	}

	a.runner = syncer.NewRunner(loader, store, ledger, a.metrics, syncer.Options{
		Planner: reconcile.Options{
			DescriptionLimit: cfg.Sync.DescriptionLimit,
			StrictCollisions: cfg.Sync.StrictCollisions,
		},
		Workers: cfg.Sync.Workers,
	})

	appLog.Info("effective config",
		"timezone", canonical,
		"backend", store.Name(),
		"feed_id", cfg.Feed.ID,
		"refresh", cfg.RefreshCron,
		"workers", cfg.Sync.Workers,
		"history", cfg.HistoryPath != "",
	)
	return a, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (syncer.Store, error) {
	switch cfg.Target.Backend {
	case config.BackendGoogle:
		g := cfg.Target.Google
		return gcal.New(ctx, gcal.Config{
			CalendarID:      g.CalendarID,
			CredentialsFile: g.CredentialsFile,
			TokenFile:       g.TokenFile,
		})
	case config.BackendCalDAV:
		d := cfg.Target.CalDAV
		return caldav.New(ctx, caldav.Config{
			Endpoint: d.Endpoint,
			Calendar: d.Calendar,
			Username: d.Username,
			Password: d.Password,
			Auth:     d.Auth,
		}, nil)
	default:
		return nil, errors.New("unknown target backend " + cfg.Target.Backend)
	}
}

// withApp loads the config, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLog.Error("failed to close run history", err)
		}
	}()
	return fn(ctx, a)
}
