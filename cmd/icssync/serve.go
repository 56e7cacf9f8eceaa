package main

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	appLog "icssync/internal/log"
	"icssync/internal/syncer"
	"icssync/internal/web"
)

func newServeCommand() *cobra.Command {
	var (
		listen    string
		runOnBoot bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync on the configured schedule and serve the status API",
		Long: `Run syncs on the cron schedule from the config's "refresh" key and expose
/health, /metrics and the /api endpoints. A scheduled run is skipped when the
previous one is still going.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if listen != "" {
					a.cfg.Listen = listen
				}

				sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
				entry, err := sched.AddFunc(a.cfg.RefreshCron, func() { scheduledRun(ctx, a.runner) })
				if err != nil {
					return err
				}
				sched.Start()
				defer func() {
					<-sched.Stop().Done()
				}()
				appLog.Info("scheduler started", "refresh", a.cfg.RefreshCron, "next", sched.Entry(entry).Next)

				if runOnBoot {
					go scheduledRun(ctx, a.runner)
				}

				var hist web.RunHistory
				if a.history != nil {
					hist = a.history
				}
				srv := web.NewServer(a.cfg, a.runner, hist, a.metrics.Handler())
				srv.NextRun = func() time.Time { return sched.Entry(entry).Next }
				srv.Events = a.loader
				err = srv.ListenAndServe(ctx)
				appLog.Info("icssync exiting")
				return err
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	cmd.Flags().BoolVar(&runOnBoot, "run-on-start", true, "run one sync immediately at startup")
	return cmd
}

func scheduledRun(ctx context.Context, r *syncer.Runner) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.Run(ctx); err != nil {
		if errors.Is(err, syncer.ErrRunInProgress) {
			appLog.Warn("skipping scheduled sync, previous run still in progress")
			return
		}
		// The runner already logged and recorded the failure.
		appLog.Debug("scheduled sync failed", "error", err.Error())
	}
}
