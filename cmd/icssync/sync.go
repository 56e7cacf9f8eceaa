package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"icssync/internal/syncer"
)

func newSyncCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation and exit",
		Long: `Fetch the feed, list the target calendar and apply the computed creates,
updates and deletes once. Individual store failures do not abort the run;
they are reported and the run is marked partial.`,
		Example: `  # Apply changes
  icssync sync --config ./config.yaml

  # Show what would change without writing
  icssync sync --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					rep *syncer.Report
					err error
				)
				if dryRun {
					rep, err = a.runner.Plan(ctx)
				} else {
					rep, err = a.runner.Run(ctx)
				}
				if rep != nil {
					if perr := printReport(cmd.OutOrStdout(), rep); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if rep.Failed > 0 {
					return fmt.Errorf("%d of %d changes failed", rep.Failed, len(rep.Intents))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, do not write to the target calendar")
	return cmd
}

func newPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the changes the next sync would make",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := a.runner.Plan(ctx)
				if rep != nil {
					if perr := printReport(cmd.OutOrStdout(), rep); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func printReport(w io.Writer, rep *syncer.Report) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	s := rep.Summary
	fmt.Fprintf(w, "run %s (%s) against %s\n", rep.RunID, rep.Status, rep.Backend)
	fmt.Fprintf(w, "feed: %d loaded, %d excluded, %d invalid, %d overrides skipped, cached=%t\n",
		rep.Source.Loaded, rep.Source.Excluded, rep.Source.Invalid, rep.Source.Parse.Overrides, rep.Source.FromCache)
	fmt.Fprintf(w, "plan: %d create, %d update, %d delete, %d unchanged\n",
		s.Creates, s.Updates, s.Deletes, s.Unchanged)
	if s.SourceCollisions > 0 || s.TargetCollisions > 0 {
		fmt.Fprintf(w, "collisions: %d in feed, %d in target\n", s.SourceCollisions, s.TargetCollisions)
	}
	if rep.Error != "" {
		fmt.Fprintf(w, "error: %s\n", rep.Error)
	}
	if len(rep.Intents) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tTITLE\tDETAIL\tRESULT")
	for _, in := range rep.Intents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", in.Kind, in.Title, intentDetail(in), intentResult(rep, in))
	}
	return tw.Flush()
}

func intentDetail(in syncer.IntentReport) string {
	switch {
	case len(in.Changes) > 0:
		return strings.Join(in.Changes, ",")
	case in.Next != nil:
		return "next " + in.Next.Local().Format(time.DateTime)
	default:
		return in.Key
	}
}

func intentResult(rep *syncer.Report, in syncer.IntentReport) string {
	switch {
	case rep.DryRun:
		return "planned"
	case in.Applied:
		return "ok"
	case in.Error != "":
		return in.Class + ": " + in.Error
	default:
		return "skipped"
	}
}
