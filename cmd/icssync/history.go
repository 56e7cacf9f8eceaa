package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.history == nil {
					return errors.New("run history is disabled (history_path is empty)")
				}
				runs, err := a.history.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return json.NewEncoder(w).Encode(runs)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTATUS\tCREATE\tUPDATE\tDELETE\tFAILED")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
						r.ID, r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond),
						r.Status, r.Summary.Creates, r.Summary.Updates, r.Summary.Deletes, r.Failed)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the intents of one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.history == nil {
					return errors.New("run history is disabled (history_path is empty)")
				}
				intents, err := a.history.Intents(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return json.NewEncoder(w).Encode(intents)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tKEY\tOK\tDURATION\tERROR")
				for _, in := range intents {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", in.Kind, in.Key, in.OK, in.Duration.Round(time.Millisecond), in.Error)
				}
				return tw.Flush()
			})
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete recorded runs older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.history == nil {
					return errors.New("run history is disabled (history_path is empty)")
				}
				n, err := a.history.Prune(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "prune runs that started before now minus this")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}
