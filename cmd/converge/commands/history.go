package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		workflow string
		verdict  string
		since    time.Duration
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded verifications",
		Long: `List verifications recorded in the history database, newest first.

Use "history show" for the per-resource and per-tick breakdown of one
verification, "history stats" for success rates per workflow, and
"history prune" to drop old records.`,
		Example: `  # Last 20 verifications
  converge history

  # Timed-out microservice onboardings of the last day
  converge history --workflow checkout --verdict timed-out --since 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := requireStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := stores.ListFilter{Workflow: workflow, Limit: limit}
			if verdict != "" {
				v := engine.Verdict(verdict)
				if err := v.Validate(); err != nil {
					return engine.NewConfigurationError("invalid --verdict", err)
				}
				filter.Verdict = v
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			list, err := store.ListVerifications(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			return printHistory(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVarP(&workflow, "workflow", "w", "", "only this workflow instance")
	cmd.Flags().StringVar(&verdict, "verdict", "", "only this verdict")
	cmd.Flags().DurationVar(&since, "since", 0, "only verifications started within this duration")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows (0 for all)")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryStatsCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func printHistory(out io.Writer, list []*stores.Verification) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKFLOW\tKIND\tVERDICT\tELAPSED\tTICKS\tPOLICY\tSTARTED")
	for _, v := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(v.ID), v.Workflow, v.Kind, v.Verdict, v.Elapsed.Round(time.Millisecond),
			v.Ticks, acceptedLabel(v.Accepted), v.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one verification",
		Long:  `Show a recorded verification. The ID may be abbreviated to any unique prefix.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := requireStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			v, err := store.FindVerification(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), v)
			}
			return printVerification(cmd.OutOrStdout(), v)
		},
	}
}

func printVerification(out io.Writer, v *stores.Verification) error {
	fmt.Fprintf(out, "verification %s (%s, source %s)\n", v.ID, v.Kind, v.Source)
	fmt.Fprintf(out, "started %s, interval %s, timeout %s\n",
		v.StartedAt.Local().Format(time.DateTime), v.Policy.Interval, v.Policy.Timeout)
	fmt.Fprint(out, v.Outcome().Report())

	if len(v.History) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TICK\tAT\tVERDICT\tPENDING\tIN-PROGRESS\tSUCCESS\tFAILED\tERRORS")
		for _, t := range v.History {
			fmt.Fprintf(tw, "%d\t+%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
				t.Tick, t.TakenAt.Sub(v.StartedAt).Round(time.Millisecond), t.Verdict,
				t.Pending, t.InProgress, t.Success, t.Failed, t.SampleErrors)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\npolicy: %s\n", acceptedLabel(v.Accepted))
	for _, viol := range v.Violations {
		fmt.Fprintf(out, "  [%s] %s: %s\n", viol.Severity, viol.Policy, viol.Message)
	}
	return nil
}

func newHistoryStatsCommand() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize verifications per workflow kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := requireStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			stats, err := store.Stats(ctx, from)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), stats)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKFLOW\tTOTAL\tSUCCESS\tFAILED\tPARTIAL\tTIMED-OUT\tRATE\tAVG\tMAX")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.0f%%\t%s\t%s\n",
					s.Workflow, s.Total, s.Succeeded, s.Failed, s.PartialFailures, s.TimedOut,
					s.SuccessRate()*100, s.AvgElapsed.Round(time.Millisecond), s.MaxElapsed.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "only verifications started within this duration (0 for all)")
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old verifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return engine.NewConfigurationError("--older-than must be positive", nil)
			}
			ctx := cmd.Context()
			store, err := requireStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.DeleteVerificationsBefore(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("Pruned verification history")
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d verifications\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete verifications started before this age")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func acceptedLabel(accepted *bool) string {
	switch {
	case accepted == nil:
		return "-"
	case *accepted:
		return "accepted"
	default:
		return "rejected"
	}
}
