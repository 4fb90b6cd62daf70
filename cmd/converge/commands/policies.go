package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/policy"
	"github.com/openfroyo/convergence/pkg/stores"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect and evaluate acceptance policies",
		Long: `Acceptance policies are Rego modules evaluated against every verification
outcome. Built-in policies are always loaded; extra files come from
policies.paths in the settings or --policy.`,
	}

	cmd.PersistentFlags().StringSlice("policy", nil, "rego policy files or directories")
	_ = cmd.PersistentFlags().SetAnnotation("policy", settingsKey, []string{"policies.paths"})

	cmd.AddCommand(newPoliciesListCommand())
	cmd.AddCommand(newPoliciesShowCommand())
	cmd.AddCommand(newPoliciesEvalCommand())

	return cmd
}

func newPoliciesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := newPolicyEngine(cmd.Context(), settings, log.Logger)
			if err != nil {
				return err
			}
			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				src := p.Source
				if p.Builtin {
					src = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", p.Name, p.Severity, p.Enabled, src, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPoliciesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a policy's Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := newPolicyEngine(cmd.Context(), settings, log.Logger)
			if err != nil {
				return err
			}
			p, err := pe.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprint(cmd.OutOrStdout(), p.Rego)
			return nil
		},
	}
}

func newPoliciesEvalCommand() *cobra.Command {
	var (
		environment string
		watch       bool
		save        bool
	)

	cmd := &cobra.Command{
		Use:   "eval <verification-id>",
		Short: "Evaluate policies against a recorded verification",
		Long: `Re-evaluate the current policies against a verification from the history
database. With --save the result replaces the recorded one. With --watch the
evaluation is repeated whenever a policy file changes, which is handy while
writing policies.`,
		Example: `  # Check a new policy against yesterday's timed-out run
  converge policies eval 3f2a --policy ./policies

  # Iterate on a policy
  converge policies eval 3f2a --policy ./policies --watch`,
		Args: cobra.ExactArgs(1),
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

			pe, err := newPolicyEngine(ctx, settings, log.Logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			result, err := evalStored(ctx, pe, store, v, environment, save, out)
			if err != nil {
				return err
			}
			if !watch && !settings.Policies.Watch {
				if !result.Accepted {
					return &ExitError{Code: ExitPolicyRejected, Message: fmt.Sprintf("verification %s rejected by policy", v.ID)}
				}
				return nil
			}

			if err := pe.Watch(ctx); err != nil {
				return err
			}
			return rerunOnChange(ctx, pe, func() {
				if _, err := evalStored(ctx, pe, store, v, environment, save, out); err != nil {
					log.Error().Err(err).Msg("Policy evaluation failed")
				}
			})
		},
	}

	cmd.Flags().StringVar(&environment, "env", "", "environment label passed to policies")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-evaluate when policy files change")
	cmd.Flags().BoolVar(&save, "save", false, "record the result in history")

	return cmd
}

func evalStored(ctx context.Context, pe *policy.Engine, store *stores.SQLiteStore, v *stores.Verification, environment string, save bool, out io.Writer) (*policy.Result, error) {
	result, err := pe.EvaluateOutcome(ctx, v.Outcome(), policy.Context{
		Environment: environment,
		Source:      v.Source,
	})
	if err != nil {
		return nil, err
	}

	if save {
		violations, err := storedViolations(result.All())
		if err != nil {
			return nil, err
		}
		if err := store.SaveViolations(ctx, v.ID, result.Accepted, violations); err != nil {
			return nil, err
		}
	}

	if jsonOutput {
		return result, printJSON(out, result)
	}

	fmt.Fprintf(out, "%s %s (%s): %d policies, %s\n",
		shortID(v.ID), v.Workflow, v.Verdict, len(result.EvaluatedPolicies), acceptedLabel(&result.Accepted))
	for _, viol := range result.All() {
		resource := ""
		if viol.Resource != "" {
			resource = " (" + viol.Resource + ")"
		}
		fmt.Fprintf(out, "  [%s] %s%s: %s\n", viol.Severity, viol.Policy, resource, viol.Message)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
	return result, nil
}

// rerunOnChange calls fn whenever the loaded policy set changes, until ctx is done.
func rerunOnChange(ctx context.Context, pe *policy.Engine, fn func()) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := fingerprint(pe.ListPolicies())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := fingerprint(pe.ListPolicies())
			if current != last {
				last = current
				fn()
			}
		}
	}
}

func fingerprint(policies []policy.Policy) string {
	var b strings.Builder
	for _, p := range policies {
		b.WriteString(p.Name)
		b.WriteByte(0)
		b.WriteString(p.Rego)
		b.WriteByte(0)
	}
	return b.String()
}
