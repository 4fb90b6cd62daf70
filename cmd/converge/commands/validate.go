package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/samplers/httpapi"
)

func newValidateCommand() *cobra.Command {
	var checkSource bool

	cmd := &cobra.Command{
		Use:   "validate [catalog.cue...]",
		Short: "Validate the workflow catalog, classifier and policies",
		Long: `Validate the configuration a verification depends on.

This command checks:
  - CUE catalog files against the workflow schema
  - The Starlark classifier script, if configured
  - Rego policy files, if configured
  - Reachability of the status API (--check-source)

Catalog files given as arguments are merged with the built-in catalog and the
files configured in settings.`,
		Example: `  # Validate configured files and list workflows
  converge validate

  # Validate an extra catalog file
  converge validate ./workflows.cue

  # Also check that the status API answers
  converge validate --check-source --base-url http://localhost:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), args, checkSource, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&checkSource, "check-source", false, "check that the status API is reachable")
	cmd.Flags().String("base-url", "", "status API base URL")
	bindSetting(cmd, "base-url", "source.base_url")

	return cmd
}

// catalogEntry is the --json output of validate.
type catalogEntry struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Page        string               `json:"page,omitempty"`
	Discover    bool                 `json:"discover,omitempty"`
	Resources   []string             `json:"resources"`
	Policy      engine.PollingPolicy `json:"policy"`
}

func runValidate(ctx context.Context, files []string, checkSource bool, out io.Writer) error {
	catalog, err := loadCatalog(settings, files...)
	if err != nil {
		var ce config.CatalogErrors
		if errors.As(err, &ce) {
			for _, e := range ce {
				fmt.Fprintf(out, "✗ %s\n", e.Error())
			}
		}
		return err
	}
	log.Debug().Strs("sources", catalog.Sources()).Msg("Catalog loaded")

	if _, err := loadClassifier(settings); err != nil {
		return fmt.Errorf("classifier %s: %w", settings.Classifier, err)
	}

	pe, err := newPolicyEngine(ctx, settings, log.Logger)
	if err != nil {
		return err
	}

	if checkSource {
		if err := checkStatusAPI(ctx, settings.Source); err != nil {
			return err
		}
	}

	entries := make([]catalogEntry, 0, len(catalog.Names()))
	for _, name := range catalog.Names() {
		spec, _ := catalog.Get(name)
		p, err := spec.ApplyPolicy(settings.PollingPolicy())
		if err != nil {
			return err
		}
		entry := catalogEntry{
			Name:        name,
			Description: spec.Description,
			Page:        spec.PageFor("{name}"),
			Discover:    spec.Discover,
			Resources:   []string{},
			Policy:      p,
		}
		for _, r := range spec.Resources {
			entry.Resources = append(entry.Resources, r.ID)
		}
		entries = append(entries, entry)
	}

	if jsonOutput {
		return printJSON(out, entries)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tINTERVAL\tTIMEOUT\tRESOURCES")
	for _, e := range entries {
		resources := strings.Join(e.Resources, ",")
		if e.Discover {
			resources = "(discovered)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Policy.Interval, e.Policy.Timeout, resources)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %d workflows, %d policies\n", len(entries), len(pe.ListPolicies()))
	return nil
}

func checkStatusAPI(ctx context.Context, s config.SourceSettings) error {
	if s.Type != "http" {
		return engine.NewConfigurationError("--check-source requires the http source", nil)
	}
	if s.BaseURL == "" {
		return engine.NewConfigurationError("source base URL is required (--base-url or source.base_url)", nil)
	}
	client, err := httpapi.NewClient(s.BaseURL, httpapi.WithLogger(log.Logger))
	if err != nil {
		return engine.NewConfigurationError("invalid status API URL", err)
	}
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("status API %s is not healthy: %w", s.BaseURL, err)
	}
	return nil
}
