package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/policy"
	"github.com/openfroyo/convergence/pkg/samplers/browser"
	"github.com/openfroyo/convergence/pkg/samplers/httpapi"
	"github.com/openfroyo/convergence/pkg/stores"
)

type verifyOptions struct {
	kind     string
	instance string

	interval        time.Duration
	timeout         time.Duration
	concurrency     int
	toleratePartial bool
	refresh         bool
	resources       []string
	environment     string
	skipPolicies    bool
}

func newVerifyCommand() *cobra.Command {
	var opts verifyOptions

	cmd := &cobra.Command{
		Use:   "verify <workflow> [instance]",
		Short: "Wait for a workflow's resources to converge",
		Long: `Poll every resource of a workflow instance until all of them reach a
terminal status or the timeout elapses, then evaluate acceptance policies.

The workflow names a catalog entry (see "converge validate"). The instance is
the name the workflow was started with and defaults to the workflow name.
Resources may also be given explicitly with --resource id[:kind].

Exit status is 0 when the verdict is success and every blocking policy passes,
2 when the verdict is not success, and 3 when a blocking policy rejects it.`,
		Example: `  # Verify a microservice onboarding through the status API
  converge verify microservice checkout --base-url http://localhost:8080

  # Read the portal pages with Chrome instead
  converge verify microservice checkout --source browser --base-url https://portal.example.com

  # Ad-hoc resources, tolerating failures of individual resources
  converge verify custom checkout --resource proxy --resource repo:github-repository --tolerate-partial`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.kind = args[0]
			opts.instance = args[0]
			if len(args) > 1 {
				opts.instance = args[1]
			}
			return runVerify(cmd.Context(), cmd, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("source", "", "status source: http or browser")
	cmd.Flags().String("base-url", "", "status API or portal base URL")
	cmd.Flags().Bool("headless", true, "run Chrome headless (browser source)")
	cmd.Flags().StringSlice("catalog", nil, "extra CUE workflow catalog files")
	cmd.Flags().String("classifier", "", "Starlark status classifier script")
	cmd.Flags().StringSlice("policy", nil, "rego policy files or directories")
	cmd.Flags().Bool("no-history", false, "do not record the verification")
	bindSetting(cmd, "source", "source.type")
	bindSetting(cmd, "base-url", "source.base_url")
	bindSetting(cmd, "headless", "source.headless")
	bindSetting(cmd, "catalog", "catalog")
	bindSetting(cmd, "classifier", "classifier")
	bindSetting(cmd, "policy", "policies.paths")

	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "pause between ticks (overrides catalog)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "overall timeout (overrides catalog)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "resources sampled in parallel per tick")
	cmd.Flags().BoolVar(&opts.toleratePartial, "tolerate-partial", false, "report failed resources as partial-failure")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "refresh the source between ticks")
	cmd.Flags().StringSliceVarP(&opts.resources, "resource", "r", nil, "resource to verify as id[:kind] (repeatable)")
	cmd.Flags().StringVar(&opts.environment, "env", "", "environment label passed to policies")
	cmd.Flags().BoolVar(&opts.skipPolicies, "skip-policies", false, "do not evaluate acceptance policies")

	return cmd
}

// verifyReport is the --json output of verify.
type verifyReport struct {
	Outcome     *engine.WorkflowOutcome `json:"outcome"`
	Failed      []string                `json:"failed"`
	Unconverged []string                `json:"unconverged"`
	Policy      *policy.Result          `json:"policy,omitempty"`
}

func runVerify(ctx context.Context, cmd *cobra.Command, opts verifyOptions, out io.Writer) error {
	logger := log.With().Str("workflow", opts.instance).Logger()

	catalog, err := loadCatalog(settings)
	if err != nil {
		return err
	}
	spec, err := workflowSpec(catalog, opts)
	if err != nil {
		return err
	}

	pollingPolicy, err := spec.ApplyPolicy(settings.PollingPolicy())
	if err != nil {
		return err
	}
	pollingPolicy = opts.apply(pollingPolicy)
	if err := pollingPolicy.Validate(); err != nil {
		return err
	}

	classifier, err := loadClassifier(settings)
	if err != nil {
		return err
	}

	tel, err := newTelemetry(settings, opts.environment)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	tel.Metrics.StartMetricsServer(ctx, logger)

	src, err := openSource(ctx, settings.Source, spec, opts.instance, classifier)
	if err != nil {
		return err
	}
	defer src.close()

	var set *engine.ResourceSet
	if spec.Discover {
		set, err = engine.ResolveResourceSet(ctx, src.discoverer, opts.instance)
	} else {
		set, err = spec.ResourceSet(opts.instance)
	}
	if err != nil {
		return err
	}

	observer := tel.Observer()
	observer.SetStreakThreshold(pollingPolicy.TransientWarnThreshold)
	pollerOpts := []engine.PollerOption{
		engine.WithLogger(logger),
		engine.WithRefresher(src.refresher),
		engine.WithObserver(observer),
	}

	noHistory, _ := cmd.Flags().GetBool("no-history")
	var store *stores.SQLiteStore
	if !noHistory {
		store, err = openStore(ctx, settings)
		if err != nil {
			return err
		}
	}
	if store != nil {
		defer store.Close()
		recorder := stores.NewRecorder(store, logger,
			stores.WithSource(settings.Source.Type),
			stores.WithKind(opts.instance, spec.Name),
		)
		pollerOpts = append(pollerOpts, engine.WithObserver(recorder))
	}

	logger.Info().
		Str("kind", spec.Name).
		Str("source", settings.Source.Type).
		Stringer("resources", set).
		Dur("interval", pollingPolicy.Interval).
		Dur("timeout", pollingPolicy.Timeout).
		Msg("Verifying workflow")

	outcome, err := engine.NewPoller(src.sampler, pollerOpts...).WaitForConvergence(ctx, set, pollingPolicy)
	if err != nil {
		return err
	}

	report := verifyReport{
		Outcome:     &outcome,
		Failed:      nonNil(outcome.Failed()),
		Unconverged: nonNil(outcome.Unconverged()),
	}

	if !opts.skipPolicies {
		result, err := evaluatePolicies(ctx, &outcome, opts.environment, store)
		if err != nil {
			return err
		}
		report.Policy = result
		for _, v := range result.All() {
			_ = tel.Events.PublishPolicyViolation(outcome.ID, outcome.Workflow, v.Policy, v.Message)
		}
	}

	if jsonOutput {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		printVerifyReport(out, report)
	}

	if !outcome.Verdict.IsSuccess() {
		return &ExitError{Code: ExitVerificationFailed, Message: fmt.Sprintf("verification %s: %s", outcome.ID, outcome.Verdict)}
	}
	if report.Policy != nil && !report.Policy.Accepted {
		return &ExitError{Code: ExitPolicyRejected, Message: fmt.Sprintf("verification %s rejected by policy", outcome.ID)}
	}
	return nil
}

// workflowSpec resolves the catalog entry, or builds one from --resource flags.
func workflowSpec(catalog *config.Catalog, opts verifyOptions) (config.WorkflowSpec, error) {
	spec, found := catalog.Get(opts.kind)
	if len(opts.resources) == 0 {
		if !found {
			return spec, engine.NewConfigurationError(
				fmt.Sprintf("unknown workflow %q (known: %s)", opts.kind, strings.Join(catalog.Names(), ", ")), nil)
		}
		return spec, nil
	}

	if !found {
		spec = config.WorkflowSpec{Name: opts.kind}
	}
	spec.Discover = false
	spec.Resources = nil
	for _, r := range opts.resources {
		id, kind, _ := strings.Cut(r, ":")
		if id == "" {
			return spec, engine.NewConfigurationError(fmt.Sprintf("invalid --resource %q", r), nil)
		}
		if kind == "" {
			kind = id
		}
		spec.Resources = append(spec.Resources, config.ResourceSpec{ID: id, Kind: kind})
	}
	return spec, nil
}

// apply overlays command-line polling overrides.
func (o verifyOptions) apply(p engine.PollingPolicy) engine.PollingPolicy {
	if o.interval > 0 {
		p.Interval = o.interval
	}
	if o.timeout > 0 {
		p.Timeout = o.timeout
	}
	if o.concurrency > 0 {
		p.MaxConcurrentSamples = o.concurrency
	}
	if o.toleratePartial {
		p.PartialFailureTolerated = true
	}
	if o.refresh {
		p.RefreshBetweenSamples = true
	}
	return p
}

func evaluatePolicies(ctx context.Context, outcome *engine.WorkflowOutcome, environment string, store *stores.SQLiteStore) (*policy.Result, error) {
	pe, err := newPolicyEngine(ctx, settings, log.Logger)
	if err != nil {
		return nil, err
	}
	result, err := pe.EvaluateOutcome(ctx, outcome, policy.Context{
		Environment: environment,
		Source:      settings.Source.Type,
	})
	if err != nil {
		return nil, err
	}

	if store != nil {
		violations, err := storedViolations(result.All())
		if err != nil {
			return nil, err
		}
		if err := store.SaveViolations(context.WithoutCancel(ctx), outcome.ID, result.Accepted, violations); err != nil {
			log.Warn().Err(err).Str("verification_id", outcome.ID).Msg("Failed to record policy result")
		}
	}
	return result, nil
}

func printVerifyReport(out io.Writer, r verifyReport) {
	o := r.Outcome
	if o.Verdict.IsSuccess() {
		fmt.Fprintf(out, "✓ %s converged in %s (%d ticks)\n", o.Workflow, o.Elapsed.Round(time.Millisecond), o.Ticks)
	} else {
		fmt.Fprint(out, o.Report())
	}
	fmt.Fprintf(out, "verification: %s\n", o.ID)

	if r.Policy == nil {
		return
	}
	for _, v := range r.Policy.Violations {
		fmt.Fprintf(out, "✗ [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, v := range r.Policy.Warnings {
		fmt.Fprintf(out, "! [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, err := range r.Policy.Errors {
		fmt.Fprintf(out, "! policy error: %s\n", err)
	}
}

// source bundles the collaborators of one status backend.
type source struct {
	sampler    engine.StatusSampler
	refresher  engine.Refresher
	discoverer engine.Discoverer
	close      func()
}

func openSource(ctx context.Context, s config.SourceSettings, spec config.WorkflowSpec, instance string, classifier engine.Classifier) (*source, error) {
	if s.BaseURL == "" {
		return nil, engine.NewConfigurationError("source base URL is required (--base-url or source.base_url)", nil)
	}

	switch s.Type {
	case "http":
		clientOpts := []httpapi.ClientOption{
			httpapi.WithLogger(log.Logger),
			httpapi.WithHTTPClient(&http.Client{Timeout: s.Timeout}),
		}
		for k, v := range s.Headers {
			clientOpts = append(clientOpts, httpapi.WithHeader(k, v))
		}
		client, err := httpapi.NewClient(s.BaseURL, clientOpts...)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid status API URL", err)
		}
		return &source{
			sampler:    httpapi.NewSampler(client, instance, classifier),
			refresher:  engine.NoopRefresher{},
			discoverer: httpapi.NewDiscoverer(client),
			close:      func() {},
		}, nil

	case "browser":
		opts := browser.DefaultOptions()
		opts.Headless = s.Headless
		opts.Logger = log.Logger
		session, err := browser.NewSession(opts)
		if err != nil {
			return nil, err
		}
		url := strings.TrimRight(s.BaseURL, "/") + spec.PageFor(instance)
		if err := session.Navigate(ctx, url); err != nil {
			session.Close()
			return nil, err
		}
		return &source{
			sampler:    browserSampler(session, spec, instance, classifier),
			refresher:  browser.NewRefresher(session),
			discoverer: browser.NewTagDiscoverer(session),
			close:      session.Close,
		}, nil

	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown source type %q", s.Type), nil)
	}
}

// browserSampler reads status tags, switching to text matching for resources
// that declare a needle.
func browserSampler(page browser.Page, spec config.WorkflowSpec, instance string, classifier engine.Classifier) engine.StatusSampler {
	tagOpts := []browser.StatusTagOption{browser.WithClassifier(classifier)}
	routed := make(map[string]engine.StatusSampler)

	for _, r := range spec.Resources {
		selector := strings.ReplaceAll(r.Selector, "{name}", instance)
		switch {
		case r.Contains != "":
			if selector == "" {
				selector = browser.StatusTagSelector(r.ID)
			}
			routed[r.ID] = browser.NewTextContainsSampler(page, selector, r.Contains)
		case selector != "":
			tagOpts = append(tagOpts, browser.WithSelector(r.ID, selector))
		}
	}

	tags := browser.NewStatusTagSampler(page, tagOpts...)
	if len(routed) == 0 {
		return tags
	}
	return engine.SamplerFunc(func(ctx context.Context, r engine.Resource) (engine.Observation, error) {
		if s, ok := routed[r.ID]; ok {
			return s.Sample(ctx, r)
		}
		return tags.Sample(ctx, r)
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
