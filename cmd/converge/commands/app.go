package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/policy"
	"github.com/openfroyo/convergence/pkg/stores"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

// newTelemetry builds telemetry from the loaded settings.
func newTelemetry(s config.Settings, environment string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if environment != "" {
		cfg.Environment = environment
	}
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.Listen

	cfg.Tracing.Enabled = s.Tracing.Exporter != "none"
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.Sampling

	return telemetry.NewTelemetry(cfg)
}

// openStore opens the history database, or returns nil when history is disabled.
func openStore(ctx context.Context, s config.Settings) (*stores.SQLiteStore, error) {
	if !s.Store.Enabled {
		return nil, nil
	}
	store, err := stores.Open(ctx, s.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", s.Store.Path, err)
	}
	return store, nil
}

// requireStore opens the history database for commands that cannot work without it.
func requireStore(ctx context.Context, s config.Settings) (*stores.SQLiteStore, error) {
	if !s.Store.Enabled {
		return nil, engine.NewConfigurationError("verification history is disabled (store.enabled=false)", nil)
	}
	return openStore(ctx, s)
}

// loadCatalog merges the configured catalog files, plus extra, over the built-in catalog.
func loadCatalog(s config.Settings, extra ...string) (*config.Catalog, error) {
	paths := append(append([]string{}, s.Catalog...), extra...)
	return config.LoadCatalog(paths...)
}

// loadClassifier compiles the configured Starlark classifier, or returns nil
// to use the default vocabulary.
func loadClassifier(s config.Settings) (engine.Classifier, error) {
	if s.Classifier == "" {
		return nil, nil
	}
	script, err := os.ReadFile(s.Classifier)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read classifier script", err)
	}
	classifier, err := config.NewStarlarkClassifier(string(script))
	if err != nil {
		return nil, err
	}
	return classifier, nil
}

// newPolicyEngine creates a policy engine with the built-ins and the configured policy files.
func newPolicyEngine(ctx context.Context, s config.Settings, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger, policy.DefaultSettings())
	if err != nil {
		return nil, err
	}
	if len(s.Policies.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, s.Policies.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range s.Policies.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// storedViolations converts policy violations for persistence.
func storedViolations(vs []policy.Violation) ([]stores.Violation, error) {
	out := make([]stores.Violation, 0, len(vs))
	for _, v := range vs {
		sv := stores.Violation{
			Policy:     v.Policy,
			ResourceID: v.Resource,
			Severity:   string(v.Severity),
			Message:    v.Message,
			DetectedAt: v.DetectedAt,
		}
		if len(v.Details) > 0 {
			data, err := json.Marshal(v.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to encode violation details: %w", err)
			}
			details := string(data)
			sv.Details = &details
		}
		out = append(out, sv)
	}
	return out, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
