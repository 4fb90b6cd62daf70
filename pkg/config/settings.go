package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/convergence/pkg/engine"
)

// EnvPrefix prefixes environment overrides, e.g. CONVERGE_SOURCE_BASE_URL.
const EnvPrefix = "CONVERGE"

// Settings holds the runtime configuration of the converge CLI.
type Settings struct {
	Log      LogSettings      `mapstructure:"log"`
	Store    StoreSettings    `mapstructure:"store"`
	Metrics  MetricsSettings  `mapstructure:"metrics"`
	Tracing  TracingSettings  `mapstructure:"tracing"`
	Source   SourceSettings   `mapstructure:"source"`
	Policy   PolicySettings   `mapstructure:"policy"`
	Policies PoliciesSettings `mapstructure:"policies"`

	// Catalog lists extra CUE workflow catalog files merged over the built-in catalog.
	Catalog []string `mapstructure:"catalog"`

	// Classifier is an optional Starlark script defining classify(text).
	Classifier string `mapstructure:"classifier"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// StoreSettings configures verification history.
type StoreSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// TracingSettings configures trace export.
type TracingSettings struct {
	Exporter string  `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string  `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	Sampling float64 `mapstructure:"sampling" validate:"gte=0,lte=1"`
}

// SourceSettings selects where statuses are read from.
type SourceSettings struct {
	// Type is "http" for the status API or "browser" for the portal UI.
	Type     string            `mapstructure:"type" validate:"oneof=http browser"`
	BaseURL  string            `mapstructure:"base_url" validate:"omitempty,url"`
	Headless bool              `mapstructure:"headless"`
	Timeout  time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	Headers  map[string]string `mapstructure:"headers"`
}

// PolicySettings are the default polling parameters. Catalog entries and flags override them.
type PolicySettings struct {
	Interval        time.Duration `mapstructure:"interval" validate:"gte=0"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Concurrency     int           `mapstructure:"concurrency" validate:"gte=0"`
	WarnAfterErrors int           `mapstructure:"warn_after_errors" validate:"gte=0"`
}

// PoliciesSettings configures acceptance policies.
type PoliciesSettings struct {
	// Paths lists rego files or directories loaded in addition to the built-ins.
	Paths []string `mapstructure:"paths"`

	// Disabled lists built-in policy names to skip.
	Disabled []string `mapstructure:"disabled"`

	// Watch reloads policy files on change.
	Watch bool `mapstructure:"watch"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		Log:     LogSettings{Level: "info", Format: "console"},
		Store:   StoreSettings{Enabled: true, Path: "converge.db"},
		Metrics: MetricsSettings{Enabled: false},
		Tracing: TracingSettings{Exporter: "none", Sampling: 1},
		Source: SourceSettings{
			Type:     "http",
			Headless: true,
			Timeout:  10 * time.Second,
		},
		Policy: PolicySettings{
			Interval:        engine.DefaultInterval,
			Timeout:         engine.DefaultTimeout,
			Concurrency:     1,
			WarnAfterErrors: engine.DefaultTransientWarnThreshold,
		},
	}
}

// LoadOptions controls settings loading.
type LoadOptions struct {
	// ConfigPath is an explicit config file. When empty, converge.{yaml,toml}
	// is looked up in the working directory and $HOME/.config/converge.
	ConfigPath string

	// FlagOverrides are highest-priority overrides from CLI flags (dot-notated keys).
	FlagOverrides map[string]interface{}
}

// LoadSettings returns the effective settings after applying precedence:
// defaults < config file < CONVERGE_* environment < flags.
func LoadSettings(opts LoadOptions) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	if opts.ConfigPath != "" {
		v.SetConfigFile(opts.ConfigPath)
	} else {
		v.SetConfigName("converge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/converge")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigPath != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range opts.FlagOverrides {
		v.Set(k, val)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	def := DefaultSettings()

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	v.SetDefault("store.enabled", def.Store.Enabled)
	v.SetDefault("store.path", def.Store.Path)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.listen", def.Metrics.Listen)

	v.SetDefault("tracing.exporter", def.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", def.Tracing.Endpoint)
	v.SetDefault("tracing.sampling", def.Tracing.Sampling)

	v.SetDefault("source.type", def.Source.Type)
	v.SetDefault("source.base_url", def.Source.BaseURL)
	v.SetDefault("source.headless", def.Source.Headless)
	v.SetDefault("source.timeout", def.Source.Timeout)

	v.SetDefault("policy.interval", def.Policy.Interval)
	v.SetDefault("policy.timeout", def.Policy.Timeout)
	v.SetDefault("policy.concurrency", def.Policy.Concurrency)
	v.SetDefault("policy.warn_after_errors", def.Policy.WarnAfterErrors)

	v.SetDefault("policies.paths", def.Policies.Paths)
	v.SetDefault("policies.disabled", def.Policies.Disabled)
	v.SetDefault("policies.watch", def.Policies.Watch)

	v.SetDefault("catalog", def.Catalog)
	v.SetDefault("classifier", def.Classifier)
}

// Validate checks settings with struct tags.
func (s Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return engine.NewConfigurationError("invalid settings", err)
	}
	return nil
}

// PollingPolicy builds the default polling policy from settings.
func (s Settings) PollingPolicy() engine.PollingPolicy {
	p := engine.DefaultPollingPolicy()
	if s.Policy.Interval > 0 {
		p.Interval = s.Policy.Interval
	}
	if s.Policy.Timeout > 0 {
		p.Timeout = s.Policy.Timeout
	}
	if s.Policy.Concurrency > 0 {
		p.MaxConcurrentSamples = s.Policy.Concurrency
	}
	if s.Policy.WarnAfterErrors > 0 {
		p.TransientWarnThreshold = s.Policy.WarnAfterErrors
	}
	return p
}
