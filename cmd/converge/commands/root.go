package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/convergence/pkg/config"
	"github.com/openfroyo/convergence/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// settings is loaded before every subcommand runs.
	settings config.Settings
)

// settingsKey annotates flags that override a settings key.
const settingsKey = "converge/settings-key"

// ExitError carries a process exit code. It is returned when a command ran
// successfully but the result it reports is a failure.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Exit codes
const (
	ExitVerificationFailed = 2
	ExitPolicyRejected     = 3
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - readiness verifier for asynchronously provisioned workflows",
		Long: `converge waits for every resource of a provisioning workflow to reach a
terminal status and reports one verdict: success, partial-failure, failed or
timed-out.

Features:
  - Status read from the portal's status API or its rendered pages (Chrome)
  - Workflow catalog in CUE, status vocabulary scripts in Starlark
  - Acceptance policies in Rego
  - Verification history in SQLite
  - Prometheus metrics and OpenTelemetry traces
  - Scripted backend simulator for demos and CI`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadSettings(config.LoadOptions{
				ConfigPath:    configPath,
				FlagOverrides: flagOverrides(cmd),
			})
			if err != nil {
				return err
			}
			settings = loaded
			configureLogging(settings.Log, os.Stderr)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}

// bindSetting marks flag as an override for a dot-notated settings key.
func bindSetting(cmd *cobra.Command, flag, key string) {
	_ = cmd.Flags().SetAnnotation(flag, settingsKey, []string{key})
}

// flagOverrides collects the settings overrides of flags set on the command line.
func flagOverrides(cmd *cobra.Command) map[string]interface{} {
	overrides := make(map[string]interface{})
	cmd.Flags().Visit(func(f *pflag.Flag) {
		keys, ok := f.Annotations[settingsKey]
		if !ok || len(keys) == 0 {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			overrides[keys[0]] = sv.GetSlice()
			return
		}
		overrides[keys[0]] = f.Value.String()
	})
	if verbose {
		overrides["log.level"] = "debug"
	}
	return overrides
}

// configureLogging applies the log settings unless LOG_LEVEL is set.
func configureLogging(ls config.LogSettings, w io.Writer) {
	if ls.Format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}
	if os.Getenv("LOG_LEVEL") == "" || verbose {
		zerolog.SetGlobalLevel(telemetry.ParseLevel(ls.Level))
	}
}
