package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/simulator"
)

func newSimulateCommand() *cobra.Command {
	var (
		listen string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Serve a scripted status backend",
		Long: `Serve the status API and portal pages from a YAML scenario.

Each resource follows a timeline of statuses, with optional windows of
transient errors or missing resources. Timelines start when the server starts
and can be restarted per workflow with POST /workflows/{name}/reset.

With --watch the scenario is reloaded when the file changes.`,
		Example: `  # Serve a scenario and verify against it
  converge simulate ./scenario.yaml --listen :8080 &
  converge verify microservice checkout --base-url http://localhost:8080`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), args[0], listen, watch)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "listen address")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the scenario when the file changes")

	return cmd
}

func runSimulate(ctx context.Context, path, listen string, watch bool) error {
	scenario, err := simulator.LoadScenario(path)
	if err != nil {
		return err
	}

	tel, err := newTelemetry(settings, "simulator")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	tel.Metrics.StartMetricsServer(ctx, log.Logger)

	server := simulator.NewServer(scenario, engine.SystemClock{}, log.Logger)
	if watch {
		if err := simulator.NewWatcher(path, server, log.Logger).Start(ctx); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", listen).
			Strs("workflows", scenario.WorkflowNames()).
			Msg("Simulator listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		log.Info().Msg("Stopping simulator")
		return httpServer.Shutdown(shutdownCtx)
	}
}
