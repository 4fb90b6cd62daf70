// Package telemetry provides observability for convergence verifications.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus), and an in-process event publisher. The Observer type
// plugs all of them into an engine.Poller:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	poller := engine.NewPoller(sampler, engine.WithObserver(tel.Observer()))
//
// Each verification produces one span named "verification", backdated to the
// start of polling, with a "tick" event per snapshot. Status transitions are
// published as resource.status_changed events.
//
// Key metrics:
//
//   - converge_verifications_started_total{workflow}
//   - converge_verifications_completed_total{workflow,verdict}
//   - converge_verification_duration_seconds{workflow,verdict}
//   - converge_verification_ticks{workflow}
//   - converge_sample_errors_total{workflow,kind,class}
//   - converge_refreshes_total{workflow,result}
//   - converge_resources{workflow,status}
//   - converge_active_verifications
package telemetry
