/*
Package metrics provides Prometheus metrics collection and health/readiness
exposition for fleetctl.

fleetctl is a long-running control-plane process only while the Autopilot
Loop (spec.md §4.13) is ticking; `fleetctl autopilot --listen` serves
these collectors over HTTP while it runs. One-shot CLI invocations
(list/start/stop/command) update the same package-level collectors, but
only inside their own process, where nothing serves them.

# Metrics Catalog

Fleet Inventory:

fleetctl_vms_total{power_state}:
  - Type: Gauge
  - Description: VMs in the last Directory snapshot, by normalized power
    state (Starting/Running/Stopping/Stopped/Deallocated/Unknown).

fleetctl_sessions_total{status}:
  - Type: Gauge
  - Description: Remote Session Broker entries by status (Pending/
    Running/Completed/Failed/Killed).

Fleet Executor:

fleetctl_fleet_ops_total{op,outcome}:
  - Type: Counter
  - Description: Per-target FleetOp results, labeled by op (start/stop/
    command/sync/metrics_probe) and outcome (success/failure).

fleetctl_fleet_op_duration_seconds{op}:
  - Type: Histogram
  - Description: Wall-clock duration of one per-target FleetOp.

Workflow Orchestrator:

fleetctl_workflow_steps_total{outcome}:
  - Type: Counter
  - Description: WorkflowStep results (success/failure/skipped).

fleetctl_workflow_duration_seconds:
  - Type: Histogram
  - Description: Duration of one full workflow execution.

Metrics Probe:

fleetctl_probe_duration_seconds:
  - Type: Histogram
  - Description: Duration of one SSH metrics probe (spec.md §4.3).

fleetctl_probe_failures_total:
  - Type: Counter
  - Description: Probes that returned success=false (transport error,
    parse failure, or timeout).

SSH Reconnect Handler:

fleetctl_reconnect_attempts_total:
  - Type: Counter
  - Description: Transport invocations made by the reconnect loop,
    including the initial attempt.

fleetctl_reconnect_cleanups_total:
  - Type: Counter
  - Description: cleanup_callback invocations (spec.md §4.10); should
    equal attempts-1 on a run that exhausts retries.

Autopilot Loop:

fleetctl_autopilot_actions_total{action_type,outcome}:
  - Type: Counter
  - Description: Actions passed to the Executor, labeled by action type
    (stop/downsize/alert) and outcome (success/failure); an action refused
    by the rate limit is not counted.

fleetctl_autopilot_tick_duration_seconds:
  - Type: Histogram
  - Description: Duration of one learn -> check-budget -> recommend ->
    execute -> audit tick.

Key Rotator:

fleetctl_key_rotations_total{outcome}:
  - Type: Counter
  - Description: RotateKeys runs by outcome (success/failure).

# Usage

	import "github.com/cuemby/fleetctl/pkg/metrics"

	metrics.VMsTotal.WithLabelValues("Running").Set(12)
	metrics.FleetOpsTotal.WithLabelValues("stop", "success").Inc()

	timer := metrics.NewTimer()
	// ... run the operation ...
	timer.ObserveDuration(metrics.ProbeDuration)

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
	http.Handle("/live", metrics.LivenessHandler())

# Health and Readiness

RegisterComponent/UpdateComponent track the health of fleetctl's external
collaborators (spec.md §1's "treated as external via interfaces only"
list): the ProviderClient, the state file, and the SSH transport.
GetReadiness treats "provider", "statefile", and "transport" as critical
— a component that was never registered is reported not_ready.

# Design Notes

All metrics are package-level variables registered once in init() via
prometheus.MustRegister, following the Prometheus client library's usual
pattern: no per-call registration, no global mutable registry reached
into from outside this package. The Timer helper exists purely to avoid
repeating `time.Since(start).Seconds()` at every call site; it holds no
other state and is safe to create per call.
*/
package metrics
