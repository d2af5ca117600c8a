package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet inventory
	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_vms_total",
			Help: "Total number of VMs by power state",
		},
		[]string{"power_state"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetctl_sessions_total",
			Help: "Total number of remote sessions by status",
		},
		[]string{"status"},
	)

	// Fleet executor
	FleetOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_fleet_ops_total",
			Help: "Total number of per-target fleet operations by op type and outcome",
		},
		[]string{"op", "outcome"},
	)

	FleetOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_fleet_op_duration_seconds",
			Help:    "Duration of one per-target fleet operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Workflow orchestrator
	WorkflowStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_workflow_steps_total",
			Help: "Total number of workflow steps by outcome",
		},
		[]string{"outcome"},
	)

	WorkflowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_workflow_duration_seconds",
			Help:    "Time taken to execute a full workflow in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Metrics probe
	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_probe_duration_seconds",
			Help:    "Time taken by one metrics probe over SSH in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetctl_probe_failures_total",
			Help: "Total number of metrics probes that did not succeed",
		},
	)

	// Reconnect handler
	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetctl_reconnect_attempts_total",
			Help: "Total number of SSH reconnect attempts performed",
		},
	)

	ReconnectCleanupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetctl_reconnect_cleanups_total",
			Help: "Total number of reconnect cleanup callbacks invoked",
		},
	)

	// Autopilot
	AutopilotActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_autopilot_actions_total",
			Help: "Total number of autopilot actions executed by type and outcome",
		},
		[]string{"action_type", "outcome"},
	)

	AutopilotTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetctl_autopilot_tick_duration_seconds",
			Help:    "Time taken by one autopilot learn-check-recommend-execute tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Key rotation
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_key_rotations_total",
			Help: "Total number of key rotation runs by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(FleetOpsTotal)
	prometheus.MustRegister(FleetOpDuration)
	prometheus.MustRegister(WorkflowStepsTotal)
	prometheus.MustRegister(WorkflowDuration)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(ProbeFailuresTotal)
	prometheus.MustRegister(ReconnectAttemptsTotal)
	prometheus.MustRegister(ReconnectCleanupsTotal)
	prometheus.MustRegister(AutopilotActionsTotal)
	prometheus.MustRegister(AutopilotTickDuration)
	prometheus.MustRegister(KeyRotationsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
