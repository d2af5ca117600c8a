/*
Package types defines the core data structures shared across fleetctl.

This package has no behavior of its own: it is the vocabulary that the
directory, executor, orchestrator, broker, and autopilot packages all speak.
Every value here is either a short-lived snapshot (VMRecord, OpResult,
MetricsSample) constructed fresh per call, or a durable record
(RemoteSession, StoredTopology, WorkflowExecutionState) owned by exactly one
package's persistence layer and passed elsewhere only by copy.

# Snapshots vs durable records

Snapshot types (VMRecord, OpResult, MetricsSample, Action, ActionResult) are
never mutated after they are returned to a caller; a new fan-out call
produces new values. Durable types (RemoteSession, StoredTopology,
WorkflowExecutionState, RotationBackup) round-trip through a state file and
carry the field tags (json/toml) their owning package's serialization format
requires.

# Closed enumerations

PowerState, SessionStatus, FleetOpKind and ActionType are closed sets. A
value read from an external interface (ProviderClient JSON, a persisted
state file) that does not match one of these is normalized to the
"Unknown"/zero variant by the component doing the reading, never left as a
raw string threaded through the rest of the system.
*/
package types
