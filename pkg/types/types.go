package types

import (
	"regexp"
	"time"
)

// nameRe matches the allowed charset for a VM name (spec: ^[A-Za-z0-9_-]{1,64}$).
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidVMName reports whether name satisfies the VMRecord name invariant.
func ValidVMName(name string) bool {
	return nameRe.MatchString(name)
}

// PowerState is the closed set of VM power states the directory normalizes
// every provider response into.
type PowerState string

const (
	PowerStateStarting    PowerState = "Starting"
	PowerStateRunning     PowerState = "Running"
	PowerStateStopping    PowerState = "Stopping"
	PowerStateStopped     PowerState = "Stopped"
	PowerStateDeallocated PowerState = "Deallocated"
	PowerStateUnknown     PowerState = "Unknown"
)

// VMRecord is an immutable snapshot of one VM in the directory. Callers never
// mutate a returned VMRecord; the directory constructs a fresh value on every
// listing.
type VMRecord struct {
	Name          string
	ResourceGroup string
	Location      string
	VMSize        string
	PublicIP      *string
	PowerState    PowerState
	Tags          map[string]string
	CreatedAt     time.Time
}

// HasPublicIP reports whether the record carries a usable public IP.
func (v VMRecord) HasPublicIP() bool {
	return v.PublicIP != nil && *v.PublicIP != ""
}

// FleetOpKind enumerates the FleetOp variants.
type FleetOpKind int

const (
	OpStart FleetOpKind = iota
	OpStop
	OpCommand
	OpSync
	OpMetricsProbe
)

// String returns the metric/log label for the op kind.
func (k FleetOpKind) String() string {
	switch k {
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpCommand:
		return "command"
	case OpSync:
		return "sync"
	case OpMetricsProbe:
		return "metrics_probe"
	default:
		return "unknown"
	}
}

// FleetOp is one operation dispatched per target by the Fleet Command Executor.
type FleetOp struct {
	Kind        FleetOpKind
	Deallocate  bool          // Stop
	Cmdline     string        // Command
	Timeout     time.Duration // Command
	DryRun      bool          // Sync
}

// OpResult is the outcome of one FleetOp against one target.
type OpResult struct {
	VMName          string
	Success         bool
	Message         string
	Output          *string
	DurationSeconds float64
}

// WorkflowStep is one node in the workflow DAG.
type WorkflowStep struct {
	Name            string
	Command         string
	Condition       string
	DependsOn       []string
	Parallel        bool
	RetryOnFailure  bool
	ContinueOnError bool
}

// ProcessSample is one row of the top-by-CPU table retained from a probe.
type ProcessSample struct {
	PID     int
	User    string
	CPU     float64
	Mem     float64
	Command string
}

// MetricsSample is one probe result for a single VM.
type MetricsSample struct {
	VMName              string
	Success             bool
	Load1m              float64
	Load5m              float64
	Load15m             float64
	CPUPercent          float64
	MemUsedMB           float64
	MemTotalMB          float64
	MemPercent          float64
	TopProcesses        []ProcessSample
	ErrorMessage        string
	ProbeDurationSeconds float64
}

// SessionStatus is the closed set of RemoteSession states.
type SessionStatus string

const (
	SessionPending   SessionStatus = "Pending"
	SessionRunning   SessionStatus = "Running"
	SessionCompleted SessionStatus = "Completed"
	SessionFailed    SessionStatus = "Failed"
	SessionKilled    SessionStatus = "Killed"
)

// RemoteSession is one hosted session under the Session Broker.
type RemoteSession struct {
	SessionID          string        `json:"session_id"`
	VMName             string        `json:"vm_name"`
	WorkspacePath      string        `json:"workspace_path"`
	MultiplexerSession string        `json:"multiplexer_session"`
	Prompt             string        `json:"prompt"`
	CommandMode        string        `json:"command_mode"`
	MaxTurns           int           `json:"max_turns"`
	MemoryMB           int           `json:"memory_mb"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	ExitCode           *int          `json:"exit_code,omitempty"`
}

// MultiplexerSession describes one terminal-multiplexer session living on a VM.
type MultiplexerSession struct {
	SessionName string `toml:"session_name"`
	Windows     int    `toml:"windows"`
	Attached    bool   `toml:"attached"`
}

// TopologyEntry is one allowlisted VM entry inside a StoredTopology.
type TopologyEntry struct {
	Name                string                `toml:"name"`
	ResourceGroup       string                `toml:"resource_group"`
	Location            string                `toml:"location"`
	VMSize              string                `toml:"vm_size"`
	SessionName         string                `toml:"session_name,omitempty"`
	MultiplexerSessions []MultiplexerSession  `toml:"tmux_sessions,omitempty"`
}

// TopologySession is the bit-exact "[session]" table of a StoredTopology
// TOML document.
type TopologySession struct {
	Name          string    `toml:"name"`
	SavedAt       time.Time `toml:"saved_at"`
	ResourceGroup string    `toml:"resource_group"`
}

// StoredTopology is a named snapshot of a fleet for save/load.
type StoredTopology struct {
	Session TopologySession `toml:"session"`
	VMs     []TopologyEntry `toml:"vms"`
}

// WorkflowExecutionState is the mandatory-step tracker persisted per session.
type WorkflowExecutionState struct {
	SessionID        string            `json:"session_id"`
	WorkflowName     string            `json:"workflow_name"`
	TotalSteps       int               `json:"total_steps"`
	CurrentStep      int               `json:"current_step"`
	CompletedSteps   map[int]bool      `json:"completed_steps"`
	SkippedSteps     map[int]string    `json:"skipped_steps"`
	MandatorySteps   map[int]bool      `json:"mandatory_steps"`
	UserOverrides    map[int]string    `json:"user_overrides"`
	TodosInitialized bool              `json:"todos_initialized"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// RotationBackup is a credential-rotation checkpoint.
type RotationBackup struct {
	BackupDir     string
	Timestamp     time.Time
	OldPrivateKey string
	OldPublicKey  string
	VMsAttempted  []string
	VMsUpdated    []string
	VMsFailed     []string
}

// RotationResult is the outcome of a fleet-wide key rotation.
type RotationResult struct {
	Success      bool
	Message      string
	NewKeyPath   string
	BackupPath   string
	VMsUpdated   []string
	VMsFailed    []string
	RolledBack   []string
}

// AllSucceeded reports whether every target VM accepted the new key.
func (r RotationResult) AllSucceeded() bool {
	return len(r.VMsFailed) == 0
}

// ActionType enumerates the autopilot's lifecycle action variants.
type ActionType string

const (
	ActionStop     ActionType = "stop"
	ActionDownsize ActionType = "downsize"
	ActionAlert    ActionType = "alert"
)

// Action is a planned autopilot lifecycle action.
type Action struct {
	ActionType              ActionType
	VMName                  string
	Reason                  string
	EstimatedSavingsMonthly float64
	RequiresConfirmation    bool
	Tags                    map[string]string
}

// ActionResult is the outcome of executing one Action.
type ActionResult struct {
	Action    Action
	Success   bool
	Message   string
	Timestamp time.Time
	DryRun    bool
}

// IdlePeriod is one stop→start gap recovered from the activity log.
type IdlePeriod struct {
	Start           time.Time
	End             time.Time
	DurationMinutes float64
}

// UsagePattern is the learned usage profile for one VM.
type UsagePattern struct {
	VMName          string
	StartHour       int
	EndHour         int
	WorkDays        map[string]bool
	Confidence      float64
	IdlePeriods     []IdlePeriod
	AvgIdleMinutes  float64
	CPUAvgPercent   float64
	LastActivity    time.Time
	Recommendations []string
}

// BudgetStatus is the outcome of checking spend against a configured limit.
type BudgetStatus struct {
	CurrentMonthlyCost   float64
	BudgetMonthly        float64
	Overage              float64
	OveragePercent       float64
	NeedsAction          bool
}

// WorkHours configures the work-hours predicate used by the autopilot.
type WorkHours struct {
	Days      map[string]bool // 3-letter lowercase keys: mon, tue, ...
	StartHour int
	EndHour   int
}
