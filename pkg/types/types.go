package types

import (
	"time"
)

// AgentKind identifies one of the supported agent identities. Each kind maps
// to a container image, an ECS task definition and a set of secret
// requirements in the agent catalog.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
	AgentAider  AgentKind = "aider"
	AgentGrok   AgentKind = "grok"
)

// AgentKinds lists every supported agent kind. Order is stable for metrics
// and health reporting.
var AgentKinds = []AgentKind{AgentClaude, AgentCodex, AgentGemini, AgentAider, AgentGrok}

// Valid reports whether k is a known agent kind.
func (k AgentKind) Valid() bool {
	for _, known := range AgentKinds {
		if k == known {
			return true
		}
	}
	return false
}

// DispatchStatus represents the lifecycle state of a dispatch
type DispatchStatus string

const (
	StatusPending   DispatchStatus = "PENDING"
	StatusRunning   DispatchStatus = "RUNNING"
	StatusCompleted DispatchStatus = "COMPLETED"
	StatusFailed    DispatchStatus = "FAILED"
	StatusTimeout   DispatchStatus = "TIMEOUT"
	StatusCancelled DispatchStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s DispatchStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the dispatch lifecycle graph. Terminal states have no
// outgoing edges.
var validTransitions = map[DispatchStatus][]DispatchStatus{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to DispatchStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkspaceInitMode controls how much repository state the launched container
// prepares before running the task.
type WorkspaceInitMode string

const (
	WorkspaceInitFull    WorkspaceInitMode = "full"
	WorkspaceInitMinimal WorkspaceInitMode = "minimal"
	WorkspaceInitNone    WorkspaceInitMode = "none"
)

// Valid reports whether m is a known workspace init mode.
func (m WorkspaceInitMode) Valid() bool {
	switch m {
	case WorkspaceInitFull, WorkspaceInitMinimal, WorkspaceInitNone:
		return true
	}
	return false
}

// Input bounds enforced at dispatch time.
const (
	TaskMinLength     = 10
	TaskMaxLength     = 50000
	TimeoutMinSeconds = 30
	TimeoutMaxSeconds = 86400

	// RetentionDays is how long dispatch records are kept before the
	// store-level TTL sweep removes them.
	RetentionDays = 90
)

// IdempotencyWindow is how long a (user_id, idempotency_key) pair resolves to
// the same dispatch.
const IdempotencyWindow = 24 * time.Hour

// ResourceConstraints override the agent's default task sizing.
type ResourceConstraints struct {
	CPUUnits int `json:"cpu_units,omitempty" dynamodbav:"cpu_units,omitempty"`
	MemoryMB int `json:"memory_mb,omitempty" dynamodbav:"memory_mb,omitempty"`
	DiskGB   int `json:"disk_gb,omitempty" dynamodbav:"disk_gb,omitempty"`
}

// Dispatch is one scheduled execution of an agent against a task. It is the
// central entity of the control plane; the store owns it and every state
// transition is a single version-guarded conditional write.
type Dispatch struct {
	DispatchID string            `json:"dispatch_id" dynamodbav:"dispatch_id"`
	UserID     string            `json:"user_id" dynamodbav:"user_id"`
	AgentKind  AgentKind         `json:"agent_kind" dynamodbav:"agent_kind"`
	ModelID    string            `json:"model_id" dynamodbav:"model_id"`
	Tags       map[string]string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`

	Task              string               `json:"task" dynamodbav:"task"`
	RepoURL           string               `json:"repo_url,omitempty" dynamodbav:"repo_url,omitempty"`
	Branch            string               `json:"branch,omitempty" dynamodbav:"branch,omitempty"`
	WorkspaceInitMode WorkspaceInitMode    `json:"workspace_init_mode" dynamodbav:"workspace_init_mode"`
	TimeoutSeconds    int                  `json:"timeout_seconds" dynamodbav:"timeout_seconds"`
	Resources         *ResourceConstraints `json:"resource_constraints,omitempty" dynamodbav:"resource_constraints,omitempty"`
	AdditionalSecrets []string             `json:"additional_secrets,omitempty" dynamodbav:"additional_secrets,omitempty"`

	Status        DispatchStatus `json:"status" dynamodbav:"status"`
	Version       int64          `json:"version" dynamodbav:"version"`
	StartedAt     time.Time      `json:"started_at" dynamodbav:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty" dynamodbav:"ended_at,omitempty"`
	TaskARN       string         `json:"task_arn,omitempty" dynamodbav:"task_arn,omitempty"`
	WorkspaceID   string         `json:"workspace_id,omitempty" dynamodbav:"workspace_id,omitempty"`
	ArtifactsURL  string         `json:"artifacts_url,omitempty" dynamodbav:"artifacts_url,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty" dynamodbav:"exit_code,omitempty"`
	StoppedReason string         `json:"stopped_reason,omitempty" dynamodbav:"stopped_reason,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty" dynamodbav:"idempotency_key,omitempty"`

	// ExpiresAt is Unix epoch seconds consumed by the store TTL.
	ExpiresAt int64 `json:"expires_at" dynamodbav:"expires_at"`
}

// StatusPatch carries the optional fields applied alongside a status
// transition. Zero values leave the stored field untouched.
type StatusPatch struct {
	TaskARN       string
	WorkspaceID   string
	ArtifactsURL  string
	ErrorMessage  string
	EndedAt       *time.Time
	ExitCode      *int
	StoppedReason string
}

// SlotState represents the state of a warm task slot.
type SlotState string

const (
	SlotIdle     SlotState = "idle"
	SlotInUse    SlotState = "in_use"
	SlotDraining SlotState = "draining"
)

// WarmSlot is a pre-provisioned task slot owned exclusively by the warm pool.
type WarmSlot struct {
	SlotID            string
	AgentKind         AgentKind
	State             SlotState
	CreatedAt         time.Time
	LastUsedAt        time.Time
	CurrentDispatchID string
}

// SlotOutcome tells the pool how a checked-out slot was used.
type SlotOutcome string

const (
	SlotOutcomeOK      SlotOutcome = "ok"
	SlotOutcomeFaulted SlotOutcome = "faulted"
)

// StopCode enumerates the platform-level stop reasons carried on
// task-terminated events.
type StopCode string

const (
	StopTaskFailedToStart         StopCode = "TaskFailedToStart"
	StopEssentialContainerExited  StopCode = "EssentialContainerExited"
	StopUserInitiated             StopCode = "UserInitiated"
	StopServiceSchedulerInitiated StopCode = "ServiceSchedulerInitiated"
	StopSpotInterruption          StopCode = "SpotInterruption"
	StopTerminationNotice         StopCode = "TerminationNotice"
)

// ContainerDetail is the per-container slice of a task-terminated event.
type ContainerDetail struct {
	Name      string            `json:"name"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt *time.Time        `json:"createdAt,omitempty"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	StoppedAt *time.Time        `json:"stoppedAt,omitempty"`
	Env       map[string]string `json:"environment,omitempty"`
}

// TaskStoppedEvent is the decoded shape of an inbound task-state-change
// event. Delivery is at-least-once; processing must be idempotent.
type TaskStoppedEvent struct {
	TaskARN       string            `json:"taskArn"`
	ClusterARN    string            `json:"clusterArn"`
	LastStatus    string            `json:"lastStatus"`
	DesiredStatus string            `json:"desiredStatus"`
	StopCode      StopCode          `json:"stopCode,omitempty"`
	StoppedReason string            `json:"stoppedReason,omitempty"`
	StoppedAt     *time.Time        `json:"stoppedAt,omitempty"`
	StartedBy     string            `json:"startedBy,omitempty"`
	Group         string            `json:"group,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Containers    []ContainerDetail `json:"containers"`
}

// MainContainer returns the container whose exit code decides the terminal
// status: the one named "worker" when present, else the first.
func (e *TaskStoppedEvent) MainContainer() *ContainerDetail {
	for i := range e.Containers {
		if e.Containers[i].Name == "worker" {
			return &e.Containers[i]
		}
	}
	if len(e.Containers) > 0 {
		return &e.Containers[0]
	}
	return nil
}

// PoolMetrics is a point-in-time view of one agent's warm pool.
type PoolMetrics struct {
	Kind  AgentKind `json:"kind"`
	Idle  int       `json:"idle"`
	InUse int       `json:"in_use"`
	Total int       `json:"total"`
}

// AgentDispatchMetrics aggregates recent dispatch outcomes for one agent.
type AgentDispatchMetrics struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// DispatchMetrics aggregates dispatch records started within a window.
type DispatchMetrics struct {
	Total    int                                `json:"total"`
	ByStatus map[DispatchStatus]int             `json:"by_status"`
	ByAgent  map[AgentKind]AgentDispatchMetrics `json:"by_agent"`
}

// Progress derives the coarse completion percentage exposed on the status
// read path.
func Progress(s DispatchStatus) int {
	switch {
	case s == StatusRunning:
		return 50
	case s.Terminal():
		return 100
	}
	return 0
}

// LogLine is one log event returned on the status read path.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}
