// Package orchtypes defines the entities reconciled by the orchestration
// core: namespaces, cluster specs, discovery, nodes, shards, node and
// orchestrator actions, convergence state, and the per-cycle report.
//
// Types here carry no behavior beyond small invariant helpers; the state
// machines that operate on them live in internal/orchestrator/actions and
// the indexes in internal/clusterview.
package orchtypes

import (
	"time"

	"github.com/google/uuid"
)

// NamespaceStatus is the lifecycle state of a tenancy root.
type NamespaceStatus string

const (
	NamespaceActive   NamespaceStatus = "Active"
	NamespaceDeleting NamespaceStatus = "Deleting"
	NamespaceDeleted  NamespaceStatus = "Deleted"
)

// CanTransition reports whether a namespace may move from its current
// status to next. Deleted is terminal; Deleting may only become Deleted.
func (s NamespaceStatus) CanTransition(next NamespaceStatus) bool {
	switch s {
	case NamespaceDeleted:
		return false
	case NamespaceDeleting:
		return next == NamespaceDeleted
	default:
		return true
	}
}

// OrchestrateSettings bounds the scheduler's retry behavior for a namespace.
type OrchestrateSettings struct {
	MaxNActionScheduleAttempts int `yaml:"max_naction_schedule_attempts" json:"max_naction_schedule_attempts"`
}

// NamespaceSettings holds per-namespace caps and per-cluster defaults.
type NamespaceSettings struct {
	Orchestrate OrchestrateSettings `yaml:"orchestrate" json:"orchestrate"`
}

// Namespace is the tenancy root that scopes clusters, specs, and actions.
type Namespace struct {
	ID       string            `db:"id" json:"id"`
	Status   NamespaceStatus   `db:"status" json:"status"`
	Settings NamespaceSettings `db:"settings" json:"settings"`
}

// ApprovalMode gates whether an action may run without operator sign-off.
type ApprovalMode string

const (
	ApprovalGranted  ApprovalMode = "Granted"
	ApprovalRequired ApprovalMode = "Required"
)

// InitialiseMode controls whether the core is allowed to bootstrap a
// cluster's first node automatically.
type InitialiseMode string

const (
	InitialiseManaged    InitialiseMode = "Managed"
	InitialiseNotManaged InitialiseMode = "NotManaged"
)

// NodeSearch is a declarative predicate over discovered nodes, used to
// pick the target of the cluster-init NAction.
type NodeSearch struct {
	NodeGroup string `yaml:"node_group,omitempty" json:"node_group,omitempty"`
	NodeClass string `yaml:"node_class,omitempty" json:"node_class,omitempty"`
}

// Initialise configures the cluster initialisation convergence step.
type Initialise struct {
	Mode       InitialiseMode         `yaml:"mode" json:"mode"`
	Grace      time.Duration          `yaml:"grace" json:"grace"`
	ActionArgs map[string]interface{} `yaml:"action_args,omitempty" json:"action_args,omitempty"`
	NodeSearch NodeSearch             `yaml:"node_search" json:"node_search"`
}

// NodeGroupDefinition declares the desired shape of one node group.
type NodeGroupDefinition struct {
	DesiredCount int `yaml:"desired_count" json:"desired_count"`
}

// ClusterDefinition is the map of node groups making up a cluster's
// declared shape.
type ClusterDefinition struct {
	Nodes map[string]NodeGroupDefinition `yaml:"nodes" json:"nodes"`
}

// OrchestrationMode gates whether the scheduler may dispatch node
// actions (Act) or only observe and report what it would do (Observe).
type OrchestrationMode string

const (
	OrchestrationModeAct     OrchestrationMode = "Act"
	OrchestrationModeObserve OrchestrationMode = "Observe"
)

// Declaration is the declared cluster shape: whether orchestration is
// active, the approval gate, initialisation policy, node group
// definition, and the scale-up grace period.
type Declaration struct {
	Active     bool              `yaml:"active" json:"active"`
	Mode       OrchestrationMode `yaml:"mode" json:"mode"`
	Approval   ApprovalMode      `yaml:"approval" json:"approval"`
	Initialise Initialise        `yaml:"initialise" json:"initialise"`
	Definition ClusterDefinition `yaml:"definition" json:"definition"`
	GraceUp    time.Duration     `yaml:"grace_up" json:"grace_up"`
}

// ClusterSpec is the declared shape of one cluster.
type ClusterSpec struct {
	NsID        string      `db:"ns_id" json:"ns_id"`
	Name        string      `db:"name" json:"name"`
	Declaration Declaration `db:"declaration" json:"declaration"`
}

// ClusterID is the spec's own identifier for store lookups: specs are
// keyed by (ns_id, name) exactly like every other cluster-scoped entity.
func (s ClusterSpec) ClusterID() string { return s.Name }

// DiscoveredNode is one node as reported by the platform's discovery call.
type DiscoveredNode struct {
	NodeID       string `db:"node_id" json:"node_id"`
	NodeGroup    string `db:"node_group" json:"node_group"`
	AgentAddress string `db:"agent_address" json:"agent_address"`
	NodeClass    string `db:"node_class" json:"node_class"`
}

// ClusterDiscovery is the observed cluster membership from the platform.
type ClusterDiscovery struct {
	NsID      string           `db:"ns_id" json:"ns_id"`
	ClusterID string           `db:"cluster_id" json:"cluster_id"`
	Nodes     []DiscoveredNode `db:"nodes" json:"nodes"`
}

// Platform is the per-namespace Platform client connection the Apply
// API's kind:Platform object configures. The Apply API persists it;
// nothing in this module reads it back, and the process-wide
// ports.PlatformClient is built from internal/platformclient.Config
// instead. Its fields mirror that Config's shape (file-path certs, not
// inline PEM).
type Platform struct {
	NsID        string `db:"ns_id" json:"ns_id"`
	Name        string `db:"name" json:"name"`
	BaseURL     string `db:"base_url" json:"base_url"`
	TLSEnabled  bool   `db:"tls_enabled" json:"tls_enabled"`
	TLSCertFile string `db:"tls_cert_file" json:"tls_cert_file,omitempty"`
	TLSKeyFile  string `db:"tls_key_file" json:"tls_key_file,omitempty"`
	TLSCAFile   string `db:"tls_ca_file" json:"tls_ca_file,omitempty"`
}

// NodeStatus is the health classification the core assigns a node based
// on sync results.
type NodeStatus string

const (
	NodeNotInCluster NodeStatus = "NotInCluster"
	NodeHealthy      NodeStatus = "Healthy"
	NodeUnhealthy    NodeStatus = "Unhealthy"
	NodeUnknown      NodeStatus = "Unknown"
)

// Node is the per-node record the core maintains from agent sync.
type Node struct {
	NsID       string                 `db:"ns_id" json:"ns_id"`
	ClusterID  string                 `db:"cluster_id" json:"cluster_id"`
	NodeID     string                 `db:"node_id" json:"node_id"`
	NodeStatus NodeStatus             `db:"node_status" json:"node_status"`
	NodeGroup  string                 `db:"node_group" json:"node_group"`
	Kind       string                 `db:"kind" json:"kind"`
	Version    string                 `db:"version" json:"version"`
	Details    map[string]interface{} `db:"details" json:"details,omitempty"`

	// LastShardProgress records when the node's shards last showed a
	// commit offset advance; zero until the first fully fresh sync. See
	// DESIGN.md "shard staleness" for the definition this implements.
	LastShardProgress time.Time `db:"last_shard_progress" json:"last_shard_progress,omitempty"`
}

// Key returns the composite identifier used to index a node.
func (n Node) Key() string { return n.NsID + "." + n.ClusterID + "." + n.NodeID }

// ShardRole classifies a shard replica's role within its shard group.
type ShardRole string

const (
	ShardPrimary   ShardRole = "Primary"
	ShardSecondary ShardRole = "Secondary"
	ShardUnknown   ShardRole = "Unknown"
)

// Shard is one node's replica of one shard.
type Shard struct {
	NsID         string    `db:"ns_id" json:"ns_id"`
	ClusterID    string    `db:"cluster_id" json:"cluster_id"`
	NodeID       string    `db:"node_id" json:"node_id"`
	ShardID      string    `db:"shard_id" json:"shard_id"`
	Role         ShardRole `db:"role" json:"role"`
	CommitOffset int64     `db:"commit_offset" json:"commit_offset"`
	Lag          int64     `db:"lag" json:"lag"`
}

// Key returns the composite identifier used to index a shard.
func (s Shard) Key() string { return s.NsID + "." + s.ClusterID + "." + s.NodeID + "." + s.ShardID }

// Phase is the lifecycle phase shared by NAction and OAction.
type Phase string

const (
	PhasePendingApprove  Phase = "PendingApprove"
	PhasePendingSchedule Phase = "PendingSchedule"
	PhaseRunning         Phase = "Running"
	PhaseDone            Phase = "Done"
	PhaseFailed          Phase = "Failed"
	PhaseLost            Phase = "Lost"
	PhaseCancelled       Phase = "Cancelled"
)

// TerminalPhases is the set of phases after which an action never changes.
var TerminalPhases = map[Phase]bool{
	PhaseDone:      true,
	PhaseFailed:    true,
	PhaseLost:      true,
	PhaseCancelled: true,
}

// IsTerminal reports whether p is a terminal phase.
func (p Phase) IsTerminal() bool { return TerminalPhases[p] }

// transitions enumerates the allowed phase -> phase edges shared by
// NAction and OAction. OActions never enter Lost (only agent-side work
// can vanish), but sharing one table keeps the DAG in a single place;
// nothing ever requests Running -> Lost for an OAction.
var transitions = map[Phase][]Phase{
	PhasePendingApprove:  {PhasePendingSchedule, PhaseCancelled},
	PhasePendingSchedule: {PhaseRunning, PhaseFailed, PhaseCancelled},
	PhaseRunning:         {PhaseDone, PhaseFailed, PhaseLost, PhaseCancelled},
}

// CanTransitionTo reports whether p -> next is a legal edge in the shared
// phase DAG. Terminal phases never transition further.
func (p Phase) CanTransitionTo(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActionState carries an action's phase plus optional error/payload data.
type ActionState struct {
	Phase   Phase                  `db:"phase" json:"phase"`
	Error   *ActionError           `db:"error" json:"error,omitempty"`
	Payload map[string]interface{} `db:"payload" json:"payload,omitempty"`
}

// ActionError records a scheduling or execution failure plus a retry
// counter.
type ActionError struct {
	Attempts  int       `db:"attempts" json:"attempts"`
	LastError string    `db:"last_error" json:"last_error"`
	At        time.Time `db:"at" json:"at"`
}

// NAction is a unit of work targeted at a specific node, executed by its
// agent.
type NAction struct {
	NsID          string                 `db:"ns_id" json:"ns_id"`
	ClusterID     string                 `db:"cluster_id" json:"cluster_id"`
	NodeID        string                 `db:"node_id" json:"node_id"`
	ActionID      uuid.UUID              `db:"action_id" json:"action_id"`
	Kind          string                 `db:"kind" json:"kind"`
	Args          map[string]interface{} `db:"args" json:"args,omitempty"`
	Approval      ApprovalMode           `db:"approval" json:"approval"`
	Metadata      map[string]string      `db:"metadata" json:"metadata,omitempty"`
	CreatedTime   time.Time              `db:"created_time" json:"created_time"`
	ScheduledTime *time.Time             `db:"scheduled_time" json:"scheduled_time,omitempty"`
	FinishedTime  *time.Time             `db:"finished_time" json:"finished_time,omitempty"`
	State         ActionState            `db:"state" json:"state"`
}

// Key returns the composite identifier used to index an NAction by node.
func (a NAction) Key() string { return a.NsID + "." + a.ClusterID + "." + a.NodeID + "." + a.ActionID.String() }

// ScheduleMode classifies how an OAction kind interacts with the
// scheduler's concurrency gates.
type ScheduleMode string

// Exclusive OActions must run alone in their cluster: no other OAction or
// NAction may be Running while one is.
const ScheduleModeExclusive ScheduleMode = "Exclusive"

// OAction is a cluster-wide unit of work executed by the control plane
// itself (e.g. calling the Platform client to provision nodes).
type OAction struct {
	NsID              string                 `db:"ns_id" json:"ns_id"`
	ClusterID         string                 `db:"cluster_id" json:"cluster_id"`
	ActionID          uuid.UUID              `db:"action_id" json:"action_id"`
	Kind              string                 `db:"kind" json:"kind"`
	Args              map[string]interface{} `db:"args" json:"args,omitempty"`
	Approval          ApprovalMode           `db:"approval" json:"approval"`
	State             Phase                  `db:"state" json:"state"`
	Timeout           *time.Duration         `db:"timeout" json:"timeout,omitempty"`
	CreatedTS         time.Time              `db:"created_ts" json:"created_ts"`
	ScheduledTS       *time.Time             `db:"scheduled_ts" json:"scheduled_ts,omitempty"`
	FinishedTS        *time.Time             `db:"finished_ts" json:"finished_ts,omitempty"`
	StatePayload      map[string]interface{} `db:"state_payload" json:"state_payload,omitempty"`
	StatePayloadError string                 `db:"state_payload_error" json:"state_payload_error,omitempty"`
}

// Key returns the composite identifier used to index an OAction by ID.
func (a OAction) Key() string { return a.NsID + "." + a.ClusterID + "." + a.ActionID.String() }

// ConvergeState is the per-cluster persisted backoff bookkeeping for
// convergence steps.
type ConvergeState struct {
	NsID      string               `db:"ns_id" json:"ns_id"`
	ClusterID string               `db:"cluster_id" json:"cluster_id"`
	Graces    map[string]time.Time `db:"graces" json:"graces"`
}

// Convergence step identifiers, used as ConvergeState.Graces keys.
const (
	StepClusterInit = "ClusterInit"
	StepNodeScaleUp = "NodeScaleUp"
)

// Severity classifies a report Note.
type Severity string

const (
	SeverityInfo    Severity = "Info"
	SeverityWarning Severity = "Warning"
	SeverityError   Severity = "Error"
)

// Note is a single structured observation recorded on a report.
type Note struct {
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	NodeID   string    `json:"node_id,omitempty"`
	ActionID uuid.UUID `json:"action_id,omitempty"`
}

// Outcome summarizes whether a cycle succeeded.
type Outcome struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	ErrorCauses []string `json:"error_causes,omitempty"`
}

// OrchestrateReport is the structured record of one orchestration cycle.
type OrchestrateReport struct {
	NsID      string        `db:"ns_id" json:"ns_id"`
	ClusterID string        `db:"cluster_id" json:"cluster_id"`
	StartTime time.Time     `db:"start_time" json:"start_time"`
	Duration  time.Duration `db:"duration" json:"duration"`
	Outcome   Outcome       `db:"outcome" json:"outcome"`

	NodesSynced               int `db:"nodes_synced" json:"nodes_synced"`
	NodesFailed               int `db:"nodes_failed" json:"nodes_failed"`
	NodeActionsScheduled      int `db:"node_actions_scheduled" json:"node_actions_scheduled"`
	NodeActionsScheduleFailed int `db:"node_actions_schedule_failed" json:"node_actions_schedule_failed"`
	NodeActionsLost           int `db:"node_actions_lost" json:"node_actions_lost"`

	ActionSchedulingChoices *SchedChoice `db:"action_scheduling_choices" json:"action_scheduling_choices,omitempty"`
	Notes                   []Note       `db:"notes" json:"notes"`
}

// SchedChoice is the decision record describing which action classes may
// or may not be scheduled this cycle and why.
type SchedChoice struct {
	BlockNode                  bool     `json:"block_node"`
	BlockOrchestratorExclusive bool     `json:"block_orchestrator_exclusive"`
	Reasons                    []string `json:"reasons"`
}

// Scheduling reason tags attached to a SchedChoice.
const (
	ReasonAnyNodePending                 = "AnyNodePending"
	ReasonAnyNodeRunning                 = "AnyNodeRunning"
	ReasonFoundOrchestratorExclusivePend = "FoundOrchestratorExclusivePending"
	ReasonFoundOrchestratorExclusiveRun  = "FoundOrchestratorExclusiveRunning"
)
