package ports

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// NodeSpecificError wraps any agent I/O failure that should be confined
// to the failing node rather than aborting the whole cycle. The sync
// stage's classifier walks the error chain with errors.As to find this
// wrapper.
type NodeSpecificError struct {
	NodeID string
	Err    error
}

func (e *NodeSpecificError) Error() string {
	return "node " + e.NodeID + ": " + e.Err.Error()
}

func (e *NodeSpecificError) Unwrap() error { return e.Err }

// ErrScheduleActionDuplicateID is returned by AgentClient.ActionSchedule
// when the agent already has an action with the submitted ID; the
// scheduler treats this as a successful idempotent resubmit.
var ErrScheduleActionDuplicateID = errors.New("agent: duplicate action id")

// AsNodeSpecific unwraps err into a *NodeSpecificError if the chain
// contains one.
func AsNodeSpecific(err error) (*NodeSpecificError, bool) {
	var nse *NodeSpecificError
	if errors.As(err, &nse) {
		return nse, true
	}
	return nil, false
}

// ActionSummary is the lightweight listing returned by the agent's
// finished/queue endpoints.
type ActionSummary struct {
	ID uuid.UUID `json:"id"`
}

// ActionExecution is the full agent-reported record for one action.
type ActionExecution struct {
	ID            uuid.UUID              `json:"id"`
	Kind          string                 `json:"kind"`
	Args          map[string]interface{} `json:"args"`
	Metadata      map[string]string      `json:"metadata"`
	CreatedTime   time.Time              `json:"created_time"`
	ScheduledTime *time.Time             `json:"scheduled_time,omitempty"`
	FinishedTime  *time.Time             `json:"finished_time,omitempty"`
	State         orchtypes.ActionState  `json:"state"`
}

// ActionExecutionRequest is the body of a schedule request to an agent.
type ActionExecutionRequest struct {
	ID          uuid.UUID              `json:"id"`
	Kind        string                 `json:"kind"`
	Args        map[string]interface{} `json:"args"`
	CreatedTime time.Time              `json:"created_time"`
	Metadata    map[string]string      `json:"metadata"`
}

// AgentClient is the per-node HTTP/JSON transport to a node's agent.
type AgentClient interface {
	InfoNode(ctx context.Context) (*orchtypes.Node, error)
	InfoShards(ctx context.Context) ([]orchtypes.Shard, error)
	ActionsFinished(ctx context.Context) ([]ActionSummary, error)
	ActionsQueue(ctx context.Context) ([]ActionSummary, error)
	ActionLookup(ctx context.Context, id uuid.UUID) (*ActionExecution, error)
	ActionSchedule(ctx context.Context, req ActionExecutionRequest) error
}

// AgentClientFactory builds an AgentClient for a specific node in a
// specific namespace/cluster.
type AgentClientFactory interface {
	ForNode(nsID string, spec orchtypes.ClusterSpec, node orchtypes.DiscoveredNode) (AgentClient, error)
}
