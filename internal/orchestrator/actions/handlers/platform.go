// Package handlers implements the concrete actions.Handler kinds the
// control plane registers at startup. Each handler's Progress method is the only
// place an OAction kind's side effects happen; the scheduler never
// inspects Kind itself.
package handlers

import (
	"context"
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// PlatformNodeProvisionKind is the OAction kind the convergence engine's
// node-scale-up step creates (internal/orchestrator/converge).
const PlatformNodeProvisionKind = "platform.node.provision"

// PlatformNodeProvision calls ports.PlatformClient.Provision once and
// finishes the action with the result, since provisioning is a single
// RPC with no intermediate progress to poll.
type PlatformNodeProvision struct {
	Platform ports.PlatformClient
}

// Progress issues the provision call described by action.Args
// (node_group_id, count) and reports Done/Failed based on the result.
func (h *PlatformNodeProvision) Progress(ctx context.Context, action orchtypes.OAction) (*actions.ProgressChanges, error) {
	nodeGroup, _ := action.Args["node_group_id"].(string)
	count := argInt(action.Args["count"])

	result, err := h.Platform.Provision(ctx, ports.ProvisionRequest{
		NsID:      action.NsID,
		ClusterID: action.ClusterID,
		NodeGroup: nodeGroup,
		Count:     count,
	})
	if err != nil {
		return &actions.ProgressChanges{
			State:             orchtypes.PhaseFailed,
			StatePayloadError: fmt.Sprintf("provision %s/%s group %s: %s", action.NsID, action.ClusterID, nodeGroup, err),
		}, nil
	}

	return &actions.ProgressChanges{
		State: orchtypes.PhaseDone,
		StatePayload: map[string]interface{}{
			"count":    result.Count,
			"node_ids": result.NodeIDs,
		},
	}, nil
}

func argInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
