package apply

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// NActionSpec is the Apply API's spec.spec body for kind NAction:
// operators submit new node actions this way, outside the scheduler's
// own convergence-driven creation path.
type NActionSpec struct {
	Kind     string                 `json:"kind"`
	Args     map[string]interface{} `json:"args"`
	Approval orchtypes.ApprovalMode `json:"approval"`
	Metadata map[string]string      `json:"metadata"`
}

// NAction validates env as an NAction object and returns a freshly
// minted, PendingApprove-or-PendingSchedule action ready to persist.
// Apply never updates an existing NAction in place: once created, its
// phase only moves through the action-triggers API or the scheduler.
func NAction(env Envelope, now time.Time) (orchtypes.NAction, error) {
	if env.Kind != KindNAction {
		return orchtypes.NAction{}, &ErrUnsupportedKind{Kind: env.Kind}
	}
	var spec NActionSpec
	if err := json.Unmarshal(env.Spec, &spec); err != nil {
		return orchtypes.NAction{}, fmt.Errorf("decode naction spec: %w", err)
	}

	verr := &ValidationError{}
	if spec.Kind == "" {
		verr.add("spec.kind", "must not be empty")
	}
	if env.Metadata.ClusterID == "" {
		verr.add("metadata.cluster_id", "must not be empty")
	}
	if env.Metadata.NodeID == "" {
		verr.add("metadata.node_id", "must not be empty")
	}
	switch spec.Approval {
	case orchtypes.ApprovalGranted, orchtypes.ApprovalRequired:
	default:
		verr.add("spec.approval", fmt.Sprintf("unknown approval mode %q", spec.Approval))
	}
	if len(verr.Violations) > 0 {
		return orchtypes.NAction{}, verr
	}

	phase := orchtypes.PhasePendingSchedule
	if spec.Approval == orchtypes.ApprovalRequired {
		phase = orchtypes.PhasePendingApprove
	}

	return orchtypes.NAction{
		NsID:        env.Metadata.Namespace,
		ClusterID:   env.Metadata.ClusterID,
		NodeID:      env.Metadata.NodeID,
		ActionID:    uuid.New(),
		Kind:        spec.Kind,
		Args:        spec.Args,
		Approval:    spec.Approval,
		Metadata:    spec.Metadata,
		CreatedTime: now,
		State:       orchtypes.ActionState{Phase: phase},
	}, nil
}
