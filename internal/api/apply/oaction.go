package apply

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// OActionSpec is the Apply API's spec.spec body for kind OAction.
type OActionSpec struct {
	Kind     string                 `json:"kind"`
	Args     map[string]interface{} `json:"args"`
	Approval orchtypes.ApprovalMode `json:"approval"`
}

// OAction validates env as an OAction object and returns a freshly
// minted action ready to persist, the cluster-wide counterpart of
// NAction.
func OAction(env Envelope, now time.Time) (orchtypes.OAction, error) {
	if env.Kind != KindOAction {
		return orchtypes.OAction{}, &ErrUnsupportedKind{Kind: env.Kind}
	}
	var spec OActionSpec
	if err := json.Unmarshal(env.Spec, &spec); err != nil {
		return orchtypes.OAction{}, fmt.Errorf("decode oaction spec: %w", err)
	}

	verr := &ValidationError{}
	if spec.Kind == "" {
		verr.add("spec.kind", "must not be empty")
	}
	if env.Metadata.ClusterID == "" {
		verr.add("metadata.cluster_id", "must not be empty")
	}
	switch spec.Approval {
	case orchtypes.ApprovalGranted, orchtypes.ApprovalRequired:
	default:
		verr.add("spec.approval", fmt.Sprintf("unknown approval mode %q", spec.Approval))
	}
	if len(verr.Violations) > 0 {
		return orchtypes.OAction{}, verr
	}

	phase := orchtypes.PhasePendingSchedule
	if spec.Approval == orchtypes.ApprovalRequired {
		phase = orchtypes.PhasePendingApprove
	}

	return orchtypes.OAction{
		NsID:      env.Metadata.Namespace,
		ClusterID: env.Metadata.ClusterID,
		ActionID:  uuid.New(),
		Kind:      spec.Kind,
		Args:      spec.Args,
		Approval:  spec.Approval,
		State:     phase,
		CreatedTS: now,
	}, nil
}
