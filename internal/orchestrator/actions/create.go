package actions

import (
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// initialPhase returns the phase a freshly created action starts in: a
// Required approval gate parks it in PendingApprove, Granted lets it go
// straight to PendingSchedule.
func initialPhase(approval orchtypes.ApprovalMode) orchtypes.Phase {
	if approval == orchtypes.ApprovalRequired {
		return orchtypes.PhasePendingApprove
	}
	return orchtypes.PhasePendingSchedule
}

// NewNAction constructs a fresh NAction targeting nodeID, parked behind
// the approval gate when approval requires it.
func NewNAction(nsID, clusterID, nodeID, kind string, args map[string]interface{}, approval orchtypes.ApprovalMode, now time.Time) orchtypes.NAction {
	return orchtypes.NAction{
		NsID:        nsID,
		ClusterID:   clusterID,
		NodeID:      nodeID,
		ActionID:    uuid.New(),
		Kind:        kind,
		Args:        args,
		Approval:    approval,
		CreatedTime: now,
		State:       orchtypes.ActionState{Phase: initialPhase(approval)},
	}
}

// NewOAction constructs a fresh cluster-wide OAction, parked behind the
// approval gate when approval requires it.
func NewOAction(nsID, clusterID, kind string, args map[string]interface{}, approval orchtypes.ApprovalMode, timeout *time.Duration, now time.Time) orchtypes.OAction {
	return orchtypes.OAction{
		NsID:      nsID,
		ClusterID: clusterID,
		ActionID:  uuid.New(),
		Kind:      kind,
		Args:      args,
		Approval:  approval,
		State:     initialPhase(approval),
		Timeout:   timeout,
		CreatedTS: now,
	}
}
