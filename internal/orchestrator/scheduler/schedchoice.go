// Package scheduler implements SchedChoice computation and the dispatch
// of ready node and orchestrator actions under the cycle's ordering
// constraints.
package scheduler

import (
	"github.com/khryptorgraphics/orchestrall/internal/clusterview"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// ComputeSchedChoice inspects view and derives the scheduling gates for
// this cycle.
func ComputeSchedChoice(view *clusterview.ClusterView, registry *actions.Registry) orchtypes.SchedChoice {
	var anyNodePending, anyNodeRunning, anyExclusivePending, anyExclusiveRunning bool

	for _, a := range view.AllNodeActions() {
		switch a.State.Phase {
		case orchtypes.PhasePendingSchedule:
			anyNodePending = true
		case orchtypes.PhaseRunning:
			anyNodeRunning = true
		}
	}

	for _, a := range view.OActionsUnfinished() {
		reg, ok := registry.Lookup(a.Kind)
		if !ok || reg.ScheduleMode != orchtypes.ScheduleModeExclusive {
			continue
		}
		switch a.State {
		case orchtypes.PhasePendingSchedule:
			anyExclusivePending = true
		case orchtypes.PhaseRunning:
			anyExclusiveRunning = true
		}
	}

	choice := orchtypes.SchedChoice{
		BlockNode:                  anyExclusiveRunning,
		BlockOrchestratorExclusive: anyNodePending || anyNodeRunning || anyExclusiveRunning,
	}
	if anyNodePending {
		choice.Reasons = append(choice.Reasons, orchtypes.ReasonAnyNodePending)
	}
	if anyNodeRunning {
		choice.Reasons = append(choice.Reasons, orchtypes.ReasonAnyNodeRunning)
	}
	if anyExclusivePending {
		choice.Reasons = append(choice.Reasons, orchtypes.ReasonFoundOrchestratorExclusivePend)
	}
	if anyExclusiveRunning {
		choice.Reasons = append(choice.Reasons, orchtypes.ReasonFoundOrchestratorExclusiveRun)
	}
	return choice
}
