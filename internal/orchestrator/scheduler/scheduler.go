package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/khryptorgraphics/orchestrall/internal/changeevents"
	"github.com/khryptorgraphics/orchestrall/internal/clusterview"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/report"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Scheduler dispatches ready node actions to their agents and progresses
// running orchestrator actions.
type Scheduler struct {
	store    ports.Store
	clients  ports.AgentClientFactory
	registry *actions.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Scheduler.
func New(store ports.Store, clients ports.AgentClientFactory, registry *actions.Registry, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, clients: clients, registry: registry, logger: logger, now: time.Now}
}

// RunNodeActions dispatches the earliest PendingSchedule NAction per
// node, subject to mode and the exclusive-OAction gate.
func (s *Scheduler) RunNodeActions(ctx context.Context, ns orchtypes.Namespace, view *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, choice orchtypes.SchedChoice) error {
	if view.Spec.Declaration.Mode == orchtypes.OrchestrationModeObserve {
		rpt.Note(orchtypes.SeverityInfo, "orchestration mode is Observe; node action scheduling skipped")
		return nil
	}
	if choice.BlockNode || anyRunningOAction(view) {
		rpt.Note(orchtypes.SeverityInfo, "an orchestrator action is running; node action scheduling skipped")
		return nil
	}

	maxAttempts := ns.Settings.Orchestrate.MaxNActionScheduleAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for _, node := range view.Nodes() {
		pending := firstPendingSchedule(view.UnfinishedNodeActions(node.NodeID))
		if pending == nil {
			continue
		}
		if err := s.dispatchOne(ctx, view, builder, emit, rpt, node, *pending, maxAttempts); err != nil {
			return err
		}
	}
	return nil
}

// anyRunningOAction reports whether any OAction is mid-flight,
// regardless of its schedule mode. Node actions never dispatch while
// one is.
func anyRunningOAction(view *clusterview.ClusterView) bool {
	for _, a := range view.OActionsUnfinished() {
		if a.State == orchtypes.PhaseRunning {
			return true
		}
	}
	return false
}

func firstPendingSchedule(actionsForNode []orchtypes.NAction) *orchtypes.NAction {
	var candidates []orchtypes.NAction
	for _, a := range actionsForNode {
		if a.State.Phase == orchtypes.PhasePendingSchedule {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedTime.Before(candidates[j].CreatedTime) })
	return &candidates[0]
}

func (s *Scheduler) dispatchOne(ctx context.Context, view *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, node orchtypes.Node, a orchtypes.NAction, maxAttempts int) error {
	dn := findDiscoveredNode(view, node.NodeID)
	client, err := s.clients.ForNode(a.NsID, view.Spec, dn)
	if err != nil {
		return fmt.Errorf("build agent client for node %s: %w", node.NodeID, err)
	}

	req := ports.ActionExecutionRequest{
		ID:          a.ActionID,
		Kind:        a.Kind,
		Args:        a.Args,
		CreatedTime: a.CreatedTime,
		Metadata:    a.Metadata,
	}
	scheduleErr := client.ActionSchedule(ctx, req)

	switch {
	case scheduleErr == nil || errors.Is(scheduleErr, ports.ErrScheduleActionDuplicateID):
		now := s.now()
		a.ScheduledTime = &now
		if err := s.store.PersistNAction(ctx, a); err != nil {
			return fmt.Errorf("persist scheduled naction %s: %w", a.ActionID, err)
		}
		_ = builder.NAction(a)
		if err := emit.NActionUpdate(ctx, a); err != nil {
			return fmt.Errorf("emit scheduled naction event %s: %w", a.ActionID, err)
		}
		rpt.NodeActionScheduled()
		return nil

	default:
		if nse, ok := ports.AsNodeSpecific(scheduleErr); ok {
			scheduleErr = nse.Err
		}
		a = actions.RecordScheduleAttemptFailure(a, scheduleErr.Error(), s.now())
		rpt.NodeActionScheduleFailed()

		if a.State.Error.Attempts > maxAttempts {
			failed, err := actions.FinalizeNActionFailed(a, a.State.Error.LastError, s.now())
			if err != nil {
				return fmt.Errorf("finalize failed naction %s: %w", a.ActionID, err)
			}
			if err := s.store.PersistNAction(ctx, failed); err != nil {
				return fmt.Errorf("persist failed naction %s: %w", a.ActionID, err)
			}
			builder.RemoveNAction(failed)
			if err := emit.NActionUpdate(ctx, failed); err != nil {
				return fmt.Errorf("emit failed naction event %s: %w", a.ActionID, err)
			}
			rpt.NoteForAction(orchtypes.SeverityError, a.ActionID, "max schedule attempts exceeded: "+scheduleErr.Error())
			return nil
		}

		if err := s.store.PersistNAction(ctx, a); err != nil {
			return fmt.Errorf("persist retry naction %s: %w", a.ActionID, err)
		}
		_ = builder.NAction(a)
		rpt.NoteForAction(orchtypes.SeverityWarning, a.ActionID, "schedule attempt failed, will retry: "+scheduleErr.Error())
		return nil
	}
}

func findDiscoveredNode(view *clusterview.ClusterView, nodeID string) orchtypes.DiscoveredNode {
	for _, dn := range view.Discovery.Nodes {
		if dn.NodeID == nodeID {
			return dn
		}
	}
	return orchtypes.DiscoveredNode{NodeID: nodeID}
}

// RunOActions transitions ready PendingSchedule OActions to Running
// (subject to the exclusive gate) and progresses every Running OAction
// through its registered handler.
func (s *Scheduler) RunOActions(ctx context.Context, view *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, choice orchtypes.SchedChoice) error {
	var running []orchtypes.OAction
	for _, a := range view.OActionsUnfinished() {
		if a.State == orchtypes.PhaseRunning {
			running = append(running, a)
		}
	}

	// An exclusive action must run alone in the cluster, and once one is
	// started no further action may start in the same pass. The gate is
	// re-evaluated against the running accumulator after every
	// promotion; the choice computed at cycle start only covers state
	// observed before this pass's own promotions.
	exclusiveRunning := choice.BlockOrchestratorExclusive
	for _, a := range running {
		if reg, ok := s.registry.Lookup(a.Kind); ok && reg.ScheduleMode == orchtypes.ScheduleModeExclusive {
			exclusiveRunning = true
		}
	}

	pending := sortedPendingOActions(view.OActionsUnfinished())
	for _, a := range pending {
		reg, ok := s.registry.Lookup(a.Kind)
		if !ok {
			rpt.NoteForAction(orchtypes.SeverityError, a.ActionID, "no handler registered for oaction kind "+a.Kind)
			continue
		}
		if exclusiveRunning {
			continue
		}
		next, err := actions.TransitionOAction(a, orchtypes.PhaseRunning, s.now())
		if err != nil {
			return fmt.Errorf("transition oaction %s to running: %w", a.ActionID, err)
		}
		if err := s.store.PersistOAction(ctx, next); err != nil {
			return fmt.Errorf("persist running oaction %s: %w", a.ActionID, err)
		}
		_ = builder.OAction(next)
		if err := emit.OActionUpdate(ctx, next); err != nil {
			return fmt.Errorf("emit oaction event %s: %w", a.ActionID, err)
		}
		running = append(running, next)
		if reg.ScheduleMode == orchtypes.ScheduleModeExclusive {
			exclusiveRunning = true
		}
	}

	for _, a := range running {
		if err := s.progressOne(ctx, builder, emit, rpt, a); err != nil {
			return err
		}
	}
	return nil
}

func sortedPendingOActions(all []orchtypes.OAction) []orchtypes.OAction {
	var pending []orchtypes.OAction
	for _, a := range all {
		if a.State == orchtypes.PhasePendingSchedule {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedTS.Before(pending[j].CreatedTS) })
	return pending
}

func (s *Scheduler) progressOne(ctx context.Context, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, a orchtypes.OAction) error {
	reg, ok := s.registry.Lookup(a.Kind)
	if !ok {
		return nil
	}

	deadline := reg.DefaultTimeout
	if a.Timeout != nil && (deadline == 0 || *a.Timeout < deadline) {
		deadline = *a.Timeout
	}
	if deadline > 0 && s.now().Sub(a.CreatedTS) > deadline {
		failed, err := actions.TransitionOAction(a, orchtypes.PhaseFailed, s.now())
		if err != nil {
			return fmt.Errorf("transition timed-out oaction %s: %w", a.ActionID, err)
		}
		failed.StatePayloadError = "deadline exceeded"
		if err := s.store.PersistOAction(ctx, failed); err != nil {
			return fmt.Errorf("persist timed-out oaction %s: %w", a.ActionID, err)
		}
		builder.RemoveOAction(failed)
		rpt.NoteForAction(orchtypes.SeverityError, a.ActionID, "oaction timed out")
		return emit.OActionUpdate(ctx, failed)
	}

	changes, err := reg.Handler.Progress(ctx, a)
	if err != nil {
		failed, terr := actions.TransitionOAction(a, orchtypes.PhaseFailed, s.now())
		if terr != nil {
			return fmt.Errorf("transition errored oaction %s: %w", a.ActionID, terr)
		}
		failed.StatePayloadError = err.Error()
		if perr := s.store.PersistOAction(ctx, failed); perr != nil {
			return fmt.Errorf("persist errored oaction %s: %w", a.ActionID, perr)
		}
		builder.RemoveOAction(failed)
		rpt.NoteForAction(orchtypes.SeverityError, a.ActionID, "handler error: "+err.Error())
		return emit.OActionUpdate(ctx, failed)
	}
	if changes == nil {
		return nil
	}

	next := a
	next.StatePayload = changes.StatePayload
	next.StatePayloadError = changes.StatePayloadError
	next, terr := actions.TransitionOAction(next, changes.State, s.now())
	if terr != nil {
		return fmt.Errorf("apply progress changes for oaction %s: %w", a.ActionID, terr)
	}
	if err := s.store.PersistOAction(ctx, next); err != nil {
		return fmt.Errorf("persist progressed oaction %s: %w", a.ActionID, err)
	}
	if next.State.IsTerminal() {
		builder.RemoveOAction(next)
	} else {
		_ = builder.OAction(next)
	}
	return emit.OActionUpdate(ctx, next)
}
