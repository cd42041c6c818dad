// Package converge implements the Convergence Engine: the sequence of
// declarative reconciliation steps that propose new actions to drive
// observed cluster state toward declared shape.
// Each step consults ConvergeState.Graces for its own backoff timer.
package converge

import (
	"context"
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

// Kinds of actions the convergence steps create.
const (
	KindClusterInit        = "cluster.init"
	KindPlatformNodeProvision = "platform.node.provision"
)

// Engine runs the ordered sequence of convergence steps for one cycle.
type Engine struct {
	store  ports.Store
	logger *slog.Logger
	now    func() time.Time
}

// New returns an Engine persisting through store.
func New(store ports.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger, now: time.Now}
}

// Run loads the cluster's ConvergeState, runs every step in order, and
// persists the (possibly updated) ConvergeState back. Steps are independent: one step's skip does not block another.
func (e *Engine) Run(ctx context.Context, key ports.ClusterKey, view *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder) error {
	state, err := e.store.LookupConvergeState(ctx, key)
	if err != nil {
		return fmt.Errorf("load converge state: %w", err)
	}
	if state == nil {
		state = &orchtypes.ConvergeState{NsID: key.NsID, ClusterID: key.ClusterID, Graces: map[string]time.Time{}}
	}
	if state.Graces == nil {
		state.Graces = map[string]time.Time{}
	}

	changed := false
	if e.clusterInit(ctx, view, builder, emit, rpt, state) {
		changed = true
	}
	if e.nodeScaleUp(ctx, view, builder, emit, rpt, state) {
		changed = true
	}

	if changed {
		if err := e.store.PersistConvergeState(ctx, *state); err != nil {
			return fmt.Errorf("persist converge state: %w", err)
		}
	}
	return nil
}

func graceElapsed(graces map[string]time.Time, step string, grace time.Duration, now time.Time) bool {
	last, ok := graces[step]
	if !ok {
		return true
	}
	return !now.Before(last.Add(grace))
}

// clusterInit proposes the cluster's bootstrap action when no node has
// joined yet and the declaration allows automatic initialisation.
func (e *Engine) clusterInit(ctx context.Context, view *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, state *orchtypes.ConvergeState) bool {
	decl := view.Spec.Declaration
	if decl.Initialise.Mode == orchtypes.InitialiseNotManaged {
		return false
	}
	now := e.now()
	if !graceElapsed(state.Graces, orchtypes.StepClusterInit, decl.Initialise.Grace, now) {
		return false
	}
	if len(view.Discovery.Nodes) == 0 {
		return false
	}
	for _, n := range view.Nodes() {
		if n.NodeStatus != orchtypes.NodeNotInCluster {
			return false
		}
	}
	if view.HasUnfinishedNActionKind(KindClusterInit) {
		return false
	}

	target := pickInitTarget(view, decl.Initialise.NodeSearch)
	if target == nil {
		rpt.Note(orchtypes.SeverityWarning, "cluster init: no node matched the configured node search")
		state.Graces[orchtypes.StepClusterInit] = now
		return true
	}

	a := actions.NewNAction(view.Spec.NsID, view.Discovery.ClusterID, target.NodeID, KindClusterInit, decl.Initialise.ActionArgs, decl.Approval, now)
	if err := e.store.PersistNAction(ctx, a); err != nil {
		e.logger.Error("persist cluster.init naction failed", "node_id", target.NodeID, "error", err)
		rpt.NoteForNode(orchtypes.SeverityError, target.NodeID, "cluster init: persist action failed: "+err.Error())
		return false
	}
	_ = builder.NAction(a)
	if err := emit.NActionNew(ctx, a); err != nil {
		e.logger.Error("emit cluster.init naction event failed", "node_id", target.NodeID, "error", err)
	}
	rpt.NoteForNode(orchtypes.SeverityInfo, target.NodeID, "cluster init: created cluster.init action "+a.ActionID.String())
	state.Graces[orchtypes.StepClusterInit] = now
	return true
}

func pickInitTarget(view *clusterview.ClusterView, search orchtypes.NodeSearch) *orchtypes.Node {
	candidates := view.SearchNodes(func(n orchtypes.Node) bool {
		if search.NodeGroup != "" && n.NodeGroup != search.NodeGroup {
			return false
		}
		return true
	})
	if len(candidates) == 0 {
		// Fall back to discovery: nodes may not have a synced record yet
		// (NotInCluster typically precedes the first sync), so match on
		// the discovered group/class directly.
		for _, dn := range view.Discovery.Nodes {
			if search.NodeGroup != "" && dn.NodeGroup != search.NodeGroup {
				continue
			}
			if search.NodeClass != "" && dn.NodeClass != search.NodeClass {
				continue
			}
			n := orchtypes.Node{
				NsID:       view.Spec.NsID,
				ClusterID:  view.Discovery.ClusterID,
				NodeID:     dn.NodeID,
				NodeGroup:  dn.NodeGroup,
				NodeStatus: orchtypes.NodeNotInCluster,
			}
			return &n
		}
		return nil
	}
	return &candidates[0]
}

// nodeScaleUp proposes provisioning actions for node groups whose
// declared count exceeds their observed membership.
func (e *Engine) nodeScaleUp(ctx context.Context, view *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, state *orchtypes.ConvergeState) bool {
	decl := view.Spec.Declaration
	if !decl.Active || len(decl.Definition.Nodes) == 0 {
		return false
	}
	now := e.now()
	if !graceElapsed(state.Graces, orchtypes.StepNodeScaleUp, decl.GraceUp, now) {
		return false
	}
	if view.HasUnfinishedOActionKind(KindPlatformNodeProvision) {
		return false
	}

	group, ok := firstPartialGroup(view, decl.Definition)
	if !ok {
		return false
	}

	args := map[string]interface{}{"count": 1, "node_group_id": group}
	a := actions.NewOAction(view.Spec.NsID, view.Discovery.ClusterID, KindPlatformNodeProvision, args, decl.Approval, nil, now)
	if err := e.store.PersistOAction(ctx, a); err != nil {
		e.logger.Error("persist platform.node.provision oaction failed", "node_group", group, "error", err)
		rpt.Note(orchtypes.SeverityError, "scale up: persist action failed: "+err.Error())
		return false
	}
	_ = builder.OAction(a)
	if err := emit.OActionCreate(ctx, a); err != nil {
		e.logger.Error("emit platform.node.provision oaction event failed", "node_group", group, "error", err)
	}
	rpt.Note(orchtypes.SeverityInfo, fmt.Sprintf("scale up: created platform.node.provision action %s for group %q", a.ActionID, group))
	state.Graces[orchtypes.StepNodeScaleUp] = now
	return true
}

// firstPartialGroup returns the first node group, in lexical order of
// group name, whose actual node count is below its desired count.
// Definition.Nodes is a map, so the order in which groups were declared
// is not kept; sorting by name makes the pick deterministic.
func firstPartialGroup(view *clusterview.ClusterView, def orchtypes.ClusterDefinition) (string, bool) {
	groups := make([]string, 0, len(def.Nodes))
	for g := range def.Nodes {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		desired := def.Nodes[g].DesiredCount
		if view.CountNodesInGroup(g) < desired {
			return g, true
		}
	}
	return "", false
}
