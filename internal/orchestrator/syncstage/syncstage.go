// Package syncstage implements the per-node agent sync: node info,
// shards, and action queues.
package syncstage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/changeevents"
	"github.com/khryptorgraphics/orchestrall/internal/clusterview"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/report"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Stage runs one cycle's worth of per-node agent sync.
type Stage struct {
	store   ports.Store
	clients ports.AgentClientFactory
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Stage driven by clients and persisting through store.
func New(store ports.Store, clients ports.AgentClientFactory, logger *slog.Logger) *Stage {
	return &Stage{store: store, clients: clients, logger: logger, now: time.Now}
}

// Run syncs every node in prior.Discovery.Nodes, writing results into
// builder and emitting change events through emit. It returns a
// cycle-fatal error if any step classifies as one;
// node-specific failures are recorded as notes and do not abort the run.
func (s *Stage) Run(ctx context.Context, nsID string, prior *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder) error {
	for _, dn := range prior.Discovery.Nodes {
		if err := s.syncNode(ctx, nsID, prior, builder, emit, rpt, dn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) syncNode(ctx context.Context, nsID string, prior *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, dn orchtypes.DiscoveredNode) error {
	clusterID := prior.Discovery.ClusterID
	nodeID := dn.NodeID

	// Carry forward prior shards and unfinished actions so a node that
	// fails to sync this cycle does not lose state the core already
	// knows about.
	for _, sh := range prior.ShardsForNode(nodeID) {
		builder.Shard(sh)
	}
	for _, a := range prior.UnfinishedNodeActions(nodeID) {
		_ = builder.NAction(a)
	}

	client, err := s.clients.ForNode(nsID, prior.Spec, dn)
	if err != nil {
		return s.failNode(builder, rpt, prior, nodeID, fmt.Errorf("build agent client: %w", err))
	}

	info, err := client.InfoNode(ctx)
	if err != nil {
		return s.failNode(builder, rpt, prior, nodeID, fmt.Errorf("info_node: %w", err))
	}
	shards, err := client.InfoShards(ctx)
	if err != nil {
		return s.failNode(builder, rpt, prior, nodeID, fmt.Errorf("info_shards: %w", err))
	}

	n := *info
	n.NsID = nsID
	n.ClusterID = clusterID
	n.NodeID = nodeID
	n.NodeGroup = dn.NodeGroup
	if n.NodeStatus == "" {
		n.NodeStatus = orchtypes.NodeHealthy
	}

	// Shard staleness (DESIGN.md "shard staleness" open question): a
	// shard is stale when its commit offset has not advanced across two
	// consecutive syncs (the prior persisted view vs. this fetch) while
	// the node is Healthy. Staleness is informational; it never aborts
	// sync, only annotates the report.
	stale := staleShardIDs(prior.ShardsForNode(nodeID), shards)
	if prev, ok := prior.Node(nodeID); ok {
		n.LastShardProgress = prev.LastShardProgress
	}
	if n.NodeStatus == orchtypes.NodeHealthy && len(stale) == 0 {
		n.LastShardProgress = s.now()
	}

	builder.Node(n)
	if err := s.store.PersistNode(ctx, n); err != nil {
		return fmt.Errorf("persist node %s: %w", nodeID, err)
	}
	if err := emit.Node(ctx, n); err != nil {
		return fmt.Errorf("emit node event %s: %w", nodeID, err)
	}
	if n.NodeStatus == orchtypes.NodeHealthy {
		for _, shardID := range stale {
			rpt.NoteForNode(orchtypes.SeverityWarning, nodeID, fmt.Sprintf("shard %s commit offset unchanged since previous sync (stale)", shardID))
		}
	}

	s.reconcileShards(ctx, builder, emit, prior, nodeID, shards)

	if err := s.syncActions(ctx, nsID, clusterID, prior, builder, emit, rpt, client, nodeID); err != nil {
		// Action endpoint failures are confined to this node: the node
		// itself already synced successfully, so we note and move on
		// rather than marking it unhealthy.
		if nse, ok := ports.AsNodeSpecific(err); ok {
			rpt.NoteForNode(orchtypes.SeverityWarning, nodeID, "action sync failed: "+nse.Error())
		} else {
			return fmt.Errorf("sync actions for node %s: %w", nodeID, err)
		}
	}

	rpt.NodeSynced()
	return nil
}

// failNode classifies err; node-specific failures mark the node
// Unhealthy/Unknown and continue (returns nil), cycle-fatal failures
// propagate (returns non-nil).
func (s *Stage) failNode(builder *clusterview.ViewBuilder, rpt *report.Builder, prior *clusterview.ClusterView, nodeID string, err error) error {
	wrapped := &ports.NodeSpecificError{NodeID: nodeID, Err: err}
	nodeErr, cycleErr := WithNodeSpecific(wrapped)
	if cycleErr != nil {
		return cycleErr
	}

	n, existed := prior.Node(nodeID)
	if !existed {
		n = orchtypes.Node{NsID: prior.Spec.NsID, ClusterID: prior.Discovery.ClusterID, NodeID: nodeID}
	}
	if n.NodeStatus == orchtypes.NodeHealthy || n.NodeStatus == "" {
		n.NodeStatus = orchtypes.NodeUnknown
	} else {
		n.NodeStatus = orchtypes.NodeUnhealthy
	}
	builder.Node(n)
	rpt.NoteForNode(orchtypes.SeverityWarning, nodeID, "node sync failed: "+nodeErr.Error())
	rpt.NodeFailed()
	s.logger.Warn("node sync failed", "node_id", nodeID, "error", nodeErr.Error())
	return nil
}

// staleShardIDs returns the shard IDs present in both prior and
// reported whose commit offset did not advance between the two syncs. A
// shard with no prior record (first time reported) is never stale.
func staleShardIDs(prior, reported []orchtypes.Shard) []string {
	byID := make(map[string]orchtypes.Shard, len(prior))
	for _, sh := range prior {
		byID[sh.ShardID] = sh
	}
	var stale []string
	for _, sh := range reported {
		p, ok := byID[sh.ShardID]
		if !ok {
			continue
		}
		if sh.CommitOffset <= p.CommitOffset {
			stale = append(stale, sh.ShardID)
		}
	}
	return stale
}

func (s *Stage) reconcileShards(ctx context.Context, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, prior *clusterview.ClusterView, nodeID string, reported []orchtypes.Shard) {
	seen := make(map[string]bool, len(reported))
	for _, sh := range reported {
		sh.NodeID = nodeID
		sh.NsID = prior.Spec.NsID
		sh.ClusterID = prior.Discovery.ClusterID
		seen[sh.ShardID] = true
		builder.Shard(sh)
		if err := s.store.PersistShard(ctx, sh); err != nil {
			s.logger.Error("persist shard failed", "node_id", nodeID, "shard_id", sh.ShardID, "error", err)
			continue
		}
		if err := emit.Shard(ctx, sh); err != nil {
			s.logger.Error("emit shard event failed", "node_id", nodeID, "shard_id", sh.ShardID, "error", err)
		}
	}
	for _, sh := range prior.ShardsForNode(nodeID) {
		if seen[sh.ShardID] {
			continue
		}
		builder.RemoveShard(nodeID, sh.ShardID)
		if err := s.store.DeleteShard(ctx, sh); err != nil {
			s.logger.Error("delete shard failed", "node_id", nodeID, "shard_id", sh.ShardID, "error", err)
		}
	}
}

// syncActions reconciles one node's unfinished NActions against the
// agent's reported execution state.
func (s *Stage) syncActions(ctx context.Context, nsID, clusterID string, prior *clusterview.ClusterView, builder *clusterview.ViewBuilder, emit *changeevents.Emitter, rpt *report.Builder, client ports.AgentClient, nodeID string) error {
	unfinished := prior.UnfinishedNodeActions(nodeID)
	unfinishedIDs := make(map[uuid.UUID]orchtypes.NAction, len(unfinished))
	for _, a := range unfinished {
		unfinishedIDs[a.ActionID] = a
	}

	finished, err := client.ActionsFinished(ctx)
	if err != nil {
		return &ports.NodeSpecificError{NodeID: nodeID, Err: fmt.Errorf("actions_finished: %w", err)}
	}
	queue, err := client.ActionsQueue(ctx)
	if err != nil {
		return &ports.NodeSpecificError{NodeID: nodeID, Err: fmt.Errorf("actions_queue: %w", err)}
	}

	toFetch := map[uuid.UUID]bool{}
	finishedSet := map[uuid.UUID]bool{}
	for _, f := range finished {
		finishedSet[f.ID] = true
		if _, ok := unfinishedIDs[f.ID]; ok {
			toFetch[f.ID] = true
		}
	}
	queueSet := map[uuid.UUID]bool{}
	for _, q := range queue {
		queueSet[q.ID] = true
		toFetch[q.ID] = true
	}

	for id := range toFetch {
		exec, err := client.ActionLookup(ctx, id)
		if err != nil {
			return &ports.NodeSpecificError{NodeID: nodeID, Err: fmt.Errorf("action_lookup %s: %w", id, err)}
		}
		a := orchtypes.NAction{
			NsID:          nsID,
			ClusterID:     clusterID,
			NodeID:        nodeID,
			ActionID:      exec.ID,
			Kind:          exec.Kind,
			Args:          exec.Args,
			Metadata:      exec.Metadata,
			CreatedTime:   exec.CreatedTime,
			ScheduledTime: exec.ScheduledTime,
			FinishedTime:  exec.FinishedTime,
			State:         exec.State,
		}
		if prev, existed := unfinishedIDs[id]; existed {
			a.Approval = prev.Approval
		}

		if err := s.store.PersistNAction(ctx, a); err != nil {
			return fmt.Errorf("persist naction %s: %w", id, err)
		}
		if !a.State.Phase.IsTerminal() {
			_ = builder.NAction(a)
		} else {
			builder.RemoveNAction(a)
		}

		_, existedBefore := unfinishedIDs[id]
		var emitErr error
		if !existedBefore {
			emitErr = emit.NActionNew(ctx, a)
		} else {
			emitErr = emit.NActionUpdate(ctx, a)
		}
		if emitErr != nil {
			return fmt.Errorf("emit naction event %s: %w", id, emitErr)
		}
	}

	for id, a := range unfinishedIDs {
		if finishedSet[id] || queueSet[id] {
			continue // handled above
		}
		if a.State.Phase.IsTerminal() {
			continue // invariant: should not occur
		}
		if a.State.Phase == orchtypes.PhaseRunning {
			lost, err := actions.TransitionNAction(a, orchtypes.PhaseLost, s.now())
			if err != nil {
				return fmt.Errorf("transition naction %s to Lost: %w", id, err)
			}
			if err := s.store.PersistNAction(ctx, lost); err != nil {
				return fmt.Errorf("persist lost naction %s: %w", id, err)
			}
			builder.RemoveNAction(lost)
			if err := emit.NActionUpdate(ctx, lost); err != nil {
				return fmt.Errorf("emit lost naction event %s: %w", id, err)
			}
			rpt.NodeActionLost()
			rpt.NoteForAction(orchtypes.SeverityWarning, id, "node no longer reports this action; marked Lost")
			continue
		}
		// Pending on the core side but never delivered to the agent:
		// carry forward unchanged (already present in builder from the
		// prefetch at the top of syncNode).
	}
	return nil
}
