// Package clusterview assembles the indexed, validated snapshot of one
// cluster's state (spec, discovery, nodes, shards, unfinished actions)
// that an orchestration cycle reads, plus the incremental builder the
// cycle writes into.
package clusterview

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// ManyPrimariesFound is returned by View.ShardPrimary when more than one
// node claims the Primary role for a shard at once. It is not itself a cycle error: callers downgrade
// aggregate health and record a Note instead of aborting.
type ManyPrimariesFound struct {
	ShardID  string
	Conflict []orchtypes.Shard
}

func (e *ManyPrimariesFound) Error() string {
	return fmt.Sprintf("shard %s: %d nodes claim Primary", e.ShardID, len(e.Conflict))
}

// ClusterView is the indexed, validated snapshot of one cluster's state
// for the duration of one cycle. It never stores
// cross-entity pointers; lookups go through composite keys.
type ClusterView struct {
	Spec      orchtypes.ClusterSpec
	Discovery orchtypes.ClusterDiscovery

	nodes map[string]orchtypes.Node // nodeID -> Node

	// shardsByNode[nodeID][shardID] -> Shard
	shardsByNode map[string]map[string]orchtypes.Shard

	// nactionsByNode[nodeID] -> non-terminal NActions for that node
	nactionsByNode map[string][]orchtypes.NAction
	// nactionsByID indexes every NAction that also appears in
	// nactionsByNode, by identical reference value.
	nactionsByID map[uuid.UUID]orchtypes.NAction

	oactionsByID map[uuid.UUID]orchtypes.OAction
}

// newEmptyView constructs a view with all indexes initialized.
func newEmptyView(spec orchtypes.ClusterSpec, disc orchtypes.ClusterDiscovery) *ClusterView {
	return &ClusterView{
		Spec:           spec,
		Discovery:      disc,
		nodes:          map[string]orchtypes.Node{},
		shardsByNode:   map[string]map[string]orchtypes.Shard{},
		nactionsByNode: map[string][]orchtypes.NAction{},
		nactionsByID:   map[uuid.UUID]orchtypes.NAction{},
		oactionsByID:   map[uuid.UUID]orchtypes.OAction{},
	}
}

// Load reads the spec, discovery, nodes, shards, and unfinished actions
// for key from store and assembles an immutable ClusterView.
func Load(ctx context.Context, store ports.Store, key ports.ClusterKey) (*ClusterView, error) {
	spec, err := store.LookupClusterSpec(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load cluster spec: %w", err)
	}
	if spec == nil {
		return nil, nil
	}

	disc, err := store.LookupClusterDiscovery(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load cluster discovery: %w", err)
	}
	if disc == nil {
		disc = &orchtypes.ClusterDiscovery{NsID: key.NsID, ClusterID: key.ClusterID}
	}

	v := newEmptyView(*spec, *disc)

	nodes, err := store.ListNodes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	for _, n := range nodes {
		v.nodes[n.NodeID] = n
	}

	for _, n := range nodes {
		shards, err := store.ListShards(ctx, ports.NodeKey{ClusterKey: key, NodeID: n.NodeID})
		if err != nil {
			return nil, fmt.Errorf("load shards for node %s: %w", n.NodeID, err)
		}
		if len(shards) == 0 {
			continue
		}
		m := make(map[string]orchtypes.Shard, len(shards))
		for _, s := range shards {
			m[s.ShardID] = s
		}
		v.shardsByNode[n.NodeID] = m
	}

	nactions, err := store.ListUnfinishedNActions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load unfinished nactions: %w", err)
	}
	for _, a := range nactions {
		if a.State.Phase.IsTerminal() {
			continue // invariant: store query already filters these
		}
		v.nactionsByNode[a.NodeID] = append(v.nactionsByNode[a.NodeID], a)
		v.nactionsByID[a.ActionID] = a
	}

	oactions, err := store.ListUnfinishedOActions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load unfinished oactions: %w", err)
	}
	for _, a := range oactions {
		if a.State.IsTerminal() {
			continue
		}
		v.oactionsByID[a.ActionID] = a
	}

	return v, nil
}

// LookupNodeAction returns the non-terminal NAction with id, if any is
// currently in the view.
func (v *ClusterView) LookupNodeAction(id uuid.UUID) (orchtypes.NAction, bool) {
	a, ok := v.nactionsByID[id]
	return a, ok
}

// UnfinishedNodeActions returns the non-terminal NActions targeting
// nodeID, ordered by CreatedTime ascending (FIFO).
func (v *ClusterView) UnfinishedNodeActions(nodeID string) []orchtypes.NAction {
	src := v.nactionsByNode[nodeID]
	out := make([]orchtypes.NAction, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTime.Before(out[j].CreatedTime) })
	return out
}

// AllNodeActions returns every non-terminal NAction in the view.
func (v *ClusterView) AllNodeActions() []orchtypes.NAction {
	out := make([]orchtypes.NAction, 0, len(v.nactionsByID))
	for _, a := range v.nactionsByID {
		out = append(out, a)
	}
	return out
}

// OActionsUnfinished returns every non-terminal OAction in the view.
func (v *ClusterView) OActionsUnfinished() []orchtypes.OAction {
	out := make([]orchtypes.OAction, 0, len(v.oactionsByID))
	for _, a := range v.oactionsByID {
		out = append(out, a)
	}
	return out
}

// Nodes returns every node currently in the view.
func (v *ClusterView) Nodes() []orchtypes.Node {
	out := make([]orchtypes.Node, 0, len(v.nodes))
	for _, n := range v.nodes {
		out = append(out, n)
	}
	return out
}

// Node returns the node record for nodeID, if present.
func (v *ClusterView) Node(nodeID string) (orchtypes.Node, bool) {
	n, ok := v.nodes[nodeID]
	return n, ok
}

// ShardsForNode returns the shards currently recorded for nodeID.
func (v *ClusterView) ShardsForNode(nodeID string) []orchtypes.Shard {
	m := v.shardsByNode[nodeID]
	out := make([]orchtypes.Shard, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// ShardPrimary walks the per-shard index across all nodes and returns the
// unique Primary, nil if none is elected, or a *ManyPrimariesFound if
// more than one node claims it.
func (v *ClusterView) ShardPrimary(shardID string) (*orchtypes.Shard, error) {
	var found []orchtypes.Shard
	for _, shards := range v.shardsByNode {
		if s, ok := shards[shardID]; ok && s.Role == orchtypes.ShardPrimary {
			found = append(found, s)
		}
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, &ManyPrimariesFound{ShardID: shardID, Conflict: found}
	}
}

// AllShardIDs returns the distinct shard IDs reported by any node in the
// view, used by the cycle's end-of-run shard health check.
func (v *ClusterView) AllShardIDs() []string {
	seen := map[string]bool{}
	for _, shards := range v.shardsByNode {
		for id := range shards {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// SearchNodes returns every node satisfying predicate.
func (v *ClusterView) SearchNodes(predicate func(orchtypes.Node) bool) []orchtypes.Node {
	var out []orchtypes.Node
	for _, n := range v.nodes {
		if predicate(n) {
			out = append(out, n)
		}
	}
	return out
}

// CountNodesInGroup returns the number of nodes currently in nodeGroup.
func (v *ClusterView) CountNodesInGroup(nodeGroup string) int {
	count := 0
	for _, n := range v.nodes {
		if n.NodeGroup == nodeGroup {
			count++
		}
	}
	return count
}

// HasUnfinishedOActionKind reports whether any non-terminal OAction of
// kind exists in the view.
func (v *ClusterView) HasUnfinishedOActionKind(kind string) bool {
	for _, a := range v.oactionsByID {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// HasUnfinishedNActionKind reports whether any non-terminal NAction of
// kind exists on any node in the view.
func (v *ClusterView) HasUnfinishedNActionKind(kind string) bool {
	for _, a := range v.nactionsByID {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
