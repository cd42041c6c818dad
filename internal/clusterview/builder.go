package clusterview

import (
	"errors"
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// ErrTerminalActionRejected is returned when a caller tries to append a
// terminal-phase action to a ViewBuilder; terminal actions must be
// removed by the caller, not carried in the builder.
var ErrTerminalActionRejected = errors.New("orchestrator: terminal action rejected from builder")

// ViewBuilder incrementally assembles the next ClusterView during a
// cycle. It is single-threaded per cycle; callers must not mutate it
// concurrently.
type ViewBuilder struct {
	view *ClusterView
}

// NewBuilder seeds a ViewBuilder with the immutable declaration.
func NewBuilder(spec orchtypes.ClusterSpec, disc orchtypes.ClusterDiscovery) *ViewBuilder {
	return &ViewBuilder{view: newEmptyView(spec, disc)}
}

// Node appends or updates a node record by key.
func (b *ViewBuilder) Node(n orchtypes.Node) {
	b.view.nodes[n.NodeID] = n
}

// Shard appends or updates a shard record by key.
func (b *ViewBuilder) Shard(s orchtypes.Shard) {
	m, ok := b.view.shardsByNode[s.NodeID]
	if !ok {
		m = map[string]orchtypes.Shard{}
		b.view.shardsByNode[s.NodeID] = m
	}
	m[s.ShardID] = s
}

// RemoveShard drops a shard no longer reported by its node.
func (b *ViewBuilder) RemoveShard(nodeID, shardID string) {
	if m, ok := b.view.shardsByNode[nodeID]; ok {
		delete(m, shardID)
	}
}

// NAction appends or updates an NAction by key. A terminal-phase action
// is rejected: callers must call RemoveNAction instead.
func (b *ViewBuilder) NAction(a orchtypes.NAction) error {
	if a.State.Phase.IsTerminal() {
		return fmt.Errorf("%w: action %s phase %s", ErrTerminalActionRejected, a.ActionID, a.State.Phase)
	}
	b.replaceNAction(a)
	return nil
}

// RemoveNAction drops a, typically because it just became terminal.
func (b *ViewBuilder) RemoveNAction(a orchtypes.NAction) {
	delete(b.view.nactionsByID, a.ActionID)
	list := b.view.nactionsByNode[a.NodeID]
	for i, existing := range list {
		if existing.ActionID == a.ActionID {
			b.view.nactionsByNode[a.NodeID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (b *ViewBuilder) replaceNAction(a orchtypes.NAction) {
	b.view.nactionsByID[a.ActionID] = a
	list := b.view.nactionsByNode[a.NodeID]
	for i, existing := range list {
		if existing.ActionID == a.ActionID {
			list[i] = a
			b.view.nactionsByNode[a.NodeID] = list
			return
		}
	}
	b.view.nactionsByNode[a.NodeID] = append(list, a)
}

// OAction appends or updates an OAction by key, rejecting terminal phases
// the same way NAction does.
func (b *ViewBuilder) OAction(a orchtypes.OAction) error {
	if a.State.IsTerminal() {
		return fmt.Errorf("%w: action %s phase %s", ErrTerminalActionRejected, a.ActionID, a.State)
	}
	b.view.oactionsByID[a.ActionID] = a
	return nil
}

// RemoveOAction drops a, typically because it just became terminal.
func (b *ViewBuilder) RemoveOAction(a orchtypes.OAction) {
	delete(b.view.oactionsByID, a.ActionID)
}

// View returns the ClusterView assembled so far. The returned view
// shares storage with the builder; callers must stop mutating the
// builder once they start treating the result as immutable for the rest
// of the cycle (diffing, event emission).
func (b *ViewBuilder) View() *ClusterView { return b.view }
