// Package ports declares the interfaces the orchestration core consumes
// from its external collaborators: persistence, events, tasks, locks,
// and the agent/platform RPC clients. The core imports only this
// package; concrete backends live under internal/store, internal/events,
// internal/tasks, internal/lease, internal/agentclient and
// internal/platformclient.
package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// ClusterKey identifies one cluster within a namespace.
type ClusterKey struct {
	NsID      string
	ClusterID string
}

// NodeKey identifies one node within a cluster.
type NodeKey struct {
	ClusterKey
	NodeID string
}

// Store is the persistence backend the core reads and writes through.
// Single-entity operations are atomic; no multi-key transactions are
// required.
type Store interface {
	LookupNamespace(ctx context.Context, nsID string) (*orchtypes.Namespace, error)
	PersistNamespace(ctx context.Context, ns orchtypes.Namespace) error

	LookupClusterSpec(ctx context.Context, key ClusterKey) (*orchtypes.ClusterSpec, error)
	PersistClusterSpec(ctx context.Context, spec orchtypes.ClusterSpec) error
	DeleteClusterSpec(ctx context.Context, key ClusterKey) error

	LookupClusterDiscovery(ctx context.Context, key ClusterKey) (*orchtypes.ClusterDiscovery, error)
	PersistClusterDiscovery(ctx context.Context, d orchtypes.ClusterDiscovery) error

	LookupPlatform(ctx context.Context, nsID, name string) (*orchtypes.Platform, error)
	PersistPlatform(ctx context.Context, p orchtypes.Platform) error

	ListNodes(ctx context.Context, key ClusterKey) ([]orchtypes.Node, error)
	PersistNode(ctx context.Context, n orchtypes.Node) error

	ListShards(ctx context.Context, node NodeKey) ([]orchtypes.Shard, error)
	PersistShard(ctx context.Context, s orchtypes.Shard) error
	DeleteShard(ctx context.Context, key orchtypes.Shard) error

	ListUnfinishedNActions(ctx context.Context, key ClusterKey) ([]orchtypes.NAction, error)
	LookupNAction(ctx context.Context, key ClusterKey, actionID uuid.UUID) (*orchtypes.NAction, error)
	PersistNAction(ctx context.Context, a orchtypes.NAction) error

	ListUnfinishedOActions(ctx context.Context, key ClusterKey) ([]orchtypes.OAction, error)
	PersistOAction(ctx context.Context, a orchtypes.OAction) error

	LookupConvergeState(ctx context.Context, key ClusterKey) (*orchtypes.ConvergeState, error)
	PersistConvergeState(ctx context.Context, s orchtypes.ConvergeState) error

	PersistReport(ctx context.Context, r orchtypes.OrchestrateReport) error
	ListRecentReports(ctx context.Context, key ClusterKey, limit int) ([]orchtypes.OrchestrateReport, error)
}
