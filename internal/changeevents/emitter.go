// Package changeevents builds and emits the stable-coded change events
// for persisted entity mutations, partitioned per cluster so a
// consumer of the event stream observes a total order for one cluster.
package changeevents

import (
	"context"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Emitter wraps an EventSink with one convenience method per entity kind
// so callers never hand-build partition keys or forget a code.
type Emitter struct {
	sink      ports.EventSink
	nsID      string
	clusterID string
}

// New returns an Emitter scoped to one cluster.
func New(sink ports.EventSink, nsID, clusterID string) *Emitter {
	return &Emitter{sink: sink, nsID: nsID, clusterID: clusterID}
}

func (e *Emitter) change(ctx context.Context, code string, payload interface{}) error {
	return e.sink.Change(ctx, ports.Event{
		Code:         code,
		Payload:      payload,
		PartitionKey: ports.ClusterPartitionKey(e.nsID, e.clusterID),
	})
}

// Node emits a NODE_SYNC change event with the node's post-image.
func (e *Emitter) Node(ctx context.Context, n orchtypes.Node) error {
	return e.change(ctx, ports.EventNodeSync, n)
}

// Shard emits a SHARD_SYNC change event with the shard's post-image.
func (e *Emitter) Shard(ctx context.Context, s orchtypes.Shard) error {
	return e.change(ctx, ports.EventShardSync, s)
}

// NActionNew emits NACTION_SYNC_NEW for an action the view had not seen.
func (e *Emitter) NActionNew(ctx context.Context, a orchtypes.NAction) error {
	return e.change(ctx, ports.EventNActionSyncNew, a)
}

// NActionUpdate emits NACTION_SYNC_UPDATE for an action already tracked.
func (e *Emitter) NActionUpdate(ctx context.Context, a orchtypes.NAction) error {
	return e.change(ctx, ports.EventNActionSyncUpdate, a)
}

// NActionApprove emits NACTION_APPROVE.
func (e *Emitter) NActionApprove(ctx context.Context, a orchtypes.NAction) error {
	return e.change(ctx, ports.EventNActionApprove, a)
}

// NActionCancel emits NACTION_CANCEL.
func (e *Emitter) NActionCancel(ctx context.Context, a orchtypes.NAction) error {
	return e.change(ctx, ports.EventNActionCancel, a)
}

// OActionCreate emits OACTION_CREATE.
func (e *Emitter) OActionCreate(ctx context.Context, a orchtypes.OAction) error {
	return e.change(ctx, ports.EventOActionCreate, a)
}

// OActionUpdate emits OACTION_UPDATE.
func (e *Emitter) OActionUpdate(ctx context.Context, a orchtypes.OAction) error {
	return e.change(ctx, ports.EventOActionUpdate, a)
}

// ClusterSpecApplied emits CLUSTER_SPEC_APPLIED.
func (e *Emitter) ClusterSpecApplied(ctx context.Context, s orchtypes.ClusterSpec) error {
	return e.change(ctx, ports.EventClusterSpecApplied, s)
}

// ClusterSpecDeleted emits CLUSTER_SPEC_DELETED.
func (e *Emitter) ClusterSpecDeleted(ctx context.Context, s orchtypes.ClusterSpec) error {
	return e.change(ctx, ports.EventClusterSpecDeleted, s)
}

// ClusterSettingsSynthetic emits CLUSTER_SETTINGS_SYNTHETIC when a
// cycle runs under default namespace settings because no namespace
// record exists yet.
func (e *Emitter) ClusterSettingsSynthetic(ctx context.Context, n orchtypes.Namespace) error {
	return e.change(ctx, ports.EventClusterSettingsSynthetic, n)
}

// Report emits ORCHESTRATE_REPORT with the finished report as payload.
func (e *Emitter) Report(ctx context.Context, r orchtypes.OrchestrateReport) error {
	return e.change(ctx, ports.EventOrchestrateReport, r)
}

// Namespace emits NAMESPACE_APPLIED. Namespace events are not
// cluster-scoped, so the emitter partitions on the namespace ID alone
// rather than the "[ns].(cluster)" key the rest of this type uses.
func (e *Emitter) Namespace(ctx context.Context, n orchtypes.Namespace) error {
	return e.sink.Change(ctx, ports.Event{
		Code:         ports.EventNamespaceApplied,
		Payload:      n,
		PartitionKey: "[" + n.ID + "]",
	})
}

// PlatformApplied emits PLATFORM_APPLIED, also namespace- rather than
// cluster-partitioned since a Platform connection is namespace-scoped.
func (e *Emitter) PlatformApplied(ctx context.Context, p orchtypes.Platform) error {
	return e.sink.Change(ctx, ports.Event{
		Code:         ports.EventPlatformApplied,
		Payload:      p,
		PartitionKey: "[" + p.NsID + "]",
	})
}
