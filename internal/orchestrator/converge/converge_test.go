package converge_test

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/changeevents"
	"github.com/khryptorgraphics/orchestrall/internal/clusterview"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/converge"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/orchestratortest"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/report"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func baseSpec() orchtypes.ClusterSpec {
	return orchtypes.ClusterSpec{
		NsID: "ns1",
		Name: "c1",
		Declaration: orchtypes.Declaration{
			Active:   true,
			Mode:     orchtypes.OrchestrationModeAct,
			Approval: orchtypes.ApprovalGranted,
			Initialise: orchtypes.Initialise{
				Mode:  orchtypes.InitialiseManaged,
				Grace: 5 * time.Minute,
			},
			Definition: orchtypes.ClusterDefinition{
				Nodes: map[string]orchtypes.NodeGroupDefinition{
					"data": {DesiredCount: 3},
				},
			},
			GraceUp: 10 * time.Minute,
		},
	}
}

func TestClusterInit_CreatesOneActionThenSkipsUntilGraceElapsed(t *testing.T) {
	spec := baseSpec()
	disc := orchtypes.ClusterDiscovery{NsID: spec.NsID, ClusterID: spec.Name, Nodes: []orchtypes.DiscoveredNode{
		{NodeID: "n1", NodeGroup: "data"},
		{NodeID: "n2", NodeGroup: "data"},
		{NodeID: "n3", NodeGroup: "data"},
	}}

	store := orchestratortest.NewFakeStore()
	key := ports.ClusterKey{NsID: spec.NsID, ClusterID: spec.Name}

	builder := clusterview.NewBuilder(spec, disc)
	view := builder.View()
	emit := changeevents.New(orchestratortest.NewFakeEventSink(), spec.NsID, spec.Name)
	rpt := report.New(spec.NsID, spec.Name, time.Now())

	eng := converge.New(store, testLogger())
	require.NoError(t, eng.Run(context.Background(), key, view, builder, emit, rpt))

	require.Len(t, view.AllNodeActions(), 1)
	a := view.AllNodeActions()[0]
	assert.Equal(t, converge.KindClusterInit, a.Kind)

	// Second run within grace creates nothing new.
	require.NoError(t, eng.Run(context.Background(), key, view, builder, emit, rpt))
	assert.Len(t, view.AllNodeActions(), 1)
}

func TestClusterInit_SkippedWhenAnyNodeAlreadyInCluster(t *testing.T) {
	spec := baseSpec()
	disc := orchtypes.ClusterDiscovery{NsID: spec.NsID, ClusterID: spec.Name, Nodes: []orchtypes.DiscoveredNode{
		{NodeID: "n1", NodeGroup: "data"},
	}}
	store := orchestratortest.NewFakeStore()
	key := ports.ClusterKey{NsID: spec.NsID, ClusterID: spec.Name}

	builder := clusterview.NewBuilder(spec, disc)
	builder.Node(orchtypes.Node{NsID: spec.NsID, ClusterID: spec.Name, NodeID: "n1", NodeGroup: "data", NodeStatus: orchtypes.NodeHealthy})
	view := builder.View()
	emit := changeevents.New(orchestratortest.NewFakeEventSink(), spec.NsID, spec.Name)
	rpt := report.New(spec.NsID, spec.Name, time.Now())

	eng := converge.New(store, testLogger())
	require.NoError(t, eng.Run(context.Background(), key, view, builder, emit, rpt))
	assert.Empty(t, view.AllNodeActions())
}

func TestNodeScaleUp_CreatesProvisionActionForFirstUnderProvisionedGroup(t *testing.T) {
	spec := baseSpec()
	spec.Declaration.Initialise.Mode = orchtypes.InitialiseNotManaged
	disc := orchtypes.ClusterDiscovery{NsID: spec.NsID, ClusterID: spec.Name}
	store := orchestratortest.NewFakeStore()
	key := ports.ClusterKey{NsID: spec.NsID, ClusterID: spec.Name}

	builder := clusterview.NewBuilder(spec, disc)
	builder.Node(orchtypes.Node{NsID: spec.NsID, ClusterID: spec.Name, NodeID: "n1", NodeGroup: "data", NodeStatus: orchtypes.NodeHealthy})
	builder.Node(orchtypes.Node{NsID: spec.NsID, ClusterID: spec.Name, NodeID: "n2", NodeGroup: "data", NodeStatus: orchtypes.NodeHealthy})
	view := builder.View()
	emit := changeevents.New(orchestratortest.NewFakeEventSink(), spec.NsID, spec.Name)
	rpt := report.New(spec.NsID, spec.Name, time.Now())

	eng := converge.New(store, testLogger())
	require.NoError(t, eng.Run(context.Background(), key, view, builder, emit, rpt))

	oactions := view.OActionsUnfinished()
	require.Len(t, oactions, 1)
	assert.Equal(t, converge.KindPlatformNodeProvision, oactions[0].Kind)
	assert.Equal(t, 1, oactions[0].Args["count"])
	assert.Equal(t, "data", oactions[0].Args["node_group_id"])

	// Next run within grace creates nothing new.
	require.NoError(t, eng.Run(context.Background(), key, view, builder, emit, rpt))
	assert.Len(t, view.OActionsUnfinished(), 1)
}

func TestNodeScaleUp_SkippedWhenFullyProvisioned(t *testing.T) {
	spec := baseSpec()
	spec.Declaration.Initialise.Mode = orchtypes.InitialiseNotManaged
	spec.Declaration.Definition.Nodes["data"] = orchtypes.NodeGroupDefinition{DesiredCount: 2}
	disc := orchtypes.ClusterDiscovery{NsID: spec.NsID, ClusterID: spec.Name}
	store := orchestratortest.NewFakeStore()
	key := ports.ClusterKey{NsID: spec.NsID, ClusterID: spec.Name}

	builder := clusterview.NewBuilder(spec, disc)
	builder.Node(orchtypes.Node{NsID: spec.NsID, ClusterID: spec.Name, NodeID: "n1", NodeGroup: "data", NodeStatus: orchtypes.NodeHealthy})
	builder.Node(orchtypes.Node{NsID: spec.NsID, ClusterID: spec.Name, NodeID: "n2", NodeGroup: "data", NodeStatus: orchtypes.NodeHealthy})
	view := builder.View()
	emit := changeevents.New(orchestratortest.NewFakeEventSink(), spec.NsID, spec.Name)
	rpt := report.New(spec.NsID, spec.Name, time.Now())

	eng := converge.New(store, testLogger())
	require.NoError(t, eng.Run(context.Background(), key, view, builder, emit, rpt))
	assert.Empty(t, view.OActionsUnfinished())
}
