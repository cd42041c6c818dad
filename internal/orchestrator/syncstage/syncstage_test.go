package syncstage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/changeevents"
	"github.com/khryptorgraphics/orchestrall/internal/clusterview"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/orchestratortest"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/report"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/syncstage"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func priorView(nodes ...string) *clusterview.ViewBuilder {
	spec := orchtypes.ClusterSpec{NsID: "ns1", Name: "c1", Declaration: orchtypes.Declaration{Active: true}}
	disc := orchtypes.ClusterDiscovery{NsID: "ns1", ClusterID: "c1"}
	for _, id := range nodes {
		disc.Nodes = append(disc.Nodes, orchtypes.DiscoveredNode{NodeID: id, NodeGroup: "data"})
	}
	return clusterview.NewBuilder(spec, disc)
}

func changeCodes(sink *orchestratortest.FakeEventSink) []string {
	out := make([]string, 0, len(sink.Changes))
	for _, ev := range sink.Changes {
		out = append(out, ev.Code)
	}
	return out
}

// A Running action the agent no longer reports is transitioned to Lost,
// finalized, and removed from the next view.
func TestSync_RunningActionUnknownToAgentIsLost(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	sink := orchestratortest.NewFakeEventSink()
	clients := orchestratortest.NewFakeAgentClientFactory()
	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{
		Node:       orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Executions: map[uuid.UUID]ports.ActionExecution{},
	}

	pb := priorView("n1")
	a1 := orchtypes.NAction{
		NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(),
		Kind: "noop", CreatedTime: time.Now().Add(-time.Minute),
		State: orchtypes.ActionState{Phase: orchtypes.PhaseRunning},
	}
	require.NoError(t, pb.NAction(a1))
	prior := pb.View()

	builder := priorView("n1")
	rpt := report.New("ns1", "c1", time.Now())
	emit := changeevents.New(sink, "ns1", "c1")
	stage := syncstage.New(store, clients, testLogger())
	require.NoError(t, stage.Run(context.Background(), "ns1", prior, builder, emit, rpt))

	_, stillThere := builder.View().LookupNodeAction(a1.ActionID)
	assert.False(t, stillThere, "lost action must leave the view")

	persisted, err := store.LookupNAction(context.Background(), ports.ClusterKey{NsID: "ns1", ClusterID: "c1"}, a1.ActionID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, orchtypes.PhaseLost, persisted.State.Phase)
	require.NotNil(t, persisted.FinishedTime)

	final := rpt.Build(time.Now())
	assert.Equal(t, 1, final.NodeActionsLost)
	assert.Contains(t, changeCodes(sink), ports.EventNActionSyncUpdate)
}

// A pending action never delivered to the agent is carried forward
// unchanged rather than lost.
func TestSync_PendingUndeliveredActionCarriesForward(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	sink := orchestratortest.NewFakeEventSink()
	clients := orchestratortest.NewFakeAgentClientFactory()
	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{
		Node:       orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Executions: map[uuid.UUID]ports.ActionExecution{},
	}

	pb := priorView("n1")
	pending := orchtypes.NAction{
		NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(),
		Kind: "noop", CreatedTime: time.Now().Add(-time.Minute),
		State: orchtypes.ActionState{Phase: orchtypes.PhasePendingSchedule},
	}
	require.NoError(t, pb.NAction(pending))
	prior := pb.View()

	builder := priorView("n1")
	rpt := report.New("ns1", "c1", time.Now())
	stage := syncstage.New(store, clients, testLogger())
	require.NoError(t, stage.Run(context.Background(), "ns1", prior, builder, changeevents.New(sink, "ns1", "c1"), rpt))

	carried, ok := builder.View().LookupNodeAction(pending.ActionID)
	require.True(t, ok)
	assert.Equal(t, orchtypes.PhasePendingSchedule, carried.State.Phase)
	assert.Equal(t, 0, rpt.Build(time.Now()).NodeActionsLost)
}

// Agent-reported actions are fetched in full: a queued action the view
// had not seen emits NACTION_SYNC_NEW, a known one NACTION_SYNC_UPDATE.
func TestSync_ActionFetchEmitsNewAndUpdate(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	sink := orchestratortest.NewFakeEventSink()

	known := orchtypes.NAction{
		NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(),
		Kind: "noop", CreatedTime: time.Now().Add(-2 * time.Minute),
		State: orchtypes.ActionState{Phase: orchtypes.PhaseRunning},
	}
	unknownID := uuid.New()

	clients := orchestratortest.NewFakeAgentClientFactory()
	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{
		Node:  orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Queue: []ports.ActionSummary{{ID: known.ActionID}, {ID: unknownID}},
		Executions: map[uuid.UUID]ports.ActionExecution{
			known.ActionID: {
				ID: known.ActionID, Kind: "noop", CreatedTime: known.CreatedTime,
				State: orchtypes.ActionState{Phase: orchtypes.PhaseRunning},
			},
			unknownID: {
				ID: unknownID, Kind: "backup", CreatedTime: time.Now(),
				State: orchtypes.ActionState{Phase: orchtypes.PhaseRunning},
			},
		},
	}

	pb := priorView("n1")
	require.NoError(t, pb.NAction(known))
	prior := pb.View()

	builder := priorView("n1")
	rpt := report.New("ns1", "c1", time.Now())
	stage := syncstage.New(store, clients, testLogger())
	require.NoError(t, stage.Run(context.Background(), "ns1", prior, builder, changeevents.New(sink, "ns1", "c1"), rpt))

	codes := changeCodes(sink)
	assert.Contains(t, codes, ports.EventNActionSyncNew)
	assert.Contains(t, codes, ports.EventNActionSyncUpdate)

	fetched, ok := builder.View().LookupNodeAction(unknownID)
	require.True(t, ok)
	assert.Equal(t, "backup", fetched.Kind)
}

// A finished agent-side action is persisted terminal and removed from
// the view instead of carried.
func TestSync_FinishedActionLeavesView(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	sink := orchestratortest.NewFakeEventSink()

	running := orchtypes.NAction{
		NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(),
		Kind: "noop", CreatedTime: time.Now().Add(-2 * time.Minute),
		State: orchtypes.ActionState{Phase: orchtypes.PhaseRunning},
	}
	done := time.Now()

	clients := orchestratortest.NewFakeAgentClientFactory()
	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{
		Node:     orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Finished: []ports.ActionSummary{{ID: running.ActionID}},
		Executions: map[uuid.UUID]ports.ActionExecution{
			running.ActionID: {
				ID: running.ActionID, Kind: "noop", CreatedTime: running.CreatedTime,
				FinishedTime: &done,
				State:        orchtypes.ActionState{Phase: orchtypes.PhaseDone},
			},
		},
	}

	pb := priorView("n1")
	require.NoError(t, pb.NAction(running))
	prior := pb.View()

	builder := priorView("n1")
	rpt := report.New("ns1", "c1", time.Now())
	stage := syncstage.New(store, clients, testLogger())
	require.NoError(t, stage.Run(context.Background(), "ns1", prior, builder, changeevents.New(sink, "ns1", "c1"), rpt))

	_, ok := builder.View().LookupNodeAction(running.ActionID)
	assert.False(t, ok)
	persisted, err := store.LookupNAction(context.Background(), ports.ClusterKey{NsID: "ns1", ClusterID: "c1"}, running.ActionID)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhaseDone, persisted.State.Phase)
}

// Shards the agent stops reporting are deleted; reported ones upserted.
func TestSync_ShardReconciliation(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	sink := orchestratortest.NewFakeEventSink()

	gone := orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ShardID: "s-old", Role: orchtypes.ShardSecondary}
	kept := orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ShardID: "s1", Role: orchtypes.ShardPrimary, CommitOffset: 5}
	require.NoError(t, store.PersistShard(context.Background(), gone))

	clients := orchestratortest.NewFakeAgentClientFactory()
	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{
		Node:       orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Shards:     []orchtypes.Shard{{ShardID: "s1", Role: orchtypes.ShardPrimary, CommitOffset: 5}},
		Executions: map[uuid.UUID]ports.ActionExecution{},
	}

	pb := priorView("n1")
	pb.Shard(gone)
	prior := pb.View()

	builder := priorView("n1")
	rpt := report.New("ns1", "c1", time.Now())
	stage := syncstage.New(store, clients, testLogger())
	require.NoError(t, stage.Run(context.Background(), "ns1", prior, builder, changeevents.New(sink, "ns1", "c1"), rpt))

	shards := builder.View().ShardsForNode("n1")
	require.Len(t, shards, 1)
	assert.Equal(t, kept.ShardID, shards[0].ShardID)

	stored, err := store.ListShards(context.Background(), ports.NodeKey{ClusterKey: ports.ClusterKey{NsID: "ns1", ClusterID: "c1"}, NodeID: "n1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "s1", stored[0].ShardID)
}

// A shard whose commit offset did not advance across two consecutive
// syncs of a healthy node is noted as stale.
func TestSync_StaleShardNoted(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	sink := orchestratortest.NewFakeEventSink()

	stuck := orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ShardID: "s1", Role: orchtypes.ShardPrimary, CommitOffset: 42}

	clients := orchestratortest.NewFakeAgentClientFactory()
	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{
		Node:       orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Shards:     []orchtypes.Shard{{ShardID: "s1", Role: orchtypes.ShardPrimary, CommitOffset: 42}},
		Executions: map[uuid.UUID]ports.ActionExecution{},
	}

	pb := priorView("n1")
	pb.Shard(stuck)
	prior := pb.View()

	builder := priorView("n1")
	rpt := report.New("ns1", "c1", time.Now())
	stage := syncstage.New(store, clients, testLogger())
	require.NoError(t, stage.Run(context.Background(), "ns1", prior, builder, changeevents.New(sink, "ns1", "c1"), rpt))

	final := rpt.Build(time.Now())
	require.True(t, final.Outcome.Success, "staleness is informational")
	found := false
	for _, note := range final.Notes {
		if note.NodeID == "n1" && note.Severity == orchtypes.SeverityWarning {
			found = true
		}
	}
	assert.True(t, found, "expected a stale-shard warning note for n1")
}

// An agent failure on one node is node-specific: that node is marked
// Unknown and counted failed while the other node still syncs.
func TestSync_NodeFailureIsConfinedAgentErrOnly(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	sink := orchestratortest.NewFakeEventSink()
	clients := orchestratortest.NewFakeAgentClientFactory()
	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{InfoNodeErr: errors.New("connection reset")}
	clients.ByNode["n2"] = &orchestratortest.FakeAgentClient{
		Node:       orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Executions: map[uuid.UUID]ports.ActionExecution{},
	}

	prior := priorView("n1", "n2").View()
	builder := priorView("n1", "n2")
	rpt := report.New("ns1", "c1", time.Now())
	stage := syncstage.New(store, clients, testLogger())
	require.NoError(t, stage.Run(context.Background(), "ns1", prior, builder, changeevents.New(sink, "ns1", "c1"), rpt))

	final := rpt.Build(time.Now())
	assert.Equal(t, 1, final.NodesFailed)
	assert.Equal(t, 1, final.NodesSynced)

	n1, ok := builder.View().Node("n1")
	require.True(t, ok)
	assert.Equal(t, orchtypes.NodeUnknown, n1.NodeStatus)
}
