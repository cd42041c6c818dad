package clusterview_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/clusterview"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/orchestratortest"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func testSpec() orchtypes.ClusterSpec {
	return orchtypes.ClusterSpec{NsID: "ns1", Name: "c1", Declaration: orchtypes.Declaration{Active: true}}
}

func testDiscovery() orchtypes.ClusterDiscovery {
	return orchtypes.ClusterDiscovery{NsID: "ns1", ClusterID: "c1", Nodes: []orchtypes.DiscoveredNode{
		{NodeID: "n1", NodeGroup: "data"},
		{NodeID: "n2", NodeGroup: "data"},
	}}
}

func TestShardPrimary_UniqueNoneAndConflict(t *testing.T) {
	b := clusterview.NewBuilder(testSpec(), testDiscovery())
	b.Shard(orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ShardID: "s1", Role: orchtypes.ShardPrimary})
	b.Shard(orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n2", ShardID: "s1", Role: orchtypes.ShardSecondary})
	b.Shard(orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ShardID: "s2", Role: orchtypes.ShardSecondary})
	b.Shard(orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ShardID: "s3", Role: orchtypes.ShardPrimary})
	b.Shard(orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n2", ShardID: "s3", Role: orchtypes.ShardPrimary})
	view := b.View()

	primary, err := view.ShardPrimary("s1")
	require.NoError(t, err)
	require.NotNil(t, primary)
	assert.Equal(t, "n1", primary.NodeID)

	primary, err = view.ShardPrimary("s2")
	require.NoError(t, err)
	assert.Nil(t, primary)

	_, err = view.ShardPrimary("s3")
	require.Error(t, err)
	var many *clusterview.ManyPrimariesFound
	require.ErrorAs(t, err, &many)
	assert.Equal(t, "s3", many.ShardID)
	assert.Len(t, many.Conflict, 2)
}

func TestBuilder_RejectsTerminalActions(t *testing.T) {
	b := clusterview.NewBuilder(testSpec(), testDiscovery())

	done := time.Now()
	na := orchtypes.NAction{
		NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(),
		Kind: "noop", FinishedTime: &done,
		State: orchtypes.ActionState{Phase: orchtypes.PhaseDone},
	}
	err := b.NAction(na)
	require.ErrorIs(t, err, clusterview.ErrTerminalActionRejected)

	oa := orchtypes.OAction{
		NsID: "ns1", ClusterID: "c1", ActionID: uuid.New(),
		Kind: "noop", State: orchtypes.PhaseFailed, FinishedTS: &done,
	}
	err = b.OAction(oa)
	require.ErrorIs(t, err, clusterview.ErrTerminalActionRejected)

	assert.Empty(t, b.View().AllNodeActions())
	assert.Empty(t, b.View().OActionsUnfinished())
}

func TestBuilder_NActionIndexesStayConsistent(t *testing.T) {
	b := clusterview.NewBuilder(testSpec(), testDiscovery())

	a := orchtypes.NAction{
		NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(),
		Kind: "noop", CreatedTime: time.Now(),
		State: orchtypes.ActionState{Phase: orchtypes.PhasePendingSchedule},
	}
	require.NoError(t, b.NAction(a))
	view := b.View()

	byID, ok := view.LookupNodeAction(a.ActionID)
	require.True(t, ok)
	byNode := view.UnfinishedNodeActions("n1")
	require.Len(t, byNode, 1)
	assert.Equal(t, byID, byNode[0])

	// Update in place: both indexes must observe the same record.
	a.State.Phase = orchtypes.PhaseRunning
	require.NoError(t, b.NAction(a))
	byID, _ = view.LookupNodeAction(a.ActionID)
	assert.Equal(t, orchtypes.PhaseRunning, byID.State.Phase)
	require.Len(t, view.UnfinishedNodeActions("n1"), 1)
	assert.Equal(t, orchtypes.PhaseRunning, view.UnfinishedNodeActions("n1")[0].State.Phase)

	b.RemoveNAction(a)
	_, ok = view.LookupNodeAction(a.ActionID)
	assert.False(t, ok)
	assert.Empty(t, view.UnfinishedNodeActions("n1"))
}

func TestUnfinishedNodeActions_FIFOByCreatedTime(t *testing.T) {
	b := clusterview.NewBuilder(testSpec(), testDiscovery())
	base := time.Now()

	newest := orchtypes.NAction{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(), CreatedTime: base.Add(2 * time.Minute), State: orchtypes.ActionState{Phase: orchtypes.PhasePendingSchedule}}
	oldest := orchtypes.NAction{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(), CreatedTime: base, State: orchtypes.ActionState{Phase: orchtypes.PhasePendingSchedule}}
	middle := orchtypes.NAction{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(), CreatedTime: base.Add(time.Minute), State: orchtypes.ActionState{Phase: orchtypes.PhasePendingSchedule}}
	for _, a := range []orchtypes.NAction{newest, oldest, middle} {
		require.NoError(t, b.NAction(a))
	}

	got := b.View().UnfinishedNodeActions("n1")
	require.Len(t, got, 3)
	assert.Equal(t, oldest.ActionID, got[0].ActionID)
	assert.Equal(t, middle.ActionID, got[1].ActionID)
	assert.Equal(t, newest.ActionID, got[2].ActionID)
}

func TestLoad_FiltersTerminalAndBuildsIndexes(t *testing.T) {
	ctx := context.Background()
	store := orchestratortest.NewFakeStore()
	key := ports.ClusterKey{NsID: "ns1", ClusterID: "c1"}

	require.NoError(t, store.PersistClusterSpec(ctx, testSpec()))
	require.NoError(t, store.PersistClusterDiscovery(ctx, testDiscovery()))
	require.NoError(t, store.PersistNode(ctx, orchtypes.Node{NsID: "ns1", ClusterID: "c1", NodeID: "n1", NodeStatus: orchtypes.NodeHealthy, NodeGroup: "data"}))
	require.NoError(t, store.PersistShard(ctx, orchtypes.Shard{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ShardID: "s1", Role: orchtypes.ShardPrimary}))

	pending := orchtypes.NAction{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(), Kind: "noop", CreatedTime: time.Now(), State: orchtypes.ActionState{Phase: orchtypes.PhasePendingSchedule}}
	require.NoError(t, store.PersistNAction(ctx, pending))
	finished := time.Now()
	terminal := orchtypes.NAction{NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(), Kind: "noop", CreatedTime: time.Now(), FinishedTime: &finished, State: orchtypes.ActionState{Phase: orchtypes.PhaseDone}}
	require.NoError(t, store.PersistNAction(ctx, terminal))

	view, err := clusterview.Load(ctx, store, key)
	require.NoError(t, err)
	require.NotNil(t, view)

	actions := view.AllNodeActions()
	require.Len(t, actions, 1)
	assert.Equal(t, pending.ActionID, actions[0].ActionID)

	assert.Equal(t, 1, view.CountNodesInGroup("data"))
	assert.Equal(t, []string{"s1"}, view.AllShardIDs())
}

func TestLoad_MissingSpecReturnsNil(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	view, err := clusterview.Load(context.Background(), store, ports.ClusterKey{NsID: "ns1", ClusterID: "absent"})
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestSearchNodes(t *testing.T) {
	b := clusterview.NewBuilder(testSpec(), testDiscovery())
	b.Node(orchtypes.Node{NsID: "ns1", ClusterID: "c1", NodeID: "n1", NodeGroup: "data", NodeStatus: orchtypes.NodeHealthy})
	b.Node(orchtypes.Node{NsID: "ns1", ClusterID: "c1", NodeID: "n2", NodeGroup: "proxy", NodeStatus: orchtypes.NodeHealthy})

	got := b.View().SearchNodes(func(n orchtypes.Node) bool { return n.NodeGroup == "data" })
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].NodeID)
}
