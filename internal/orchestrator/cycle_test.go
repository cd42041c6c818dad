package orchestrator_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/orchestrator"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/orchestratortest"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seedCluster(t *testing.T, store *orchestratortest.FakeStore, nsID, clusterID string, decl orchtypes.Declaration, nodes []orchtypes.DiscoveredNode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PersistNamespace(ctx, orchtypes.Namespace{ID: nsID, Status: orchtypes.NamespaceActive}))
	require.NoError(t, store.PersistClusterSpec(ctx, orchtypes.ClusterSpec{NsID: nsID, Name: clusterID, Declaration: decl}))
	require.NoError(t, store.PersistClusterDiscovery(ctx, orchtypes.ClusterDiscovery{NsID: nsID, ClusterID: clusterID, Nodes: nodes}))
}

func newRunner(store *orchestratortest.FakeStore, events *orchestratortest.FakeEventSink, lock *orchestratortest.FakeLockService, clients *orchestratortest.FakeAgentClientFactory, registry *actions.Registry) *orchestrator.Runner {
	return orchestrator.NewRunner(store, events, lock, clients, registry, testLogger(), "test-worker")
}

// Scenario 1: initialize a three-node cluster.
func TestRunOnce_ClusterInitThenGraceThenSettled(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	events := orchestratortest.NewFakeEventSink()
	lock := orchestratortest.NewFakeLockService()
	registry := actions.NewRegistry()
	clients := orchestratortest.NewFakeAgentClientFactory()

	nodes := []orchtypes.DiscoveredNode{{NodeID: "n1", NodeGroup: "data"}, {NodeID: "n2", NodeGroup: "data"}, {NodeID: "n3", NodeGroup: "data"}}
	for _, dn := range nodes {
		clients.ByNode[dn.NodeID] = &orchestratortest.FakeAgentClient{
			Node:       orchtypes.Node{NodeStatus: orchtypes.NodeNotInCluster},
			Executions: map[uuid.UUID]ports.ActionExecution{},
		}
	}

	decl := orchtypes.Declaration{
		Active:   true,
		Mode:     orchtypes.OrchestrationModeAct,
		Approval: orchtypes.ApprovalGranted,
		Initialise: orchtypes.Initialise{
			Mode:  orchtypes.InitialiseManaged,
			Grace: 5 * time.Minute,
		},
	}
	seedCluster(t, store, "ns1", "c1", decl, nodes)

	runner := newRunner(store, events, lock, clients, registry)

	rpt1, ack, err := runner.RunOnce(context.Background(), "ns1", "c1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.AckDone, ack)
	assert.True(t, rpt1.Outcome.Success)

	unfinished, err := store.ListUnfinishedNActions(context.Background(), ports.ClusterKey{NsID: "ns1", ClusterID: "c1"})
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "cluster.init", unfinished[0].Kind)

	// Cycle 2, within grace: no second cluster.init action created.
	_, ack, err = runner.RunOnce(context.Background(), "ns1", "c1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.AckDone, ack)
	unfinished, err = store.ListUnfinishedNActions(context.Background(), ports.ClusterKey{NsID: "ns1", ClusterID: "c1"})
	require.NoError(t, err)
	assert.Len(t, unfinished, 1)
}

// Scenario 4: one node unreachable is node-specific,
// sync continues for the other node.
func TestRunOnce_NodeSpecificFailureDoesNotAbortCycle(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	events := orchestratortest.NewFakeEventSink()
	lock := orchestratortest.NewFakeLockService()
	registry := actions.NewRegistry()
	clients := orchestratortest.NewFakeAgentClientFactory()

	clients.ByNode["n1"] = &orchestratortest.FakeAgentClient{InfoNodeErr: assertErr("agent unreachable")}
	clients.ByNode["n2"] = &orchestratortest.FakeAgentClient{
		Node:       orchtypes.Node{NodeStatus: orchtypes.NodeHealthy},
		Executions: map[uuid.UUID]ports.ActionExecution{},
	}

	decl := orchtypes.Declaration{Active: true, Mode: orchtypes.OrchestrationModeAct, Approval: orchtypes.ApprovalGranted}
	nodes := []orchtypes.DiscoveredNode{{NodeID: "n1", NodeGroup: "data"}, {NodeID: "n2", NodeGroup: "data"}}
	seedCluster(t, store, "ns1", "c1", decl, nodes)

	runner := newRunner(store, events, lock, clients, registry)
	rpt, ack, err := runner.RunOnce(context.Background(), "ns1", "c1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.AckDone, ack)
	assert.True(t, rpt.Outcome.Success)
	assert.Equal(t, 1, rpt.NodesFailed)
	assert.Equal(t, 1, rpt.NodesSynced)
}

// Scenario: cluster busy (lease already held by another owner).
func TestRunOnce_BusyLeaseRecordsNoteAndAcksDone(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	events := orchestratortest.NewFakeEventSink()
	lock := orchestratortest.NewFakeLockService()
	registry := actions.NewRegistry()
	clients := orchestratortest.NewFakeAgentClientFactory()

	decl := orchtypes.Declaration{Active: true, Mode: orchtypes.OrchestrationModeAct, Approval: orchtypes.ApprovalGranted}
	seedCluster(t, store, "ns1", "c1", decl, nil)

	_, err := lock.Acquire(context.Background(), ports.OrchestrateLeaseName("ns1", "c1"), "other-owner")
	require.NoError(t, err)

	runner := newRunner(store, events, lock, clients, registry)
	rpt, ack, err := runner.RunOnce(context.Background(), "ns1", "c1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.AckDone, ack)
	assert.True(t, rpt.Outcome.Success)
	require.Len(t, rpt.Notes, 1)
	assert.Contains(t, rpt.Notes[0].Message, "busy")
}

// Scenario 6 variant: disabled cluster acks done with a note.
func TestRunOnce_DisabledClusterSkipsCycle(t *testing.T) {
	store := orchestratortest.NewFakeStore()
	events := orchestratortest.NewFakeEventSink()
	lock := orchestratortest.NewFakeLockService()
	registry := actions.NewRegistry()
	clients := orchestratortest.NewFakeAgentClientFactory()

	decl := orchtypes.Declaration{Active: false}
	seedCluster(t, store, "ns1", "c1", decl, nil)

	runner := newRunner(store, events, lock, clients, registry)
	rpt, ack, err := runner.RunOnce(context.Background(), "ns1", "c1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.AckDone, ack)
	require.Len(t, rpt.Notes, 1)
	assert.Contains(t, rpt.Notes[0].Message, "disabled")
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
