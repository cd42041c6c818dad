package agentclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/agentclient"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func newClient(t *testing.T, srv *httptest.Server) ports.AgentClient {
	t.Helper()
	factory := agentclient.NewFactory(agentclient.Config{})
	client, err := factory.ForNode("ns1", orchtypes.ClusterSpec{}, orchtypes.DiscoveredNode{NodeID: "n1", AgentAddress: srv.URL})
	require.NoError(t, err)
	return client
}

func TestClient_InfoNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/unstable/info/node", r.URL.Path)
		_ = json.NewEncoder(w).Encode(orchtypes.Node{NodeID: "n1", NodeStatus: orchtypes.NodeHealthy})
	}))
	defer srv.Close()

	client := newClient(t, srv)
	node, err := client.InfoNode(t.Context())
	require.NoError(t, err)
	assert.Equal(t, orchtypes.NodeHealthy, node.NodeStatus)
}

func TestClient_InfoNode_ErrorIsNodeSpecific(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newClient(t, srv)
	_, err := client.InfoNode(t.Context())
	require.Error(t, err)
	nse, ok := ports.AsNodeSpecific(err)
	require.True(t, ok)
	assert.Equal(t, "n1", nse.NodeID)
}

func TestClient_ActionSchedule_DuplicateIDMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := newClient(t, srv)
	err := client.ActionSchedule(t.Context(), ports.ActionExecutionRequest{ID: uuid.New(), Kind: "noop"})
	require.Error(t, err)
	nse, ok := ports.AsNodeSpecific(err)
	require.True(t, ok)
	assert.ErrorIs(t, nse, ports.ErrScheduleActionDuplicateID)
}

func TestFactory_ForNode_RequiresAgentAddress(t *testing.T) {
	factory := agentclient.NewFactory(agentclient.Config{})
	_, err := factory.ForNode("ns1", orchtypes.ClusterSpec{}, orchtypes.DiscoveredNode{NodeID: "n1"})
	assert.Error(t, err)
}
