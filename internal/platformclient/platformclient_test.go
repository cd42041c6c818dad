package platformclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/platformclient"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func TestClient_Discover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/discover", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"clusters": []ports.DiscoveredCluster{{ClusterID: "c1"}}})
	}))
	defer srv.Close()

	client, err := platformclient.New(platformclient.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	clusters, err := client.Discover(t.Context())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "c1", clusters[0].ClusterID)
}

func TestClient_Provision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/provision", r.URL.Path)
		var req ports.ProvisionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "data", req.NodeGroup)
		_ = json.NewEncoder(w).Encode(ports.ProvisionResult{Count: 1, NodeIDs: []string{"n4"}})
	}))
	defer srv.Close()

	client, err := platformclient.New(platformclient.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	result, err := client.Provision(t.Context(), ports.ProvisionRequest{NsID: "ns1", ClusterID: "c1", NodeGroup: "data", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"n4"}, result.NodeIDs)
}

func TestClient_Provision_ErrorWrapsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("platform unavailable"))
	}))
	defer srv.Close()

	client, err := platformclient.New(platformclient.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Provision(t.Context(), ports.ProvisionRequest{NsID: "ns1", ClusterID: "c1", NodeGroup: "data", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNew_DisabledTLS(t *testing.T) {
	client, err := platformclient.New(platformclient.Config{BaseURL: "https://platform.internal"})
	require.NoError(t, err)
	require.NotNil(t, client)
}
