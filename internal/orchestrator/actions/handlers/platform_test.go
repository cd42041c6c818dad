package handlers_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions/handlers"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

type stubPlatform struct {
	result *ports.ProvisionResult
	err    error
}

func (p *stubPlatform) Discover(context.Context) ([]ports.DiscoveredCluster, error) { return nil, nil }
func (p *stubPlatform) Provision(context.Context, ports.ProvisionRequest) (*ports.ProvisionResult, error) {
	return p.result, p.err
}
func (p *stubPlatform) Deprovision(context.Context, ports.DeprovisionRequest) error { return nil }

func TestPlatformNodeProvision_Success(t *testing.T) {
	h := &handlers.PlatformNodeProvision{Platform: &stubPlatform{result: &ports.ProvisionResult{Count: 2, NodeIDs: []string{"n4", "n5"}}}}
	action := orchtypes.OAction{
		NsID: "ns1", ClusterID: "c1", ActionID: uuid.New(), Kind: handlers.PlatformNodeProvisionKind,
		Args: map[string]interface{}{"node_group_id": "data", "count": 2},
	}
	changes, err := h.Progress(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhaseDone, changes.State)
	assert.Equal(t, []string{"n4", "n5"}, changes.StatePayload["node_ids"])
}

func TestPlatformNodeProvision_Failure(t *testing.T) {
	h := &handlers.PlatformNodeProvision{Platform: &stubPlatform{err: assertErr("platform unreachable")}}
	action := orchtypes.OAction{NsID: "ns1", ClusterID: "c1", ActionID: uuid.New(), Kind: handlers.PlatformNodeProvisionKind}
	changes, err := h.Progress(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhaseFailed, changes.State)
	assert.Contains(t, changes.StatePayloadError, "platform unreachable")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
