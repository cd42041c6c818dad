package ports

import (
	"context"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// DiscoveredCluster is one cluster as reported by Platform.Discover.
type DiscoveredCluster struct {
	ClusterID string
	Nodes     []orchtypes.DiscoveredNode
}

// ProvisionRequest asks the platform to create nodes in a node group.
type ProvisionRequest struct {
	NsID      string
	ClusterID string
	NodeGroup string
	Count     int
}

// ProvisionResult is the platform's response to a provision request.
type ProvisionResult struct {
	Count   int
	NodeIDs []string
}

// DeprovisionRequest asks the platform to destroy specific nodes.
type DeprovisionRequest struct {
	NsID      string
	ClusterID string
	NodeIDs   []string
}

// PlatformClient is the provisioning/discovery transport to the external
// platform.
type PlatformClient interface {
	Discover(ctx context.Context) ([]DiscoveredCluster, error)
	Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)
	Deprovision(ctx context.Context, req DeprovisionRequest) error
}
