package ports

import (
	"context"
	"errors"
)

// ErrLeaseHeld is returned by LockService.Acquire when another owner
// already holds the named lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// OrchestrateLeaseName builds the lease name guarding one cluster's
// orchestration cycle.
func OrchestrateLeaseName(nsID, clusterID string) string {
	return "orchestrate_cluster/" + nsID + "." + clusterID
}

// LeaseGuard is held for the duration of a critical section. IsHeld is a
// non-blocking check the runner must re-issue before any step that
// assumes exclusivity still holds; losing the lease is a normal event,
// not an error.
type LeaseGuard interface {
	IsHeld(ctx context.Context) bool
	Release(ctx context.Context) error
}

// LockService is the distributed, non-blocking lease service guarding
// at-most-one concurrent orchestration cycle per cluster.
type LockService interface {
	// Acquire attempts a non-blocking acquire of name for owner. It
	// returns ErrLeaseHeld (wrapped) if another owner currently holds
	// the lease.
	Acquire(ctx context.Context, name, owner string) (LeaseGuard, error)
}
