package ports

import "context"

// OrchestrateClusterQueue is the well-known queue name carrying
// (ns_id, cluster_id) orchestration triggers.
const OrchestrateClusterQueue = "orchestrate_cluster"

// OrchestrateClusterPayload is the payload of an orchestrate_cluster task.
type OrchestrateClusterPayload struct {
	NsID      string `json:"ns_id"`
	ClusterID string `json:"cluster_id"`
}

// TaskSubmission is handed to TaskSubmit.Submit.
type TaskSubmission struct {
	Queue   string
	Payload []byte
}

// ReceivedTask is handed back by TaskSource.Next, along with an opaque
// AckHandle that Done/Nack consume exactly once.
type ReceivedTask struct {
	Queue     string
	Payload   []byte
	AckHandle string
}

// TaskSubmit enqueues background work.
type TaskSubmit interface {
	Submit(ctx context.Context, sub TaskSubmission) error
}

// TaskSource pulls and acknowledges background work. Nack returns the
// task to its queue for redelivery; no TaskSource in this module applies
// a RetryPolicy, so a task nacked on every delivery is redelivered each
// time.
type TaskSource interface {
	Next(ctx context.Context, queue string) (*ReceivedTask, error)
	Done(ctx context.Context, handle string) error
	Nack(ctx context.Context, handle string) error
}

// RetryPolicy is the static per-queue retry configuration.
type RetryPolicy struct {
	RetryCount   int
	RetryTimeout int64 // seconds
}
