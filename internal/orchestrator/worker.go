package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Worker pulls orchestrate_cluster tasks from a ports.TaskSource and
// drives them through a Runner. Concurrency is a fixed pool of
// goroutines each blocking on Source.Next in turn; cross-cluster
// ordering comes from the per-cluster lease, not from the pool.
type Worker struct {
	Source      ports.TaskSource
	Runner      *Runner
	Logger      *slog.Logger
	Concurrency int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker returns a Worker with a sane default concurrency.
func NewWorker(source ports.TaskSource, runner *Runner, logger *slog.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{Source: source, Runner: runner, Logger: logger, Concurrency: concurrency, stopCh: make(chan struct{})}
}

// Start launches the worker pool in the background. Call Stop to drain
// and exit.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop signals every worker goroutine to exit and waits for them to
// finish their current task.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.Logger.With("worker_id", id)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.Source.Next(ctx, ports.OrchestrateClusterQueue)
		if err != nil {
			logger.Error("pull task failed", "error", err)
			continue
		}
		if task == nil {
			// Empty poll; Next already blocked for its configured
			// timeout, so loop straight back around rather than
			// busy-spinning.
			continue
		}
		w.handle(ctx, logger, *task)
	}
}

func (w *Worker) handle(ctx context.Context, logger *slog.Logger, task ports.ReceivedTask) {
	var payload ports.OrchestrateClusterPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		logger.Error("decode task payload failed", "error", err)
		if ackErr := w.Source.Done(ctx, task.AckHandle); ackErr != nil {
			logger.Error("ack malformed task failed", "error", ackErr)
		}
		return
	}

	_, outcome, err := w.Runner.RunOnce(ctx, payload.NsID, payload.ClusterID)
	if err != nil {
		logger.Warn("orchestration cycle returned error", "ns_id", payload.NsID, "cluster_id", payload.ClusterID, "error", err)
	}

	switch outcome {
	case AckRetry:
		if err := w.Source.Nack(ctx, task.AckHandle); err != nil {
			logger.Error("nack task failed", "error", err)
		}
	default:
		if err := w.Source.Done(ctx, task.AckHandle); err != nil {
			logger.Error("ack task failed", "error", err)
		}
	}
}
