// Package telemetry holds the structured counters the orchestration
// loop updates every cycle: plain int64 fields bumped with atomic ops
// and periodically logged through slog rather than a metrics client.
package telemetry

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// CycleCounters accumulates orchestration-cycle outcomes across the
// lifetime of one process. All fields are updated with atomic ops so a
// worker pool (internal/orchestrator.Worker) can share one instance
// across goroutines without a mutex.
type CycleCounters struct {
	CyclesRun       int64
	CyclesSucceeded int64
	CyclesFailed    int64
	NodesSynced     int64
	NodesFailed     int64
	ActionsLost     int64
	LastCycleAt     atomic.Int64 // unix nanos
}

// RecordCycle folds one OrchestrateReport-shaped outcome into the
// counters. Called once per Runner.RunOnce invocation.
func (c *CycleCounters) RecordCycle(success bool, nodesSynced, nodesFailed, actionsLost int, at time.Time) {
	atomic.AddInt64(&c.CyclesRun, 1)
	if success {
		atomic.AddInt64(&c.CyclesSucceeded, 1)
	} else {
		atomic.AddInt64(&c.CyclesFailed, 1)
	}
	atomic.AddInt64(&c.NodesSynced, int64(nodesSynced))
	atomic.AddInt64(&c.NodesFailed, int64(nodesFailed))
	atomic.AddInt64(&c.ActionsLost, int64(actionsLost))
	c.LastCycleAt.Store(at.UnixNano())
}

// Snapshot is a point-in-time, non-atomic copy of CycleCounters safe to
// marshal or log.
type Snapshot struct {
	CyclesRun       int64     `json:"cycles_run"`
	CyclesSucceeded int64     `json:"cycles_succeeded"`
	CyclesFailed    int64     `json:"cycles_failed"`
	NodesSynced     int64     `json:"nodes_synced"`
	NodesFailed     int64     `json:"nodes_failed"`
	ActionsLost     int64     `json:"actions_lost"`
	LastCycleAt     time.Time `json:"last_cycle_at"`
}

// Snapshot reads every counter atomically and returns a stable copy.
func (c *CycleCounters) Snapshot() Snapshot {
	return Snapshot{
		CyclesRun:       atomic.LoadInt64(&c.CyclesRun),
		CyclesSucceeded: atomic.LoadInt64(&c.CyclesSucceeded),
		CyclesFailed:    atomic.LoadInt64(&c.CyclesFailed),
		NodesSynced:     atomic.LoadInt64(&c.NodesSynced),
		NodesFailed:     atomic.LoadInt64(&c.NodesFailed),
		ActionsLost:     atomic.LoadInt64(&c.ActionsLost),
		LastCycleAt:     time.Unix(0, c.LastCycleAt.Load()),
	}
}

// LogEvery starts a goroutine that logs a Snapshot at interval until
// stop is closed. Intended for a long-running serve/worker process, not
// for orchestrate-once or tests.
func (c *CycleCounters) LogEvery(logger *slog.Logger, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s := c.Snapshot()
				logger.Info("orchestration counters",
					"cycles_run", s.CyclesRun,
					"cycles_succeeded", s.CyclesSucceeded,
					"cycles_failed", s.CyclesFailed,
					"nodes_synced", s.NodesSynced,
					"nodes_failed", s.NodesFailed,
					"actions_lost", s.ActionsLost,
				)
			}
		}
	}()
}
