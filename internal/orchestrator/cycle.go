// Package orchestrator wires the Cluster View, Sync Stage, Action
// Scheduler, Convergence Engine, and Report Builder into the single
// lease-guarded orchestration cycle, and runs the worker pool that
// drives cycles from the task queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khryptorgraphics/orchestrall/internal/changeevents"
	"github.com/khryptorgraphics/orchestrall/internal/clusterview"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/converge"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/report"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/scheduler"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/syncstage"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
	"github.com/khryptorgraphics/orchestrall/internal/telemetry"
)

// AckOutcome is how the task runner asks its caller (the worker pulling
// from the task queue) to acknowledge the underlying task.
type AckOutcome int

const (
	// AckDone acks the task successfully, whether the cycle ran to
	// completion or stopped early on a business-level condition (busy
	// lease, missing spec, disabled cluster).
	AckDone AckOutcome = iota
	// AckRetry nacks the task for the queue's static retry policy to
	// redeliver, because of an infrastructure (cycle-fatal) failure.
	AckRetry
)

// Runner owns one process's view of the external collaborators and
// drives orchestration cycles for whichever cluster a task names.
type Runner struct {
	Store      ports.Store
	Events     ports.EventSink
	Lock       ports.LockService
	Clients    ports.AgentClientFactory
	Registry   *actions.Registry
	Logger     *slog.Logger
	Owner      string
	Now        func() time.Time
	// Counters is optional; when set, every RunOnce call folds its final
	// report into it.
	Counters *telemetry.CycleCounters
}

// NewRunner returns a Runner with a default clock. Owner should uniquely
// identify this worker process (e.g. hostname + pid) for lease
// ownership and diagnostics.
func NewRunner(store ports.Store, events ports.EventSink, lock ports.LockService, clients ports.AgentClientFactory, registry *actions.Registry, logger *slog.Logger, owner string) *Runner {
	return &Runner{Store: store, Events: events, Lock: lock, Clients: clients, Registry: registry, Logger: logger, Owner: owner, Now: time.Now}
}

// RunOnce executes one orchestration cycle for (nsID, clusterID):
// lease acquire, spec and view load, sync, schedule, converge, shard
// health check, report. It always returns a report
// (possibly representing an early, successful stop) plus the ack
// outcome the caller should apply to the originating task.
func (r *Runner) RunOnce(ctx context.Context, nsID, clusterID string) (orchtypes.OrchestrateReport, AckOutcome, error) {
	start := r.Now()
	key := ports.ClusterKey{NsID: nsID, ClusterID: clusterID}
	rpt := report.New(nsID, clusterID, start)
	logger := r.Logger.With("ns_id", nsID, "cluster_id", clusterID)

	// Step 1: non-blocking lease acquire.
	leaseName := ports.OrchestrateLeaseName(nsID, clusterID)
	guard, err := r.Lock.Acquire(ctx, leaseName, r.Owner)
	if err != nil {
		if errors.Is(err, ports.ErrLeaseHeld) {
			rpt.Note(orchtypes.SeverityInfo, "cluster busy: orchestration already in progress")
			return r.finish(ctx, rpt, start), AckDone, nil
		}
		logger.Error("lease acquire failed", "error", err)
		return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("acquire lease %q: %w", leaseName, err)
	}
	defer func() {
		if releaseErr := guard.Release(context.Background()); releaseErr != nil {
			logger.Warn("lease release failed", "error", releaseErr)
		}
	}()

	// Step 2: load spec.
	spec, err := r.Store.LookupClusterSpec(ctx, key)
	if err != nil {
		logger.Error("load cluster spec failed", "error", err)
		return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("load cluster spec: %w", err)
	}
	if spec == nil {
		rpt.Note(orchtypes.SeverityInfo, "missing cluster spec")
		return r.finish(ctx, rpt, start), AckDone, nil
	}

	// Step 3: active gate.
	if !spec.Declaration.Active {
		rpt.Note(orchtypes.SeverityInfo, "cluster orchestration disabled")
		return r.finish(ctx, rpt, start), AckDone, nil
	}

	// Step 4: load prior view.
	prior, err := clusterview.Load(ctx, r.Store, key)
	if err != nil {
		logger.Error("load cluster view failed", "error", err)
		return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("load cluster view: %w", err)
	}
	if prior == nil {
		rpt.Note(orchtypes.SeverityInfo, "missing cluster spec")
		return r.finish(ctx, rpt, start), AckDone, nil
	}

	ns, err := r.Store.LookupNamespace(ctx, nsID)
	if err != nil {
		logger.Error("load namespace failed", "error", err)
		return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("load namespace: %w", err)
	}

	builder := clusterview.NewBuilder(prior.Spec, prior.Discovery)
	for _, n := range prior.Nodes() {
		builder.Node(n)
	}
	emit := changeevents.New(r.Events, nsID, clusterID)

	if ns == nil {
		// No namespace record yet: the cycle runs on synthesized default
		// settings, announced on the change stream so consumers can tell
		// them apart from operator-applied ones.
		ns = &orchtypes.Namespace{ID: nsID, Status: orchtypes.NamespaceActive}
		if err := emit.ClusterSettingsSynthetic(ctx, *ns); err != nil {
			logger.Warn("emit synthetic settings event failed", "error", err)
		}
	}

	// Step 5: SchedChoice, computed on the prior view before sync
	// mutates anything this cycle.
	choice := scheduler.ComputeSchedChoice(prior, r.Registry)
	rpt.SetSchedChoice(choice)

	// Step 6: sync stage. Node-specific failures are confined inside the
	// stage; only cycle-fatal errors surface here.
	syncStage := syncstage.New(r.Store, r.Clients, r.Logger)
	if err := syncStage.Run(ctx, nsID, prior, builder, emit, rpt); err != nil {
		logger.Error("sync stage failed", "error", err)
		rpt.Fail(err.Error(), causeChain(err))
		return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("sync stage: %w", err)
	}

	view := builder.View()

	// Step 7: schedule stage.
	sched := scheduler.New(r.Store, r.Clients, r.Registry, r.Logger)
	if err := sched.RunOActions(ctx, view, builder, emit, rpt, choice); err != nil {
		logger.Error("oaction scheduling failed", "error", err)
		rpt.Fail(err.Error(), causeChain(err))
		return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("schedule oactions: %w", err)
	}
	if err := sched.RunNodeActions(ctx, *ns, view, builder, emit, rpt, choice); err != nil {
		logger.Error("naction scheduling failed", "error", err)
		rpt.Fail(err.Error(), causeChain(err))
		return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("schedule nactions: %w", err)
	}

	// Step 8: converge, skipped if the lease is no longer held. Work already done above
	// (sync/schedule) remains persisted; it was each a legal state
	// transition applied atomically.
	if !guard.IsHeld(ctx) {
		rpt.Note(orchtypes.SeverityWarning, "lease lost before convergence; convergence skipped")
	} else {
		eng := converge.New(r.Store, r.Logger)
		if err := eng.Run(ctx, key, view, builder, emit, rpt); err != nil {
			logger.Error("convergence failed", "error", err)
			rpt.Fail(err.Error(), causeChain(err))
			return r.finish(ctx, rpt, start), AckRetry, fmt.Errorf("convergence: %w", err)
		}
	}

	// Step 9: the final view is the builder's accumulated state. Every
	// mutation above already persisted its entity and emitted its change
	// event inline; there is nothing left to diff.
	final := builder.View()
	checkShardHealth(final, rpt)

	return r.finish(ctx, rpt, start), AckDone, nil
}

// finish builds the final report, persists it, and emits the
// ORCHESTRATE_REPORT change event.
func (r *Runner) finish(ctx context.Context, rpt *report.Builder, start time.Time) orchtypes.OrchestrateReport {
	final := rpt.Build(r.Now())
	if err := r.Store.PersistReport(ctx, final); err != nil {
		r.Logger.Error("persist report failed", "ns_id", final.NsID, "cluster_id", final.ClusterID, "error", err)
	}
	emit := changeevents.New(r.Events, final.NsID, final.ClusterID)
	if err := emit.Report(ctx, final); err != nil {
		r.Logger.Error("emit report event failed", "ns_id", final.NsID, "cluster_id", final.ClusterID, "error", err)
	}
	if r.Counters != nil {
		r.Counters.RecordCycle(final.Outcome.Success, final.NodesSynced, final.NodesFailed, final.NodeActionsLost, r.Now())
	}
	return final
}

// checkShardHealth walks every shard ID in the final view and records a
// warning note for each one with more than one node claiming the
// Primary role. Outcome.success is left true: a conflicting
// primary election downgrades health via the note, not the outcome.
func checkShardHealth(view *clusterview.ClusterView, rpt *report.Builder) {
	for _, shardID := range view.AllShardIDs() {
		if _, err := view.ShardPrimary(shardID); err != nil {
			var many *clusterview.ManyPrimariesFound
			if errors.As(err, &many) {
				rpt.Note(orchtypes.SeverityWarning, many.Error())
			}
		}
	}
}

// causeChain unwraps err's %w chain into a flat, ordered list of
// messages for OrchestrateReport.Outcome.ErrorCauses.
func causeChain(err error) []string {
	var causes []string
	for err != nil {
		causes = append(causes, err.Error())
		err = errors.Unwrap(err)
	}
	return causes
}
