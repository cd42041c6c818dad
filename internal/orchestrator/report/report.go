// Package report accumulates the per-cycle decisions, counters, errors
// and notes that make up an OrchestrateReport.
package report

import (
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// Builder accumulates one cycle's report. It is not safe for concurrent
// use; the orchestration cycle is single-threaded.
type Builder struct {
	nsID, clusterID string
	start           time.Time
	report          orchtypes.OrchestrateReport
}

// New starts a report for the given cluster at start.
func New(nsID, clusterID string, start time.Time) *Builder {
	return &Builder{
		nsID:      nsID,
		clusterID: clusterID,
		start:     start,
		report: orchtypes.OrchestrateReport{
			NsID:      nsID,
			ClusterID: clusterID,
			StartTime: start,
		},
	}
}

// Note appends a structured note to the report.
func (b *Builder) Note(severity orchtypes.Severity, message string) {
	b.report.Notes = append(b.report.Notes, orchtypes.Note{Severity: severity, Message: message})
}

// NoteForNode appends a note referencing a specific node.
func (b *Builder) NoteForNode(severity orchtypes.Severity, nodeID, message string) {
	b.report.Notes = append(b.report.Notes, orchtypes.Note{Severity: severity, Message: message, NodeID: nodeID})
}

// NoteForAction appends a note referencing a specific action.
func (b *Builder) NoteForAction(severity orchtypes.Severity, actionID uuid.UUID, message string) {
	b.report.Notes = append(b.report.Notes, orchtypes.Note{Severity: severity, Message: message, ActionID: actionID})
}

// NodeSynced increments the count of nodes successfully synced.
func (b *Builder) NodeSynced() { b.report.NodesSynced++ }

// NodeFailed increments the count of nodes that failed sync.
func (b *Builder) NodeFailed() { b.report.NodesFailed++ }

// NodeActionScheduled increments the count of node actions dispatched.
func (b *Builder) NodeActionScheduled() { b.report.NodeActionsScheduled++ }

// NodeActionScheduleFailed increments the count of node actions whose
// dispatch failed (whether or not they were finalized as Failed).
func (b *Builder) NodeActionScheduleFailed() { b.report.NodeActionsScheduleFailed++ }

// NodeActionLost increments the count of node actions transitioned to
// Lost this cycle.
func (b *Builder) NodeActionLost() { b.report.NodeActionsLost++ }

// SetSchedChoice records the cycle's scheduling decision.
func (b *Builder) SetSchedChoice(c orchtypes.SchedChoice) { b.report.ActionSchedulingChoices = &c }

// Fail marks the cycle outcome as a failure with the given error and
// cause chain.
func (b *Builder) Fail(message string, causes []string) {
	b.report.Outcome = orchtypes.Outcome{Success: false, Error: message, ErrorCauses: causes}
}

// Build finalizes the report at end, defaulting Outcome.Success to true
// if Fail was never called, and returns the completed value.
func (b *Builder) Build(end time.Time) orchtypes.OrchestrateReport {
	if b.report.Outcome.Error == "" {
		b.report.Outcome.Success = true
	}
	b.report.Duration = end.Sub(b.start)
	return b.report
}
