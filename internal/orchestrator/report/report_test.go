package report_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/report"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

func TestBuild_DefaultsToSuccess(t *testing.T) {
	start := time.Now()
	b := report.New("ns1", "c1", start)
	b.NodeSynced()
	b.NodeSynced()
	b.NodeFailed()
	b.NodeActionScheduled()
	b.NodeActionLost()

	final := b.Build(start.Add(3 * time.Second))
	assert.True(t, final.Outcome.Success)
	assert.Equal(t, "ns1", final.NsID)
	assert.Equal(t, "c1", final.ClusterID)
	assert.Equal(t, 3*time.Second, final.Duration)
	assert.Equal(t, 2, final.NodesSynced)
	assert.Equal(t, 1, final.NodesFailed)
	assert.Equal(t, 1, final.NodeActionsScheduled)
	assert.Equal(t, 1, final.NodeActionsLost)
}

func TestBuild_FailOverridesSuccess(t *testing.T) {
	b := report.New("ns1", "c1", time.Now())
	b.Fail("sync stage: store unavailable", []string{"sync stage: store unavailable", "store unavailable"})

	final := b.Build(time.Now())
	assert.False(t, final.Outcome.Success)
	assert.Equal(t, "sync stage: store unavailable", final.Outcome.Error)
	assert.Len(t, final.Outcome.ErrorCauses, 2)
}

func TestNotes_CarryEntityReferences(t *testing.T) {
	b := report.New("ns1", "c1", time.Now())
	actionID := uuid.New()
	b.Note(orchtypes.SeverityInfo, "cluster busy")
	b.NoteForNode(orchtypes.SeverityWarning, "n1", "node sync failed")
	b.NoteForAction(orchtypes.SeverityError, actionID, "max schedule attempts exceeded")

	final := b.Build(time.Now())
	require.Len(t, final.Notes, 3)
	assert.Equal(t, "n1", final.Notes[1].NodeID)
	assert.Equal(t, actionID, final.Notes[2].ActionID)
}

func TestSetSchedChoice_RecordedOnReport(t *testing.T) {
	b := report.New("ns1", "c1", time.Now())
	b.SetSchedChoice(orchtypes.SchedChoice{BlockNode: true, Reasons: []string{orchtypes.ReasonFoundOrchestratorExclusiveRun}})

	final := b.Build(time.Now())
	require.NotNil(t, final.ActionSchedulingChoices)
	assert.True(t, final.ActionSchedulingChoices.BlockNode)
}
