package actions_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

func naction(phase orchtypes.Phase) orchtypes.NAction {
	return orchtypes.NAction{
		NsID: "ns1", ClusterID: "c1", NodeID: "n1", ActionID: uuid.New(),
		Kind: "noop", CreatedTime: time.Now(),
		State: orchtypes.ActionState{Phase: phase},
	}
}

func oaction(phase orchtypes.Phase) orchtypes.OAction {
	return orchtypes.OAction{
		NsID: "ns1", ClusterID: "c1", ActionID: uuid.New(),
		Kind: "noop", CreatedTS: time.Now(), State: phase,
	}
}

func TestTransitionNAction_LegalEdges(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name     string
		from, to orchtypes.Phase
		ok       bool
	}{
		{"approve", orchtypes.PhasePendingApprove, orchtypes.PhasePendingSchedule, true},
		{"cancel pending approve", orchtypes.PhasePendingApprove, orchtypes.PhaseCancelled, true},
		{"start running", orchtypes.PhasePendingSchedule, orchtypes.PhaseRunning, true},
		{"cancel pending schedule", orchtypes.PhasePendingSchedule, orchtypes.PhaseCancelled, true},
		{"finish", orchtypes.PhaseRunning, orchtypes.PhaseDone, true},
		{"fail", orchtypes.PhaseRunning, orchtypes.PhaseFailed, true},
		{"lose", orchtypes.PhaseRunning, orchtypes.PhaseLost, true},
		{"skip approval gate", orchtypes.PhasePendingApprove, orchtypes.PhaseRunning, false},
		{"resurrect done", orchtypes.PhaseDone, orchtypes.PhaseRunning, false},
		{"resurrect cancelled", orchtypes.PhaseCancelled, orchtypes.PhasePendingSchedule, false},
		{"lost to done", orchtypes.PhaseLost, orchtypes.PhaseDone, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := actions.TransitionNAction(naction(tc.from), tc.to, now)
			if !tc.ok {
				var illegal *actions.ErrIllegalTransition
				require.ErrorAs(t, err, &illegal)
				assert.Equal(t, tc.from, illegal.From)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.to, got.State.Phase)
		})
	}
}

func TestTransitionNAction_FinishedTimeIffTerminal(t *testing.T) {
	now := time.Now()

	running, err := actions.TransitionNAction(naction(orchtypes.PhasePendingSchedule), orchtypes.PhaseRunning, now)
	require.NoError(t, err)
	assert.Nil(t, running.FinishedTime)
	require.NotNil(t, running.ScheduledTime)
	assert.Equal(t, now, *running.ScheduledTime)

	for _, terminal := range []orchtypes.Phase{orchtypes.PhaseDone, orchtypes.PhaseFailed, orchtypes.PhaseLost, orchtypes.PhaseCancelled} {
		got, err := actions.TransitionNAction(naction(orchtypes.PhaseRunning), terminal, now)
		require.NoError(t, err)
		require.NotNil(t, got.FinishedTime, "phase %s must set finished_time", terminal)
		assert.Equal(t, now, *got.FinishedTime)
	}
}

func TestTransitionOAction_TimestampInvariants(t *testing.T) {
	now := time.Now()

	running, err := actions.TransitionOAction(oaction(orchtypes.PhasePendingSchedule), orchtypes.PhaseRunning, now)
	require.NoError(t, err)
	require.NotNil(t, running.ScheduledTS)
	assert.Nil(t, running.FinishedTS)

	done, err := actions.TransitionOAction(running, orchtypes.PhaseDone, now)
	require.NoError(t, err)
	require.NotNil(t, done.FinishedTS)

	_, err = actions.TransitionOAction(done, orchtypes.PhaseRunning, now)
	require.Error(t, err)
}

func TestRejectNAction_OnlyFromPendingApprove(t *testing.T) {
	now := time.Now()

	rejected, err := actions.RejectNAction(naction(orchtypes.PhasePendingApprove), now)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhaseCancelled, rejected.State.Phase)
	require.NotNil(t, rejected.FinishedTime)

	_, err = actions.RejectNAction(naction(orchtypes.PhasePendingSchedule), now)
	require.Error(t, err)
	_, err = actions.RejectNAction(naction(orchtypes.PhaseRunning), now)
	require.Error(t, err)
}

func TestRejectOAction_OnlyFromPendingApprove(t *testing.T) {
	now := time.Now()

	rejected, err := actions.RejectOAction(oaction(orchtypes.PhasePendingApprove), now)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhaseCancelled, rejected.State)

	_, err = actions.RejectOAction(oaction(orchtypes.PhaseRunning), now)
	require.Error(t, err)
}

func TestRecordScheduleAttemptFailure_CountsUp(t *testing.T) {
	now := time.Now()
	a := naction(orchtypes.PhasePendingSchedule)

	a = actions.RecordScheduleAttemptFailure(a, "connection refused", now)
	require.NotNil(t, a.State.Error)
	assert.Equal(t, 1, a.State.Error.Attempts)
	assert.Equal(t, orchtypes.PhasePendingSchedule, a.State.Phase)

	a = actions.RecordScheduleAttemptFailure(a, "connection refused", now)
	assert.Equal(t, 2, a.State.Error.Attempts)
	assert.Equal(t, "connection refused", a.State.Error.LastError)
}

func TestFinalizeNActionFailed_PreservesAttempts(t *testing.T) {
	now := time.Now()
	a := naction(orchtypes.PhasePendingSchedule)
	a = actions.RecordScheduleAttemptFailure(a, "boom", now)
	a = actions.RecordScheduleAttemptFailure(a, "boom", now)

	failed, err := actions.FinalizeNActionFailed(a, "max attempts exceeded", now)
	require.NoError(t, err)
	assert.Equal(t, orchtypes.PhaseFailed, failed.State.Phase)
	require.NotNil(t, failed.FinishedTime)
	require.NotNil(t, failed.State.Error)
	assert.Equal(t, 2, failed.State.Error.Attempts)
	assert.Equal(t, "max attempts exceeded", failed.State.Error.LastError)
}

func TestNewNAction_ApprovalGate(t *testing.T) {
	now := time.Now()

	granted := actions.NewNAction("ns1", "c1", "n1", "cluster.init", nil, orchtypes.ApprovalGranted, now)
	assert.Equal(t, orchtypes.PhasePendingSchedule, granted.State.Phase)
	assert.NotEqual(t, uuid.Nil, granted.ActionID)

	gated := actions.NewNAction("ns1", "c1", "n1", "cluster.init", nil, orchtypes.ApprovalRequired, now)
	assert.Equal(t, orchtypes.PhasePendingApprove, gated.State.Phase)
}

func TestNewOAction_ApprovalGate(t *testing.T) {
	now := time.Now()

	granted := actions.NewOAction("ns1", "c1", "platform.node.provision", nil, orchtypes.ApprovalGranted, nil, now)
	assert.Equal(t, orchtypes.PhasePendingSchedule, granted.State)

	gated := actions.NewOAction("ns1", "c1", "platform.node.provision", nil, orchtypes.ApprovalRequired, nil, now)
	assert.Equal(t, orchtypes.PhasePendingApprove, gated.State)
}
