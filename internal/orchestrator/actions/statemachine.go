package actions

import (
	"fmt"
	"time"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
)

// ErrIllegalTransition is returned when a requested phase transition is
// not a legal edge in the phase DAG.
type ErrIllegalTransition struct {
	From, To orchtypes.Phase
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// TransitionNAction moves a to phase next at time now, enforcing
// invariants: finished_time is set iff the new phase is
// terminal, and scheduled_time is set when leaving PendingSchedule.
func TransitionNAction(a orchtypes.NAction, next orchtypes.Phase, now time.Time) (orchtypes.NAction, error) {
	if !a.State.Phase.CanTransitionTo(next) {
		return a, &ErrIllegalTransition{From: a.State.Phase, To: next}
	}
	if a.State.Phase == orchtypes.PhasePendingSchedule && next == orchtypes.PhaseRunning {
		t := now
		a.ScheduledTime = &t
	}
	a.State.Phase = next
	if next.IsTerminal() {
		t := now
		a.FinishedTime = &t
	}
	return a, nil
}

// TransitionOAction moves a to phase next at time now, with the same
// finished/scheduled timestamp invariants as TransitionNAction.
func TransitionOAction(a orchtypes.OAction, next orchtypes.Phase, now time.Time) (orchtypes.OAction, error) {
	if !a.State.CanTransitionTo(next) {
		return a, &ErrIllegalTransition{From: a.State, To: next}
	}
	if a.State == orchtypes.PhasePendingSchedule && next == orchtypes.PhaseRunning {
		t := now
		a.ScheduledTS = &t
	}
	a.State = next
	if next.IsTerminal() {
		t := now
		a.FinishedTS = &t
	}
	return a, nil
}

// ApproveNAction moves a PendingApprove action to PendingSchedule.
func ApproveNAction(a orchtypes.NAction, now time.Time) (orchtypes.NAction, error) {
	return TransitionNAction(a, orchtypes.PhasePendingSchedule, now)
}

// CancelNAction moves a non-terminal action to Cancelled.
func CancelNAction(a orchtypes.NAction, now time.Time) (orchtypes.NAction, error) {
	return TransitionNAction(a, orchtypes.PhaseCancelled, now)
}

// RejectNAction denies a PendingApprove action, moving it straight to
// Cancelled without ever reaching PendingSchedule. Rejecting an action
// already past PendingApprove is an illegal transition, even where
// Cancel would be legal, since the approval gate has already been cleared.
func RejectNAction(a orchtypes.NAction, now time.Time) (orchtypes.NAction, error) {
	if a.State.Phase != orchtypes.PhasePendingApprove {
		return a, &ErrIllegalTransition{From: a.State.Phase, To: orchtypes.PhaseCancelled}
	}
	return TransitionNAction(a, orchtypes.PhaseCancelled, now)
}

// ApproveOAction moves a PendingApprove action to PendingSchedule.
func ApproveOAction(a orchtypes.OAction, now time.Time) (orchtypes.OAction, error) {
	return TransitionOAction(a, orchtypes.PhasePendingSchedule, now)
}

// CancelOAction moves a non-terminal action to Cancelled.
func CancelOAction(a orchtypes.OAction, now time.Time) (orchtypes.OAction, error) {
	return TransitionOAction(a, orchtypes.PhaseCancelled, now)
}

// RejectOAction denies a PendingApprove action, the OAction counterpart
// of RejectNAction.
func RejectOAction(a orchtypes.OAction, now time.Time) (orchtypes.OAction, error) {
	if a.State != orchtypes.PhasePendingApprove {
		return a, &ErrIllegalTransition{From: a.State, To: orchtypes.PhaseCancelled}
	}
	return TransitionOAction(a, orchtypes.PhaseCancelled, now)
}

// FinalizeNActionFailed marks a as Failed, recording reason as its terminal
// error payload.
func FinalizeNActionFailed(a orchtypes.NAction, reason string, now time.Time) (orchtypes.NAction, error) {
	attempts := 0
	if a.State.Error != nil {
		attempts = a.State.Error.Attempts
	}
	a.State.Error = &orchtypes.ActionError{
		Attempts:  attempts,
		LastError: reason,
		At:        now,
	}
	return TransitionNAction(a, orchtypes.PhaseFailed, now)
}

// RecordScheduleAttemptFailure increments the retry counter on a
// PendingSchedule action without changing its phase. The caller compares the
// returned attempt count against the namespace's configured cap to
// decide whether to finalize via FinalizeNActionFailed instead.
func RecordScheduleAttemptFailure(a orchtypes.NAction, reason string, now time.Time) orchtypes.NAction {
	attempts := 1
	if a.State.Error != nil {
		attempts = a.State.Error.Attempts + 1
	}
	a.State.Error = &orchtypes.ActionError{
		Attempts:  attempts,
		LastError: reason,
		At:        now,
	}
	return a
}
