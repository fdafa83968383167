package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/openspool/printd/pkg/types"
)

// fsm state names, mapped 1:1 onto types.JobState.
const (
	statePending    = "pending"
	stateHeld       = "held"
	stateProcessing = "processing"
	stateStopped    = "stopped"
	stateCanceled   = "canceled"
	stateAborted    = "aborted"
	stateCompleted  = "completed"
)

// fsm event names.
const (
	evtHold     = "hold"
	evtRelease  = "release"
	evtProcess  = "process"
	evtStop     = "stop"
	evtCancel   = "cancel"
	evtAbort    = "abort"
	evtComplete = "complete"
	evtRestart  = "restart"
	evtClose    = "close"
)

var stateNames = map[types.JobState]string{
	types.JobPending:    statePending,
	types.JobHeld:       stateHeld,
	types.JobProcessing: stateProcessing,
	types.JobStopped:    stateStopped,
	types.JobCanceled:   stateCanceled,
	types.JobAborted:    stateAborted,
	types.JobCompleted:  stateCompleted,
}

var namedStates = map[string]types.JobState{
	statePending:    types.JobPending,
	stateHeld:       types.JobHeld,
	stateProcessing: types.JobProcessing,
	stateStopped:    types.JobStopped,
	stateCanceled:   types.JobCanceled,
	stateAborted:    types.JobAborted,
	stateCompleted:  types.JobCompleted,
}

// newMachine builds the job life-cycle state machine seeded at the
// given state. Restart-Job is the only transition out of a terminal
// state.
func newMachine(initial types.JobState) *fsm.FSM {
	return fsm.NewFSM(
		stateNames[initial],
		fsm.Events{
			{Name: evtHold, Src: []string{statePending, stateProcessing}, Dst: stateHeld},
			{Name: evtRelease, Src: []string{stateHeld}, Dst: statePending},
			{Name: evtProcess, Src: []string{statePending}, Dst: stateProcessing},
			{Name: evtStop, Src: []string{stateProcessing}, Dst: stateStopped},
			{Name: evtClose, Src: []string{stateHeld, stateStopped}, Dst: statePending},
			{Name: evtCancel, Src: []string{statePending, stateHeld, stateProcessing, stateStopped}, Dst: stateCanceled},
			{Name: evtAbort, Src: []string{statePending, stateHeld, stateProcessing, stateStopped}, Dst: stateAborted},
			{Name: evtComplete, Src: []string{stateProcessing}, Dst: stateCompleted},
			{Name: evtRestart, Src: []string{stateCanceled, stateAborted, stateCompleted}, Dst: statePending},
		},
		fsm.Callbacks{},
	)
}

// transition fires an fsm event for the job and synchronizes the
// record. Caller holds s.mu. Returns ErrNotPossible when the event is
// not valid in the current state.
func (s *Store) transition(j *types.Job, event string, reasons ...string) error {
	m := s.machines[j.ID]
	if m == nil {
		m = newMachine(j.State)
		s.machines[j.ID] = m
	}
	if err := m.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s in state %s", ErrNotPossible, event, stateNames[j.State])
	}
	j.State = namedStates[m.Current()]
	if len(reasons) > 0 {
		j.StateReasons = reasons
	}

	now := time.Now()
	switch j.State {
	case types.JobProcessing:
		j.ProcessingAt = now
	case types.JobCanceled, types.JobAborted, types.JobCompleted:
		j.CompletedAt = now
	}
	return nil
}
