package saddle

import "fmt"

// handoffState represents the hand-off finite state machine. It has the following transitions:
// Idle                → SignaledFork
// SignaledFork        → WaitingNewIdentity
// WaitingNewIdentity  → SignalingOldStop
// SignalingOldStop    → WaitingOldExit
// WaitingOldExit      → Adopted
// Adopted             → Idle
// any state           → Idle (aborted hand-off)
//
// The meaning of each state is described above the state's definition below.
type handoffState string

const (
	// Idle means no hand-off is in flight.
	handoffStateIdle handoffState = "idle"
	// SignaledFork means the current arbiter was asked to fork a replacement.
	handoffStateSignaledFork handoffState = "signaled-fork"
	// WaitingNewIdentity means we are waiting for the replacement to publish
	// and confirm its pid.
	handoffStateWaitingNewIdentity handoffState = "waiting-new-identity"
	// SignalingOldStop means the old arbiter is being asked to drain.
	handoffStateSignalingOldStop handoffState = "signaling-old-stop"
	// WaitingOldExit means the old arbiter is draining and we wait for it to
	// exit.
	handoffStateWaitingOldExit handoffState = "waiting-old-exit"
	// Adopted means the replacement is now the current arbiter.
	handoffStateAdopted handoffState = "adopted"
)

var validHandoffTransitions = map[handoffState][]handoffState{
	handoffStateIdle: {
		handoffStateSignaledFork,
	},
	handoffStateSignaledFork: {
		handoffStateWaitingNewIdentity,
		handoffStateIdle,
	},
	handoffStateWaitingNewIdentity: {
		handoffStateSignalingOldStop,
		handoffStateIdle,
	},
	handoffStateSignalingOldStop: {
		handoffStateWaitingOldExit,
		handoffStateIdle,
	},
	handoffStateWaitingOldExit: {
		handoffStateAdopted,
		handoffStateIdle,
	},
	handoffStateAdopted: {
		handoffStateIdle,
	},
}

func (h *handoffState) canTransitionTo(state handoffState) error {
	for _, target := range validHandoffTransitions[*h] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *h, state)
}

func (h *handoffState) transitionTo(state handoffState) error {
	if err := h.canTransitionTo(state); err != nil {
		return err
	}
	*h = state
	return nil
}
