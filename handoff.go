package saddle

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// State returns the hand-off state, "idle" unless a hand-off is in flight.
func (s *Supervisor) State() string {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return string(s.state)
}

func (s *Supervisor) mustTransitionTo(state handoffState) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if err := s.state.transitionTo(state); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", state, err))
	}
}

// performHandoff replaces the arbiter oldPID with a freshly forked one and
// returns the new arbiter's pid. identityCtx, derived from ctx, only bounds
// the wait for the new arbiter's identity; once the old arbiter is told to
// drain only ctx applies. On error the machine returns to idle and whatever
// processes exist are left alone.
func (s *Supervisor) performHandoff(ctx, identityCtx context.Context, oldPID int) (int, error) {
	s.mustTransitionTo(handoffStateSignaledFork)
	defer s.mustTransitionTo(handoffStateIdle)

	newPID, err := s.handoff(ctx, identityCtx, oldPID)
	if err != nil {
		s.l.Error("aborting hand-off", "old", oldPID, "state", s.State(), "err", err)
	}
	return newPID, err
}

func (s *Supervisor) handoff(ctx, identityCtx context.Context, oldPID int) (int, error) {
	l := s.l.New("old", oldPID, "protocol", s.protocol.Name())

	if err := s.protocol.Prepare(s.identityPath); err != nil {
		return 0, err
	}
	lifecycle(l, "starting new arbiter")
	if err := s.os.Kill(oldPID, s.forkSignal); err != nil {
		return 0, errors.Wrapf(err, "error asking arbiter %d to fork", oldPID)
	}

	s.mustTransitionTo(handoffStateWaitingNewIdentity)
	readyPath := s.protocol.ReadyPath(s.identityPath)
	l.Info("waiting for new arbiter to publish its identity", "ready", readyPath)
	if err := s.ids.waitExists(identityCtx, readyPath); err != nil {
		return 0, errors.Wrapf(err, "error waiting for %q", readyPath)
	}
	newPID, err := s.confirmNewIdentity(identityCtx, oldPID)
	if err != nil {
		return 0, err
	}
	l.Info("new arbiter published its identity", "new", newPID)

	s.mustTransitionTo(handoffStateSignalingOldStop)
	if s.closeIdleSignal != 0 {
		if err := s.os.Kill(oldPID, s.closeIdleSignal); err != nil {
			return 0, errors.Wrapf(err, "error asking arbiter %d to stop its workers", oldPID)
		}
	}
	lifecycle(l, "stopping old arbiter", "new", newPID)
	if err := s.os.Kill(oldPID, s.drainSignal); err != nil {
		if errors.Cause(err) != unix.ESRCH {
			return 0, errors.Wrapf(err, "error asking arbiter %d to drain", oldPID)
		}
		l.Warn("old arbiter already exited")
	}

	s.mustTransitionTo(handoffStateWaitingOldExit)
	if err := s.proc.waitForExit(ctx, oldPID); err != nil {
		if errors.Cause(err) != context.DeadlineExceeded {
			return 0, err
		}
		// The old arbiter has been told to drain, it is no longer the one to
		// keep track of.
		l.Warn("hand-off timed out waiting for old arbiter to exit, adopting new arbiter anyway", "new", newPID)
	}

	s.mustTransitionTo(handoffStateAdopted)
	lifecycle(l, fmt.Sprintf("arbiter %d stopped, arbiter %d is current", oldPID, newPID))
	return newPID, nil
}

// confirmNewIdentity reads the new arbiter's pid. A confirmed pid equal to
// oldPID is the previous generation's leftover and is not accepted.
func (s *Supervisor) confirmNewIdentity(ctx context.Context, oldPID int) (int, error) {
	path := s.protocol.NewIdentityPath(s.identityPath)
	for {
		pid, err := s.ids.readConfirmed(ctx, path)
		if err != nil {
			return 0, errors.Wrapf(err, "error reading new identity from %q", path)
		}
		if pid != oldPID {
			return pid, nil
		}
		s.l.Debug("identity file still names the old arbiter", "path", path, "pid", pid)
		select {
		case <-ctx.Done():
			return 0, errors.Wrapf(ctx.Err(), "error reading new identity from %q", path)
		case <-s.clock.After(s.identityPollInterval):
		}
	}
}
