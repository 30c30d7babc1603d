package saddle

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// DefaultProcessPollInterval is how often the process table is polled for a
// pid that cannot be reaped directly.
const DefaultProcessPollInterval = 100 * time.Millisecond

// processHandle answers liveness questions about pids and waits for them to
// exit.
type processHandle struct {
	os           osIface
	clock        clock.Clock
	pollInterval time.Duration
	l            log15.Logger
}

func (p *processHandle) state(pid int) processState {
	state, err := p.os.ProcessState(pid)
	if err != nil {
		p.l.Warn("unable to query process state, assuming it exited", "pid", pid, "err", err)
		return processGone
	}
	return state
}

// exited reports whether pid is gone or a zombie. Unlike isAlive it passes a
// failed process table query on to the caller, which is not evidence either
// way.
func (p *processHandle) exited(pid int) (bool, error) {
	state, err := p.os.ProcessState(pid)
	if err != nil {
		return false, err
	}
	return state != processRunning, nil
}

func (p *processHandle) isAlive(pid int) bool {
	return p.state(pid) == processRunning
}

func (p *processHandle) isZombie(pid int) bool {
	return p.state(pid) == processZombie
}

// waitForExit blocks until pid is no longer running. It reaps pid directly
// when pid is our child and otherwise polls the process table until the pid
// disappears or turns into a zombie.
func (p *processHandle) waitForExit(ctx context.Context, pid int) error {
	reaped := make(chan error, 1)
	go func() {
		reaped <- p.os.Reap(pid)
	}()

	select {
	case err := <-reaped:
		if err == nil {
			p.l.Debug("reaped process", "pid", pid)
			return nil
		}
		if errors.Cause(err) != unix.ECHILD {
			return errors.Wrapf(err, "error waiting on pid %d", pid)
		}
	case <-ctx.Done():
		// The reap goroutine stays blocked in wait4 until pid exits, then
		// reaps it and returns. This only happens when a caller gives up on
		// pid, e.g. a hand-off timing out while the old arbiter drains.
		return ctx.Err()
	}

	p.l.Debug("pid is not our child, polling the process table", "pid", pid)
	for {
		switch state := p.state(pid); state {
		case processGone, processZombie:
			p.l.Debug("process exited", "pid", pid, "state", state)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.pollInterval):
		}
	}
}
