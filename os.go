package saddle

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
	"golang.org/x/sys/unix"
)

// processState is what the process table reports for a pid.
type processState int

const (
	processGone processState = iota
	processRunning
	processZombie
)

func (s processState) String() string {
	switch s {
	case processGone:
		return "gone"
	case processRunning:
		return "running"
	case processZombie:
		return "zombie"
	}
	return "unknown"
}

type osIface interface {
	Getpid() int
	// Kill sends sig to pid.
	Kill(pid int, sig syscall.Signal) error
	// Reap blocks until pid exits and collects its status. It returns
	// unix.ECHILD if pid is not a waitable child of this process.
	Reap(pid int) error
	ProcessState(pid int) (processState, error)
	// StartProcess starts argv without waiting on it and returns its pid.
	StartProcess(argv []string) (int, error)
	// ZombieChildren lists children of this process that exited and wait to
	// be reaped.
	ZombieChildren() ([]int, error)
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (realOS) Reap(pid int) error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (realOS) ProcessState(pid int) (processState, error) {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return processGone, errors.Wrapf(err, "error looking up pid %d", pid)
	}
	if !exists {
		return processGone, nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// raced with the process exiting
		return processGone, nil
	}
	status, err := proc.Status()
	if err != nil {
		if exists, _ := process.PidExists(int32(pid)); !exists {
			return processGone, nil
		}
		return processGone, errors.Wrapf(err, "error reading status of pid %d", pid)
	}
	if status == "Z" {
		return processZombie, nil
	}
	return processRunning, nil
}

func (realOS) StartProcess(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The process is reaped with wait4 by the process handle, never by
	// cmd.Wait.
	if err := cmd.Start(); err != nil {
		return 0, errors.Wrapf(err, "error starting %q", argv[0])
	}
	return cmd.Process.Pid, nil
}

func (realOS) ZombieChildren() ([]int, error) {
	pids, err := process.Pids()
	if err != nil {
		return nil, errors.Wrap(err, "error listing processes")
	}
	self := int32(os.Getpid())
	var zombies []int
	for _, pid := range pids {
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		if ppid, err := proc.Ppid(); err != nil || ppid != self {
			continue
		}
		if status, err := proc.Status(); err == nil && status == "Z" {
			zombies = append(zombies, int(pid))
		}
	}
	return zombies, nil
}
