package saddle

import (
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type sentSignal struct {
	pid int
	sig syscall.Signal
}

// mockOS is an in-memory process table. Hooks run without the table's lock
// held so they may call back into it.
type mockOS struct {
	mu       sync.Mutex
	pid      int
	nextPID  int
	procs    map[int]processState
	children map[int]bool
	exited   map[int]chan struct{}
	signals  []sentSignal
	started  [][]string
	// reaping counts Reap calls that are blocked on a process.
	reaping  int

	killErr  error
	stateErr error
	onSignal func(pid int, sig syscall.Signal)
	onStart  func(pid int, argv []string)
}

func newMockOS(pid int) *mockOS {
	return &mockOS{
		pid:      pid,
		nextPID:  100,
		procs:    map[int]processState{},
		children: map[int]bool{},
		exited:   map[int]chan struct{}{},
	}
}

func (m *mockOS) Getpid() int {
	return m.pid
}

// spawn adds a running process. child controls whether it can be reaped.
func (m *mockOS) spawn(pid int, child bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[pid] = processRunning
	m.children[pid] = child
	m.exited[pid] = make(chan struct{})
}

// exit moves pid to state, which should be gone or zombie, and releases
// anyone reaping it.
func (m *mockOS) exit(pid int, state processState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[pid] = state
	if c, ok := m.exited[pid]; ok {
		select {
		case <-c:
		default:
			close(c)
		}
	}
}

func (m *mockOS) setState(pid int, state processState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[pid] = state
}

func (m *mockOS) sent() []sentSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentSignal(nil), m.signals...)
}

func (m *mockOS) sentTo(pid int) []syscall.Signal {
	var sigs []syscall.Signal
	for _, s := range m.sent() {
		if s.pid == pid {
			sigs = append(sigs, s.sig)
		}
	}
	return sigs
}

func (m *mockOS) countSignal(sig syscall.Signal) int {
	n := 0
	for _, s := range m.sent() {
		if s.sig == sig {
			n++
		}
	}
	return n
}

func (m *mockOS) Kill(pid int, sig syscall.Signal) error {
	m.mu.Lock()
	m.signals = append(m.signals, sentSignal{pid: pid, sig: sig})
	err := m.killErr
	if err == nil && m.procs[pid] == processGone {
		err = unix.ESRCH
	}
	hook := m.onSignal
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(pid, sig)
	}
	return nil
}

func (m *mockOS) Reap(pid int) error {
	m.mu.Lock()
	c, ok := m.exited[pid]
	child := m.children[pid]
	m.mu.Unlock()
	if !ok || !child {
		return unix.ECHILD
	}
	m.mu.Lock()
	m.reaping++
	m.mu.Unlock()
	<-c

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reaping--
	if m.procs[pid] == processZombie {
		m.procs[pid] = processGone
	}
	return nil
}

func (m *mockOS) blockedReaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reaping
}

func (m *mockOS) setStateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateErr = err
}

func (m *mockOS) state(pid int) processState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[pid]
}

func (m *mockOS) ZombieChildren() ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pids []int
	for pid, state := range m.procs {
		if state == processZombie && m.children[pid] {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (m *mockOS) ProcessState(pid int) (processState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return processGone, m.stateErr
	}
	return m.procs[pid], nil
}

func (m *mockOS) StartProcess(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty command line")
	}
	m.mu.Lock()
	m.nextPID++
	pid := m.nextPID
	m.started = append(m.started, argv)
	hook := m.onStart
	m.mu.Unlock()

	m.spawn(pid, true)
	if hook != nil {
		hook(pid, argv)
	}
	return pid, nil
}
