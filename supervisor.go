package saddle

import (
	"context"
	"io/ioutil"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const (
	// DefaultPollInterval is how long the event loop idles between checks of
	// the current arbiter.
	DefaultPollInterval = time.Second
	// DefaultIdentityFlag is appended, with the identity file path, to the
	// managed command line.
	DefaultIdentityFlag = "--pid"
)

var (
	// ErrArbiterLost is returned by Run when the current arbiter exited
	// outside of a hand-off.
	ErrArbiterLost = errors.New("the current arbiter exited unexpectedly")
	// ErrNotStarted is returned by Run when Start has not spawned an arbiter.
	ErrNotStarted = errors.New("no arbiter has been started")
)

// Supervisor spawns an arbiter and replaces it with a freshly forked one on
// every reload, tracking which arbiter is current.
type Supervisor struct {
	argv         []string
	identityPath string
	ownsIdentity bool
	identityFlag string
	protocol     Protocol

	forkSignal      syscall.Signal
	drainSignal     syscall.Signal
	closeIdleSignal syscall.Signal

	pollInterval         time.Duration
	identityPollInterval time.Duration
	processPollInterval  time.Duration
	handoffTimeout       time.Duration
	zombieCheck          bool
	reapOrphans          bool

	stateLock sync.Mutex
	state     handoffState
	current   int

	// stopped is only touched by the event loop.
	stopped bool

	// reloadC and stopC hold at most one pending trigger each; further
	// triggers are dropped until the loop consumes the pending one.
	reloadC chan struct{}
	stopC   chan struct{}

	l     log15.Logger
	clock clock.Clock
	os    osIface
	proc  *processHandle
	ids   *identityReader
}

// Option is an option function for Supervisor.
type Option func(s *Supervisor)

// WithLogger configures the logger. By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Supervisor) {
		s.l = l
	}
}

// WithClock replaces the clock used for every poll.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithProtocol selects how a new arbiter publishes its identity. The default
// is RenameOldbin.
func WithProtocol(p Protocol) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.protocol = p
		}
	}
}

// WithIdentityPath sets where arbiters publish their pid. Without it a
// temporary file is created, and removed again by Close.
func WithIdentityPath(path string) Option {
	return func(s *Supervisor) {
		s.identityPath = path
	}
}

// WithIdentityFlag sets the flag used to hand the identity path to the
// managed command. An empty flag leaves the command line untouched.
func WithIdentityFlag(flag string) Option {
	return func(s *Supervisor) {
		s.identityFlag = flag
	}
}

// WithForkSignal sets the signal asking an arbiter to fork a replacement.
// Defaults to SIGUSR2.
func WithForkSignal(sig syscall.Signal) Option {
	return func(s *Supervisor) {
		s.forkSignal = sig
	}
}

// WithDrainSignal sets the signal asking an arbiter to gracefully drain its
// workers and exit. Defaults to SIGTERM.
func WithDrainSignal(sig syscall.Signal) Option {
	return func(s *Supervisor) {
		s.drainSignal = sig
	}
}

// WithCloseIdleSignal sets a signal sent to the old arbiter right before the
// drain signal, such as SIGWINCH for servers that stop their workers on it.
// By default no such signal is sent.
func WithCloseIdleSignal(sig syscall.Signal) Option {
	return func(s *Supervisor) {
		s.closeIdleSignal = sig
	}
}

// WithPollInterval sets how long the event loop idles between liveness
// checks. If 0 is specified, the default will be used.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.pollInterval = d
		if s.pollInterval <= 0 {
			s.pollInterval = DefaultPollInterval
		}
	}
}

// WithIdentityPollInterval sets the delay between identity file reads. If 0
// is specified, the default will be used.
func WithIdentityPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.identityPollInterval = d
		if s.identityPollInterval <= 0 {
			s.identityPollInterval = DefaultIdentityPollInterval
		}
	}
}

// WithProcessPollInterval sets how often the process table is polled for an
// arbiter that is not our child. If 0 is specified, the default will be used.
func WithProcessPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.processPollInterval = d
		if s.processPollInterval <= 0 {
			s.processPollInterval = DefaultProcessPollInterval
		}
	}
}

// WithHandoffTimeout bounds a whole hand-off. By default a hand-off waits
// forever, a stuck hand-off then shows up as a stuck supervisor. A stop
// abandons a hand-off that is still waiting for the new arbiter's identity;
// once the old arbiter has been told to drain, the stop waits for the
// hand-off to finish and then drains the new arbiter.
func WithHandoffTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.handoffTimeout = d
	}
}

// WithZombieCheck controls whether the event loop exits with ErrArbiterLost
// once the current arbiter is found dead. Enabled by default.
func WithZombieCheck(enabled bool) Option {
	return func(s *Supervisor) {
		s.zombieCheck = enabled
	}
}

// WithOrphanReaping makes the event loop reap exited children other than the
// current arbiter while idle. Use it together with BecomeSubreaper.
func WithOrphanReaping(enabled bool) Option {
	return func(s *Supervisor) {
		s.reapOrphans = enabled
	}
}

// New constructs a supervisor for the command line argv. The command is not
// started until Start is called.
func New(argv []string, opts ...Option) (*Supervisor, error) {
	return newSupervisor(realOS{}, argv, opts...)
}

func newSupervisor(osi osIface, argv []string, opts ...Option) (*Supervisor, error) {
	if len(argv) == 0 {
		return nil, errors.New("a command to supervise is required")
	}
	s := &Supervisor{
		argv:                 append([]string(nil), argv...),
		identityFlag:         DefaultIdentityFlag,
		protocol:             RenameOldbin{},
		forkSignal:           syscall.SIGUSR2,
		drainSignal:          syscall.SIGTERM,
		pollInterval:         DefaultPollInterval,
		identityPollInterval: DefaultIdentityPollInterval,
		processPollInterval:  DefaultProcessPollInterval,
		zombieCheck:          true,
		state:                handoffStateIdle,
		reloadC:              make(chan struct{}, 1),
		stopC:                make(chan struct{}, 1),
		l:                    discardLogger(),
		clock:                clock.RealClock{},
		os:                   osi,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.identityPath == "" {
		f, err := ioutil.TempFile("", "saddle-arbiter-*.pid")
		if err != nil {
			return nil, errors.Wrap(err, "error creating identity file")
		}
		f.Close()
		s.identityPath = f.Name()
		s.ownsIdentity = true
	}

	s.proc = &processHandle{
		os:           s.os,
		clock:        s.clock,
		pollInterval: s.processPollInterval,
		l:            s.l,
	}
	s.ids = &identityReader{
		clock:        s.clock,
		pollInterval: s.identityPollInterval,
		l:            s.l,
	}
	return s, nil
}

// IdentityPath is where the current arbiter publishes its pid.
func (s *Supervisor) IdentityPath() string {
	return s.identityPath
}

// Current returns the pid of the current arbiter, or 0 before Start.
func (s *Supervisor) Current() int {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.current
}

func (s *Supervisor) setCurrent(pid int) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.current = pid
}

// Start spawns the arbiter and blocks until it has published its identity.
// Whatever the identity file held before is removed first, so a pid left
// behind by an earlier run is never mistaken for the new arbiter's.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := os.Remove(s.identityPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "error removing stale identity file %q", s.identityPath)
	}

	argv := append([]string(nil), s.argv...)
	if s.identityFlag != "" {
		argv = append(argv, s.identityFlag, s.identityPath)
	}
	pid, err := s.os.StartProcess(argv)
	if err != nil {
		return err
	}
	lifecycle(s.l, "started arbiter", "pid", pid, "identity", s.identityPath)
	s.setCurrent(pid)

	// Give up on the identity file if the arbiter dies before writing it.
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	go func() {
		for {
			exited, err := s.proc.exited(pid)
			if err != nil {
				s.l.Warn("unable to check on arbiter", "pid", pid, "err", err)
			} else if exited {
				break
			}
			select {
			case <-watchCtx.Done():
				return
			case <-s.clock.After(s.pollInterval):
			}
		}
		close(lost)
		cancel()
	}()

	confirmed, err := s.ids.readConfirmed(watchCtx, s.identityPath)
	if err != nil {
		select {
		case <-lost:
			return errors.Wrapf(ErrArbiterLost, "arbiter %d exited before publishing its identity", pid)
		default:
		}
		return errors.Wrap(err, "error waiting for the arbiter's identity")
	}
	if confirmed != pid {
		s.l.Info("arbiter published a different pid than the one spawned", "spawned", pid, "published", confirmed)
	}
	s.setCurrent(confirmed)
	lifecycle(s.l, "arbiter is current", "pid", confirmed)
	return nil
}

// Reload asks the event loop to hand off to a new arbiter. It never blocks;
// a reload requested while another is pending is dropped.
func (s *Supervisor) Reload() {
	select {
	case s.reloadC <- struct{}{}:
	default:
		s.l.Debug("reload already pending")
	}
}

// Stop asks the event loop to drain the current arbiter and return. It never
// blocks.
func (s *Supervisor) Stop() {
	select {
	case s.stopC <- struct{}{}:
	default:
	}
}

type trigger int

const (
	triggerNone trigger = iota
	triggerReload
	triggerStop
)

// pending returns a queued trigger without blocking. Stop wins over reload.
func (s *Supervisor) pending() trigger {
	select {
	case <-s.stopC:
		return triggerStop
	default:
	}
	select {
	case <-s.reloadC:
		return triggerReload
	default:
	}
	return triggerNone
}

// Run is the event loop. It returns nil once a stop trigger has drained the
// current arbiter, ErrArbiterLost if the arbiter died on its own, or the
// context's error.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Current() == 0 {
		return ErrNotStarted
	}
	for !s.stopped {
		t := s.pending()
		if t == triggerNone {
			if s.zombieCheck {
				pid := s.Current()
				exited, err := s.proc.exited(pid)
				if err != nil {
					s.l.Warn("unable to check on arbiter, assuming it is alive", "pid", pid, "err", err)
				} else if exited {
					lifecycle(s.l, "arbiter exited unexpectedly, giving up", "pid", pid)
					return ErrArbiterLost
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopC:
				t = triggerStop
			case <-s.reloadC:
				t = triggerReload
			case <-s.clock.After(s.pollInterval):
				if s.reapOrphans {
					s.reapOrphanedChildren()
				}
			}
		}
		s.handle(ctx, t)
	}
	return nil
}

func (s *Supervisor) handle(ctx context.Context, t trigger) {
	switch t {
	case triggerReload:
		guard(s.l, "reload", func() { s.reload(ctx) })
	case triggerStop:
		guard(s.l, "stop", func() { s.terminate(ctx) })
	}
}

func (s *Supervisor) reload(ctx context.Context) {
	if s.handoffTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handoffTimeout)
		defer cancel()
	}

	// A stop requested while the new arbiter has not published its identity
	// yet abandons the hand-off. The stop is queued again for the loop.
	identityCtx, abandon := context.WithCancel(ctx)
	defer abandon()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-s.stopC:
			s.l.Info("stop requested during hand-off")
			abandon()
			s.Stop()
		}
	}()

	old := s.Current()
	newPID, err := s.performHandoff(ctx, identityCtx, old)
	if err != nil {
		s.l.Error("hand-off failed, keeping the current arbiter", "current", old, "err", err)
		return
	}
	s.setCurrent(newPID)
}

// reapOrphanedChildren collects exited children other than the current
// arbiter. As a child subreaper the supervisor inherits every orphaned
// descendant of the arbiters, not only the next arbiter.
func (s *Supervisor) reapOrphanedChildren() {
	pids, err := s.os.ZombieChildren()
	if err != nil {
		s.l.Debug("unable to list exited children", "err", err)
		return
	}
	current := s.Current()
	for _, pid := range pids {
		if pid == current {
			continue
		}
		if err := s.os.Reap(pid); err != nil {
			s.l.Debug("unable to reap orphan", "pid", pid, "err", err)
			continue
		}
		s.l.Debug("reaped orphan", "pid", pid)
	}
}

func (s *Supervisor) terminate(ctx context.Context) {
	pid := s.Current()
	lifecycle(s.l, "stopping arbiter", "pid", pid)
	if err := s.os.Kill(pid, s.drainSignal); err != nil {
		s.l.Warn("unable to signal arbiter", "pid", pid, "signal", s.drainSignal, "err", err)
	}
	if err := s.proc.waitForExit(ctx, pid); err != nil {
		s.l.Error("error waiting for arbiter to exit", "pid", pid, "err", err)
		return
	}
	lifecycle(s.l, "arbiter stopped", "pid", pid)
	s.stopped = true
}

// Close removes the identity file if the supervisor created it.
func (s *Supervisor) Close() error {
	if !s.ownsIdentity {
		return nil
	}
	var firstErr error
	for _, path := range []string{
		s.identityPath,
		s.protocol.ReadyPath(s.identityPath),
		s.protocol.NewIdentityPath(s.identityPath),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errors.Wrapf(err, "error removing %q", path)
		}
	}
	return firstErr
}
