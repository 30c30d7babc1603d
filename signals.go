package saddle

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

var (
	reloadSignals    = []os.Signal{syscall.SIGHUP}
	terminateSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}
)

func isOneOf(sig os.Signal, set []os.Signal) bool {
	for _, s := range set {
		if s == sig {
			return true
		}
	}
	return false
}

// Serve starts the arbiter unless Start was already called, then runs the
// event loop with SIGHUP wired to Reload and SIGTERM, SIGINT and SIGQUIT wired
// to Stop. It returns when Run does.
func (s *Supervisor) Serve(ctx context.Context) error {
	sigC := make(chan os.Signal, 8)
	signal.Notify(sigC, append(append([]os.Signal(nil), reloadSignals...), terminateSignals...)...)
	defer signal.Stop(sigC)

	bridgeCtx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		if s.Current() == 0 {
			if err := s.Start(ctx); err != nil {
				return err
			}
		}
		return s.Run(ctx)
	})
	g.Go(func() error {
		s.serveSignals(bridgeCtx, sigC)
		return nil
	})
	return g.Wait()
}

// serveSignals turns signals into triggers for the event loop until ctx is
// done. Handling a signal only enqueues; the loop does the work.
func (s *Supervisor) serveSignals(ctx context.Context, sigC <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigC:
			guard(s.l, sig.String(), func() {
				s.handleSignal(sig)
			})
		}
	}
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	switch {
	case isOneOf(sig, reloadSignals):
		s.l.Info("received reload signal", "signal", sig)
		s.Reload()
	case isOneOf(sig, terminateSignals):
		s.l.Info("received terminate signal", "signal", sig)
		s.Stop()
	default:
		s.l.Debug("ignoring signal", "signal", sig)
	}
}
