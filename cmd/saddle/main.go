// Command saddle runs a pre-fork server behind a supervisor that turns
// SIGHUP into a zero-downtime arbiter hand-off.
//
//	saddle [--pid FILE] [--identity-file FILE] -- gunicorn app:wsgi --bind :8000
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/saddle"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type options struct {
	pidFile         string
	identityFile    string
	identityFlag    string
	protocol        string
	secondarySuffix string
	closeIdle       bool
	handoffTimeout  time.Duration
	logLevel        string
	command         []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("saddle", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	// everything after the first positional argument belongs to the managed
	// command
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: saddle [flags] command [args...]\n\n")
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.pidFile, "pid", "", "file to store the supervisor's pid in")
	fs.StringVar(&opts.identityFile, "identity-file", "", "file the arbiter writes its pid to (default: a temporary file)")
	fs.StringVar(&opts.identityFlag, "identity-flag", saddle.DefaultIdentityFlag, "flag appended to the command with the identity file path, empty to append nothing")
	fs.StringVar(&opts.protocol, "protocol", "oldbin", "how a new arbiter publishes its pid: oldbin or secondary")
	fs.StringVar(&opts.secondarySuffix, "secondary-suffix", saddle.DefaultSecondarySuffix, "suffix of the new arbiter's pid file with --protocol=secondary")
	fs.BoolVar(&opts.closeIdle, "close-idle", false, "send SIGWINCH to the old arbiter before asking it to drain")
	fs.DurationVar(&opts.handoffTimeout, "handoff-timeout", 0, "give up on a hand-off after this long (default: wait forever)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error or crit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.command = fs.Args()
	if len(opts.command) == 0 {
		fs.Usage()
		return nil, errors.New("a command to supervise is required")
	}
	if _, err := saddle.ParseProtocol(opts.protocol, opts.secondarySuffix); err != nil {
		return nil, err
	}
	if _, err := log15.LvlFromString(opts.logLevel); err != nil {
		return nil, errors.Wrapf(err, "invalid --log-level")
	}
	return opts, nil
}

func newLogger(level string, w io.Writer) log15.Logger {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		lvl = log15.LvlInfo
	}
	l := log15.New("module", "saddle")
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(w, saddle.BannerFormat(log15.LogfmtFormat()))))
	return l
}

func supervisorOptions(opts *options, l log15.Logger) []saddle.Option {
	protocol, _ := saddle.ParseProtocol(opts.protocol, opts.secondarySuffix)
	sopts := []saddle.Option{
		saddle.WithLogger(l),
		saddle.WithProtocol(protocol),
		saddle.WithIdentityFlag(opts.identityFlag),
		saddle.WithHandoffTimeout(opts.handoffTimeout),
	}
	if opts.identityFile != "" {
		sopts = append(sopts, saddle.WithIdentityPath(opts.identityFile))
	}
	if opts.closeIdle {
		sopts = append(sopts, saddle.WithCloseIdleSignal(syscall.SIGWINCH))
	}
	return sopts
}

func run(ctx context.Context, opts *options, l log15.Logger) error {
	if opts.pidFile != "" {
		pf, err := saddle.WritePIDFile(ctx, l, opts.pidFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := pf.Remove(); err != nil {
				l.Warn("unable to remove pid file", "err", err)
			}
		}()
	}

	sopts := supervisorOptions(opts, l)
	if err := saddle.BecomeSubreaper(); err != nil {
		l.Warn("arbiters forked by other arbiters will be polled for", "err", err)
	} else if runtime.GOOS == "linux" {
		// orphans of the arbiters are now ours to reap
		sopts = append(sopts, saddle.WithOrphanReaping(true))
	}

	sup, err := saddle.New(opts.command, sopts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Close(); err != nil {
			l.Warn("unable to clean up identity file", "err", err)
		}
	}()
	return sup.Serve(ctx)
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err == pflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	l := newLogger(opts.logLevel, os.Stderr)
	if err := run(context.Background(), opts, l); err != nil {
		l.Crit("supervisor exited", "err", err)
		os.Exit(1)
	}
}
