package saddle

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// DefaultIdentityPollInterval is the delay between two reads of an identity
// file.
const DefaultIdentityPollInterval = 300 * time.Millisecond

// errIdentityNotReady means the identity file is missing or does not hold a
// pid yet.
var errIdentityNotReady = errors.New("identity file not ready")

// publishIdentity writes pid to path. The pid is written to a temporary file
// next to path and renamed into place so readers never see a partial write.
func publishIdentity(path string, pid int) error {
	tmp, err := ioutil.TempFile(filepath.Dir(path), "."+filepath.Base(path)+".")
	if err != nil {
		return errors.Wrapf(err, "error creating temporary identity file for %q", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "error writing identity file %q", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "error closing identity file %q", tmp.Name())
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrapf(err, "error setting mode of identity file %q", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "error publishing identity file %q", path)
}

// readIdentity reads a single pid out of path.
func readIdentity(path string) (int, error) {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, errIdentityNotReady
	}
	if err != nil {
		return 0, errors.Wrapf(err, "error reading identity file %q", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errIdentityNotReady
	}
	return pid, nil
}

// identityReader reads identity files written by processes outside of our
// control.
type identityReader struct {
	clock        clock.Clock
	pollInterval time.Duration
	l            log15.Logger
}

// readConfirmed blocks until two consecutive reads of path, pollInterval
// apart, yield the same pid. A missing or malformed file restarts the
// confirmation. Only ctx ends the wait early.
func (r *identityReader) readConfirmed(ctx context.Context, path string) (int, error) {
	prev := 0
	for {
		pid, err := readIdentity(path)
		switch {
		case err == nil && pid == prev:
			r.l.Debug("confirmed identity", "path", path, "pid", pid)
			return pid, nil
		case err == nil:
			prev = pid
		case errors.Cause(err) == errIdentityNotReady:
			r.l.Debug("identity file not ready", "path", path)
			prev = 0
		default:
			r.l.Warn("unable to read identity file", "path", path, "err", err)
			prev = 0
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-r.clock.After(r.pollInterval):
		}
	}
}

// waitExists blocks until path exists, checking every pollInterval.
func (r *identityReader) waitExists(ctx context.Context, path string) error {
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			r.l.Warn("unable to stat readiness file", "path", path, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(r.pollInterval):
		}
	}
}
