package saddle

import (
	"context"
	"os"
	"strconv"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/rkt/rkt/pkg/lock"
)

// PIDFile is the supervisor's own pid file. It stays exclusively locked for
// as long as the supervisor runs, so two supervisors never share one.
type PIDFile struct {
	path string
	lock *lock.FileLock
	f    *os.File
	l    log15.Logger
}

// WritePIDFile locks path and writes the current pid to it. If another
// supervisor holds the lock, WritePIDFile blocks until it is released or ctx
// is done.
func WritePIDFile(ctx context.Context, l log15.Logger, path string) (*PIDFile, error) {
	return writePIDFile(ctx, realOS{}, l, path)
}

func writePIDFile(ctx context.Context, osi osIface, l log15.Logger, path string) (*PIDFile, error) {
	l = l.New("pidfile", path)
	for {
		if err := touchFile(path); err != nil {
			return nil, err
		}
		lk, err := lockPIDFile(ctx, l, path)
		if err != nil {
			if _, serr := os.Stat(path); os.IsNotExist(serr) && ctx.Err() == nil {
				// removed between touching and locking it
				continue
			}
			return nil, err
		}

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			releaseLock(lk)
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "error opening pid file %q", path)
		}
		// The previous holder removes the file before unlocking it. A lock on
		// an unlinked file locks nothing, so start over.
		if !sameInode(lk, f) {
			l.Debug("pid file was replaced while waiting for its lock, retrying")
			f.Close()
			releaseLock(lk)
			continue
		}

		if err := f.Truncate(0); err != nil {
			f.Close()
			releaseLock(lk)
			return nil, errors.Wrapf(err, "error truncating pid file %q", path)
		}
		if _, err := f.WriteAt([]byte(strconv.Itoa(osi.Getpid())+"\n"), 0); err != nil {
			f.Close()
			releaseLock(lk)
			return nil, errors.Wrapf(err, "error writing pid file %q", path)
		}
		return &PIDFile{path: path, lock: lk, f: f, l: l}, nil
	}
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "error creating pid file %q", path)
	}
	return f.Close()
}

func lockPIDFile(ctx context.Context, l log15.Logger, path string) (*lock.FileLock, error) {
	type result struct {
		lk  *lock.FileLock
		err error
	}
	l.Debug("taking lock on pid file")
	locked := make(chan result, 1)
	go func() {
		lk, err := lock.ExclusiveLock(path, lock.RegFile)
		locked <- result{lk, err}
	}()
	select {
	case res := <-locked:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "error locking pid file %q", path)
		}
		l.Debug("took lock on pid file")
		return res.lk, nil
	case <-ctx.Done():
		go func() {
			if res := <-locked; res.err == nil {
				releaseLock(res.lk)
			}
		}()
		return nil, ctx.Err()
	}
}

func releaseLock(lk *lock.FileLock) error {
	err := lk.Unlock()
	if cerr := lk.Close(); err == nil {
		err = cerr
	}
	return err
}

// sameInode reports whether lk locks the file f has open and f is still
// linked at its path.
func sameInode(lk *lock.FileLock, f *os.File) bool {
	fd, err := lk.Fd()
	if err != nil {
		return false
	}
	var locked syscall.Stat_t
	if err := syscall.Fstat(fd, &locked); err != nil {
		return false
	}
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(f.Name())
	if err != nil || !os.SameFile(held, current) {
		return false
	}
	st, ok := held.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Dev == locked.Dev && st.Ino == locked.Ino
}

// Path returns the pid file's location.
func (p *PIDFile) Path() string {
	return p.path
}

// Remove deletes the pid file and releases its lock.
func (p *PIDFile) Remove() error {
	p.l.Debug("removing pid file")
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		err = errors.Wrapf(err, "error removing pid file %q", p.path)
	} else {
		err = nil
	}
	if cerr := p.f.Close(); cerr != nil && err == nil {
		err = errors.Wrapf(cerr, "error closing pid file %q", p.path)
	}
	if uerr := releaseLock(p.lock); uerr != nil && err == nil {
		err = errors.Wrapf(uerr, "error unlocking pid file %q", p.path)
	}
	return err
}
