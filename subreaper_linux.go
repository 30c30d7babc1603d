//go:build linux

package saddle

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BecomeSubreaper marks this process as a child subreaper. A new arbiter is
// forked by the old one; once the old arbiter exits the new one is re-parented
// to us instead of init, so we can reap it and see it turn into a zombie.
func BecomeSubreaper() error {
	return errors.Wrap(unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0), "error becoming a child subreaper")
}
