package saddle

import (
	"os"

	"github.com/pkg/errors"
)

// Protocol describes how a new arbiter announces itself after being asked to
// fork.
type Protocol interface {
	// Name is used in logs.
	Name() string
	// ReadyPath is the file whose appearance means the new arbiter has
	// published its identity.
	ReadyPath(identityPath string) string
	// NewIdentityPath is the file holding the new arbiter's pid.
	NewIdentityPath(identityPath string) string
	// Prepare is called before asking the current arbiter to fork.
	Prepare(identityPath string) error
}

// RenameOldbin is the protocol where the old arbiter renames its identity
// file to "<path>.oldbin" and the new arbiter writes its pid to the original
// path.
type RenameOldbin struct{}

var _ Protocol = RenameOldbin{}

func (RenameOldbin) Name() string { return "oldbin" }

func (RenameOldbin) ReadyPath(identityPath string) string {
	return identityPath + ".oldbin"
}

func (RenameOldbin) NewIdentityPath(identityPath string) string {
	return identityPath
}

// Prepare removes an ".oldbin" file left over from an earlier generation, it
// would otherwise be mistaken for the new arbiter's readiness.
func (p RenameOldbin) Prepare(identityPath string) error {
	err := os.Remove(p.ReadyPath(identityPath))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "error removing stale oldbin file")
	}
	return nil
}

// DefaultSecondarySuffix is the suffix gunicorn uses for a re-executed
// arbiter's pid file.
const DefaultSecondarySuffix = "2"

// SecondaryFile is the protocol where the new arbiter writes its pid to
// "<path>.<Suffix>", and the appearance of that file is the readiness signal.
type SecondaryFile struct {
	Suffix string
}

var _ Protocol = SecondaryFile{}

func (SecondaryFile) Name() string { return "secondary" }

func (p SecondaryFile) ReadyPath(identityPath string) string {
	suffix := p.Suffix
	if suffix == "" {
		suffix = DefaultSecondarySuffix
	}
	return identityPath + "." + suffix
}

func (p SecondaryFile) NewIdentityPath(identityPath string) string {
	return p.ReadyPath(identityPath)
}

// Prepare is a no-op. The previous generation renames its secondary file
// onto the primary path on its own schedule, and removing it would break
// that rename.
func (SecondaryFile) Prepare(string) error { return nil }

// ParseProtocol returns the protocol named name. suffix only applies to the
// secondary protocol.
func ParseProtocol(name, suffix string) (Protocol, error) {
	switch name {
	case "", "oldbin":
		return RenameOldbin{}, nil
	case "secondary":
		return SecondaryFile{Suffix: suffix}, nil
	}
	return nil, errors.Errorf("unknown protocol %q", name)
}
