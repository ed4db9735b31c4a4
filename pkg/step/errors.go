package step

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPackaging is returned when step outputs cannot be turned into a package.
	ErrPackaging = errors.New("packaging error")
	// ErrNoManifest is returned by operations that need a manifest before one is set.
	ErrNoManifest = errors.New("step has no manifest")
	// ErrInvalidGitStatus is matched by every *InvalidGitStatusError.
	ErrInvalidGitStatus = errors.New("invalid git status")
	// ErrNotFound is returned by Checkout when neither the current branch nor
	// master has data for the step.
	ErrNotFound = errors.New("step data not found")
)

// InvalidGitStatusError reports why the source checkout is not in a state
// data may be pushed from.
type InvalidGitStatusError struct {
	// Target is the package path the push was aimed at.
	Target string
	Branch string
	Reason string
	// Files lists the modified and untracked files, if any.
	Files  []string
}

func (e *InvalidGitStatusError) Error() string {
	msg := fmt.Sprintf("push to %q was rejected: %s (branch %s)", e.Target, e.Reason, e.Branch)
	if len(e.Files) > 0 {
		msg += "; check files: " + strings.Join(e.Files, ", ")
	}
	return msg
}

// Is makes errors.Is(err, ErrInvalidGitStatus) match.
func (e *InvalidGitStatusError) Is(target error) bool {
	return target == ErrInvalidGitStatus
}
