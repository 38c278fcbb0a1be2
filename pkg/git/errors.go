package git

import (
	"errors"
)

var (
	ErrNotARepository  = errors.New("not a git repository")
	ErrNoGit           = errors.New("no git support")
	ErrGitError        = errors.New("git error")
	ErrUnknownRevision = errors.New("unknown revision")
)
