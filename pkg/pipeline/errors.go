package pipeline

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	ErrPipelineFailed = errors.New("pipeline failed")
	ErrEmptyPipeline  = errors.New("empty pipeline")
)

// StageError reports a single stage that could not start or exited unsuccessfully.
type StageError struct {
	Stage Stage
	// ExitCode is the exit status of the stage, -1 if it never ran to completion (did not start,
	// killed by a signal).
	ExitCode int
	// Stderr holds the tail of the stage's standard error.
	Stderr string
	Err    error
}

func (e *StageError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Stage.Name)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&sb, ": exit status %d", e.ExitCode)
	} else {
		fmt.Fprintf(&sb, ": %s", e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		sb.WriteString(": ")
		sb.WriteString(stderr)
	}
	return sb.String()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit status of the first failed stage found in err.
func ExitCode(err error) (int, bool) {
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		return 0, false
	}
	return stageErr.ExitCode, true
}

func newStageError(stage Stage, err error, stderr string) *StageError {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &StageError{
		Stage:    stage,
		ExitCode: code,
		Stderr:   stderr,
		Err:      err,
	}
}
