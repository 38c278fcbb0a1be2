package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/treeverse/srcprep/pkg/logging"
)

const stderrTailSize = 4 << 10

// Stage is one external process of a pipeline.
type Stage struct {
	Name string
	Args []string
	// Dir is the working directory of the process, the current directory when empty.
	Dir string
	// Env is appended to the current environment.
	Env []string
}

func Command(name string, args ...string) Stage {
	return Stage{Name: name, Args: args}
}

// InDir returns a copy of s that runs in dir.
func (s Stage) InDir(dir string) Stage {
	s.Dir = dir
	return s
}

func (s Stage) String() string {
	return strings.Join(append([]string{s.Name}, s.Args...), " ")
}

func (s Stage) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.Name, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	return cmd
}

// Pipeline runs stages with the standard output of each one connected to the standard input of
// the next.
type Pipeline struct {
	stages []Stage
}

func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

func (p *Pipeline) Append(s Stage) *Pipeline {
	p.stages = append(p.stages, s)
	return p
}

func (p *Pipeline) Stages() []Stage {
	return p.stages
}

func (p *Pipeline) String() string {
	parts := make([]string, len(p.stages))
	for i, s := range p.stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// Run executes the pipeline reading stdin into the first stage and writing the output of the
// last one to stdout.  A nil stdin reads from the null device, a nil stdout discards.  Every
// stage is waited for; the returned error aggregates all the stages that failed.
func (p *Pipeline) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	n := len(p.stages)
	if n == 0 {
		return ErrEmptyPipeline
	}
	log := logging.FromContext(ctx)

	cmds := make([]*exec.Cmd, n)
	stderrs := make([]*tailBuffer, n)
	for i, s := range p.stages {
		cmds[i] = s.command(ctx)
		stderrs[i] = &tailBuffer{max: stderrTailSize}
		cmds[i].Stderr = stderrs[i]
	}
	cmds[0].Stdin = stdin
	cmds[n-1].Stdout = stdout

	var pipes []*os.File
	closePipes := func() {
		for _, f := range pipes {
			_ = f.Close()
		}
		pipes = nil
	}
	for i := 0; i < n-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closePipes()
			return fmt.Errorf("%w: %w", ErrPipelineFailed, err)
		}
		pipes = append(pipes, r, w)
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
	}

	var errs *multierror.Error
	started := 0
	for i, cmd := range cmds {
		log.WithField(logging.StageFieldKey, p.stages[i].Name).Tracef("Starting '%s'", p.stages[i])
		if err := cmd.Start(); err != nil {
			errs = multierror.Append(errs, newStageError(p.stages[i], err, ""))
			break
		}
		started++
	}
	// children own their copies of the pipe ends now
	closePipes()
	if started < n {
		for _, cmd := range cmds[:started] {
			_ = cmd.Process.Kill()
		}
	}
	for i, cmd := range cmds[:started] {
		if err := cmd.Wait(); err != nil {
			stageErr := newStageError(p.stages[i], err, stderrs[i].String())
			log.WithField(logging.StageFieldKey, p.stages[i].Name).WithError(err).Debug("Pipeline stage failed")
			errs = multierror.Append(errs, stageErr)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrPipelineFailed, err)
	}
	return nil
}

// RunToFile runs the pipeline writing its output to a new file at path.  The file is removed when
// the pipeline fails.
func (p *Pipeline) RunToFile(ctx context.Context, stdin io.Reader, path string) (retErr error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint: mnd
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(); retErr == nil {
			retErr = e
		}
		if retErr != nil {
			_ = os.Remove(path)
		}
	}()
	return p.Run(ctx, stdin, f)
}

type filterWriter struct {
	stage  Stage
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
}

// NewFilterWriter starts stage as a filter whose output goes to w.  Data written to the returned
// writer is fed to the stage's standard input; Close waits for the stage to exit.
func NewFilterWriter(ctx context.Context, w io.Writer, stage Stage) (io.WriteCloser, error) {
	cmd := stage.command(ctx)
	cmd.Stdout = w
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineFailed, newStageError(stage, err, ""))
	}
	return &filterWriter{stage: stage, cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

func (f *filterWriter) Write(p []byte) (int, error) {
	return f.stdin.Write(p)
}

func (f *filterWriter) Close() error {
	closeErr := f.stdin.Close()
	if err := f.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrPipelineFailed, newStageError(f.stage, err, f.stderr.String()))
	}
	return closeErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
