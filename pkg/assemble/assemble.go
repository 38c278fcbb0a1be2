package assemble

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/fileutil"
	"github.com/treeverse/srcprep/pkg/git"
	"github.com/treeverse/srcprep/pkg/logging"
	"github.com/treeverse/srcprep/pkg/pipeline"
)

const workspacePattern = "archive_"

// Repository is the version control side of an assembly.  *git.Repository implements it.
type Repository interface {
	// ResolveTreeish turns git.IndexTreeish and git.WorkingCopyTreeish into tree ids.
	ResolveTreeish(ctx context.Context, treeish string) (string, error)
	// ExportStage returns a stage writing an uncompressed archive of treeish to its output.
	ExportStage(treeish string, opts git.ExportOptions) pipeline.Stage
	// Submodules lists the submodules recorded in treeish, in a stable order.
	Submodules(ctx context.Context, treeish string) ([]git.Submodule, error)
	HasSubmodules() bool
	// UpdateSubmodules checks out all submodules.
	UpdateSubmodules(ctx context.Context) error
}

// Spec describes the archive to produce.
type Spec struct {
	Format archive.Format
	// Compressor is the external compression program; empty stores the archive uncompressed.
	Compressor string
	// Level is passed to the compressor as -<level>; 0 uses the compressor default.
	Level             int
	CompressorOptions []string
	Prefix            string
}

func (s Spec) format() archive.Format {
	if s.Format == archive.FormatUnknown {
		return archive.FormatTar
	}
	return s.Format
}

// compressStage returns the compressor filter, false when the archive is stored uncompressed.
func (s Spec) compressStage() (pipeline.Stage, bool) {
	if s.Compressor == "" {
		return pipeline.Stage{}, false
	}
	args := []string{"-c"}
	if s.Level != 0 {
		args = append(args, "-"+strconv.Itoa(s.Level))
	}
	args = append(args, s.CompressorOptions...)
	return pipeline.Command(s.Compressor, args...), true
}

type Option func(a *Assembler)

// WithTempDir sets the directory under which temporary workspaces are created.
func WithTempDir(dir string) Option {
	return func(a *Assembler) {
		a.tempDir = dir
	}
}

// Assembler produces archives and exported trees of a repository, including its submodules.
type Assembler struct {
	repo    Repository
	tempDir string
}

func New(repo Repository, opts ...Option) *Assembler {
	a := &Assembler{
		repo:    repo,
		tempDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func checkOutput(output string) error {
	exists, err := fileutil.Exists(output)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", output, ErrOutputExists)
	}
	return nil
}

// submodulePrefix returns the leading path of submodule members inside an archive with prefix.
func submodulePrefix(prefix, subdir string) string {
	return prefix + strings.TrimPrefix(subdir, "./") + "/"
}

// ArchiveWithSubmodules writes an archive of treeish and of every submodule recorded in it to
// output.  Submodule archives are appended to the main one in enumeration order, then the result
// is compressed.  Temporary files are removed on return.
func (a *Assembler) ArchiveWithSubmodules(ctx context.Context, treeish, output string, spec Spec) (retErr error) {
	if err := checkOutput(output); err != nil {
		return err
	}
	format := spec.format()
	prefix := archive.SanitizePrefix(spec.Prefix)
	ctx = logging.AddFields(ctx, logging.Fields{logging.TreeishFieldKey: treeish, logging.OutputFieldKey: output})
	log := logging.FromContext(ctx)

	ws, err := fileutil.NewWorkspace(a.tempDir, workspacePattern)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.WithError(err).WithField(logging.ScratchDirFieldKey, ws.Dir()).Error("Failed to remove temporary workspace")
			retErr = multierror.Append(retErr, err).ErrorOrNil()
		}
	}()

	treeish, err = a.repo.ResolveTreeish(ctx, treeish)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	mainArchive := ws.Path("main." + format.String())
	export := a.repo.ExportStage(treeish, git.ExportOptions{Format: format, Prefix: prefix})
	if err := pipeline.New(export).RunToFile(ctx, nil, mainArchive); err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}

	submodules, err := a.repo.Submodules(ctx, treeish)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	subArchive := ws.Path("submodule." + format.String())
	for _, sub := range submodules {
		subdir := strings.TrimPrefix(sub.Path, "./")
		log.WithFields(logging.Fields{logging.SubmoduleFieldKey: subdir, logging.CommitFieldKey: sub.Commit}).
			Debug("Processing submodule")
		stage := a.repo.ExportStage(sub.Commit, git.ExportOptions{
			Format: format,
			Prefix: submodulePrefix(prefix, subdir),
			Subdir: subdir,
		})
		if err := pipeline.New(stage).RunToFile(ctx, nil, subArchive); err != nil {
			return fmt.Errorf("create %s: submodule %s: %w", output, subdir, err)
		}
		if err := archive.Catenate(format, mainArchive, subArchive); err != nil {
			return fmt.Errorf("create %s: append submodule %s: %w", output, subdir, err)
		}
	}

	compress, ok := spec.compressStage()
	if !ok {
		if err := fileutil.Move(mainArchive, output); err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		return nil
	}
	in, err := os.Open(mainArchive)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	defer in.Close()
	// hide the file behind a pipe: gzip records the mtime of a regular file on stdin
	stdin := struct{ io.Reader }{in}
	if err := pipeline.New(compress).RunToFile(ctx, stdin, output); err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	return nil
}

// ArchiveSingle writes an archive of treeish alone to output, streaming the export through the
// compressor.
func (a *Assembler) ArchiveSingle(ctx context.Context, treeish, output string, spec Spec) error {
	if err := checkOutput(output); err != nil {
		return err
	}
	ctx = logging.AddFields(ctx, logging.Fields{logging.TreeishFieldKey: treeish, logging.OutputFieldKey: output})
	treeish, err := a.repo.ResolveTreeish(ctx, treeish)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	p := pipeline.New(a.repo.ExportStage(treeish, git.ExportOptions{
		Format: spec.format(),
		Prefix: archive.SanitizePrefix(spec.Prefix),
	}))
	if compress, ok := spec.compressStage(); ok {
		p.Append(compress)
	}
	logging.FromContext(ctx).Debugf("Running '%s'", p)
	if err := p.RunToFile(ctx, nil, output); err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	return nil
}

// DumpTree exports treeish, and optionally its submodules, as the directory exportDir.  Failures
// are logged; the result tells whether the export succeeded.
func (a *Assembler) DumpTree(ctx context.Context, exportDir, treeish string, withSubmodules bool) (ok bool) {
	ctx = logging.AddFields(ctx, logging.Fields{logging.TreeishFieldKey: treeish, logging.OutputFieldKey: exportDir})
	log := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Unexpected failure exporting tree: %v", r)
			ok = false
		}
	}()
	if err := a.dumpTree(ctx, exportDir, treeish, withSubmodules); err != nil {
		log.WithError(err).Error("Failed to export tree")
		return false
	}
	return true
}

func (a *Assembler) dumpTree(ctx context.Context, exportDir, treeish string, withSubmodules bool) error {
	treeish, err := a.repo.ResolveTreeish(ctx, treeish)
	if err != nil {
		return err
	}
	prefix := archive.SanitizePrefix(filepath.Base(exportDir))
	outputDir := filepath.Dir(exportDir)
	stage := a.repo.ExportStage(treeish, git.ExportOptions{Format: archive.FormatTar, Prefix: prefix})
	if err := extractStage(ctx, stage, outputDir); err != nil {
		return err
	}
	if !withSubmodules || !a.repo.HasSubmodules() {
		return nil
	}

	if err := a.repo.UpdateSubmodules(ctx); err != nil {
		return fmt.Errorf("update submodules: %w", err)
	}
	submodules, err := a.repo.Submodules(ctx, treeish)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx)
	for _, sub := range submodules {
		subdir := strings.TrimPrefix(sub.Path, "./")
		log.WithFields(logging.Fields{logging.SubmoduleFieldKey: subdir, logging.CommitFieldKey: sub.Commit}).
			Info("Processing submodule")
		stage := a.repo.ExportStage(sub.Commit, git.ExportOptions{
			Format: archive.FormatTar,
			Prefix: submodulePrefix(prefix, subdir),
			Subdir: subdir,
		})
		if stage.Dir != "" {
			isDir, err := fileutil.IsDir(stage.Dir)
			if err != nil || !isDir {
				return fmt.Errorf("%s: %w", subdir, ErrSubmoduleNotCheckedOut)
			}
		}
		if err := extractStage(ctx, stage, outputDir); err != nil {
			return fmt.Errorf("submodule %s: %w", subdir, err)
		}
	}
	return nil
}

// extractStage extracts the tar stream produced by stage below dir.
func extractStage(ctx context.Context, stage pipeline.Stage, dir string) error {
	pr, pw := io.Pipe()
	extracted := make(chan error, 1)
	go func() {
		err := archive.ExtractTar(pr, dir, archive.ExtractOptions{})
		if err == nil {
			// consume the padding after the end-of-archive marker
			_, err = io.Copy(io.Discard, pr)
		}
		_ = pr.CloseWithError(err)
		extracted <- err
	}()
	runErr := pipeline.New(stage).Run(ctx, nil, pw)
	_ = pw.CloseWithError(runErr)
	var errs *multierror.Error
	if err := <-extracted; err != nil {
		errs = multierror.Append(errs, err)
	}
	if runErr != nil {
		errs = multierror.Append(errs, runErr)
	}
	return errs.ErrorOrNil()
}
