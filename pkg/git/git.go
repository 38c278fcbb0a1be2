package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/fileutil"
	"github.com/treeverse/srcprep/pkg/logging"
	"github.com/treeverse/srcprep/pkg/pipeline"
	"golang.org/x/exp/slices"
)

const (
	ModulesFile = ".gitmodules"
	gitCommand  = "git"

	// IndexTreeish names the tree recorded in the index.
	IndexTreeish = "INDEX"
	// WorkingCopyTreeish names the tree of the working copy, untracked files included.
	WorkingCopyTreeish = "WC"

	// workingCopyIndex is the index file, inside the git directory, used to record the working copy
	workingCopyIndex = "srcprep_index"
)

type outputError struct {
	message string
	err     error
}

var outputErrors = []outputError{
	{message: "not a git repository", err: ErrNotARepository},
	{message: "unknown revision", err: ErrUnknownRevision},
	{message: "not a valid object name", err: ErrUnknownRevision},
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	return runGit(ctx, pipeline.Command(gitCommand, args...).InDir(dir))
}

// runGit runs a single git stage and returns its combined output.
func runGit(ctx context.Context, stage pipeline.Stage) (string, error) {
	cmd := exec.CommandContext(ctx, stage.Name, stage.Args...)
	cmd.Dir = stage.Dir
	if len(stage.Env) > 0 {
		cmd.Env = append(os.Environ(), stage.Env...)
	}
	out, err := cmd.CombinedOutput()
	return handleOutput(string(out), err)
}

// handleOutput maps a failed git invocation to a package error using the output of git.
func handleOutput(out string, err error) (string, error) {
	if err == nil {
		return out, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", fmt.Errorf("%w: %w", ErrNoGit, err)
	}
	lower := strings.ToLower(out)
	idx := slices.IndexFunc(outputErrors, func(o outputError) bool {
		return strings.Contains(lower, o.message)
	})
	if idx >= 0 {
		return "", outputErrors[idx].err
	}
	return "", fmt.Errorf("%s: %w: %w", strings.TrimSpace(out), ErrGitError, err)
}

// IsRepository Return true if dir is a path to a directory in a git repository, false otherwise
func IsRepository(dir string) bool {
	_, err := git(context.Background(), dir, "rev-parse", "--is-inside-work-tree")
	return err == nil
}

// GetRepositoryPath Returns the git repository root path if dir is a directory inside a git repository, otherwise returns error
func GetRepositoryPath(dir string) (string, error) {
	out, err := git(context.Background(), dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Repository is a git working copy.  Tree export and submodule checkout run the git command line
// tool in the working copy; submodule enumeration reads objects directly.
type Repository struct {
	path string
	repo *gogit.Repository
}

// Open returns the repository containing dir.
func Open(dir string) (*Repository, error) {
	top, err := GetRepositoryPath(dir)
	if err != nil {
		return nil, err
	}
	repo, err := gogit.PlainOpen(top)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", top, err)
	}
	return &Repository{path: top, repo: repo}, nil
}

// Path returns the top level directory of the working copy.
func (r *Repository) Path() string {
	return r.path
}

// ExportOptions controls a tree export.
type ExportOptions struct {
	Format archive.Format
	// Prefix is prepended to every member name.  A sanitized root prefix ("/") exports members at
	// the archive root.
	Prefix string
	// Subdir selects the submodule checkout, relative to the repository top level, to export
	// from.  Empty exports from the repository itself.
	Subdir string
}

// ExportStage returns the pipeline stage writing an archive of treeish to its standard output.
// The stage runs in the repository (or submodule checkout) directory.
func (r *Repository) ExportStage(treeish string, opts ExportOptions) pipeline.Stage {
	format := opts.Format
	if format == archive.FormatUnknown {
		format = archive.FormatTar
	}
	args := []string{
		"archive",
		"--format=" + format.String(),
		"--prefix=" + strings.TrimPrefix(opts.Prefix, "/"),
		treeish,
	}
	return pipeline.Command(gitCommand, args...).InDir(filepath.Join(r.path, filepath.FromSlash(opts.Subdir)))
}

// Export writes an archive of treeish into w.
func (r *Repository) Export(ctx context.Context, treeish string, opts ExportOptions, w io.Writer) error {
	return pipeline.New(r.ExportStage(treeish, opts)).Run(ctx, nil, w)
}

// Submodule is a gitlink recorded in a tree.
type Submodule struct {
	// Path is relative to the top level of the repository, slash separated.
	Path   string
	Commit string
}

// Submodules lists the submodules recorded in treeish in tree order.  Submodules of a submodule
// follow their parent when its checkout is present.
func (r *Repository) Submodules(ctx context.Context, treeish string) ([]Submodule, error) {
	return listSubmodules(ctx, r.repo, r.path, treeish, "")
}

func listSubmodules(ctx context.Context, repo *gogit.Repository, dir, treeish, parent string) ([]Submodule, error) {
	tree, err := resolveTree(repo, treeish)
	if err != nil {
		return nil, err
	}
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()

	var submodules []Submodule
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			return submodules, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", treeish, err)
		}
		if entry.Mode != filemode.Submodule {
			continue
		}
		sub := Submodule{Path: path.Join(parent, name), Commit: entry.Hash.String()}
		submodules = append(submodules, sub)

		checkout := filepath.Join(dir, filepath.FromSlash(name))
		nested, err := gogit.PlainOpen(checkout)
		if err != nil {
			logging.FromContext(ctx).
				WithFields(logging.Fields{logging.SubmoduleFieldKey: sub.Path, logging.CommitFieldKey: sub.Commit}).
				Trace("Submodule not checked out, skipping nested submodules")
			continue
		}
		children, err := listSubmodules(ctx, nested, checkout, sub.Commit, sub.Path)
		if err != nil {
			return nil, fmt.Errorf("submodule %s: %w", sub.Path, err)
		}
		submodules = append(submodules, children...)
	}
}

func resolveTree(repo *gogit.Repository, treeish string) (*object.Tree, error) {
	var hash plumbing.Hash
	if plumbing.IsHash(treeish) {
		hash = plumbing.NewHash(treeish)
	} else {
		h, err := repo.ResolveRevision(plumbing.Revision(treeish))
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", treeish, ErrUnknownRevision, err)
		}
		hash = *h
	}
	commit, err := repo.CommitObject(hash)
	if err == nil {
		return commit.Tree()
	}
	tree, treeErr := repo.TreeObject(hash)
	if treeErr != nil {
		return nil, fmt.Errorf("%s: %w", treeish, err)
	}
	return tree, nil
}

// HasSubmodules reports whether the working copy declares submodules.
func (r *Repository) HasSubmodules() bool {
	exists, err := fileutil.Exists(filepath.Join(r.path, ModulesFile))
	return err == nil && exists
}

// UpdateSubmodules checks out every submodule, recursively, at the commit recorded in the index.
func (r *Repository) UpdateSubmodules(ctx context.Context) error {
	_, err := git(ctx, r.path, "submodule", "update", "--init", "--recursive")
	return err
}

func (r *Repository) gitDir(ctx context.Context) (string, error) {
	out, err := git(ctx, r.path, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *Repository) workingCopyIndex(ctx context.Context) (string, error) {
	dir, err := r.gitDir(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, workingCopyIndex), nil
}

// WriteIndex writes the tree recorded in the index and returns its id.
func (r *Repository) WriteIndex(ctx context.Context) (string, error) {
	out, err := git(ctx, r.path, "write-tree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WriteWorkingCopy writes the tree of the working copy and returns its id.  Every file of the
// working copy is recorded, including untracked ones, and ignored ones too when force is set.
// The index of the repository is left untouched.
func (r *Repository) WriteWorkingCopy(ctx context.Context, force bool) (_ string, retErr error) {
	index, err := r.workingCopyIndex(ctx)
	if err != nil {
		return "", err
	}
	// start from an empty index
	if err := dropIndex(index); err != nil {
		return "", err
	}
	defer func() {
		if err := dropIndex(index); err != nil && retErr == nil {
			retErr = err
		}
	}()
	env := []string{"GIT_INDEX_FILE=" + index}
	args := []string{"add"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, ".")
	add := pipeline.Command(gitCommand, args...).InDir(r.path)
	add.Env = env
	if _, err := runGit(ctx, add); err != nil {
		return "", fmt.Errorf("record working copy: %w", err)
	}
	writeTree := pipeline.Command(gitCommand, "write-tree").InDir(r.path)
	writeTree.Env = env
	out, err := runGit(ctx, writeTree)
	if err != nil {
		return "", fmt.Errorf("record working copy: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// DropIndex removes the index file left behind by an interrupted WriteWorkingCopy.
func (r *Repository) DropIndex(ctx context.Context) error {
	index, err := r.workingCopyIndex(ctx)
	if err != nil {
		return err
	}
	return dropIndex(index)
}

func dropIndex(index string) error {
	if err := os.Remove(index); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ResolveTreeish returns treeish unchanged, except for IndexTreeish and WorkingCopyTreeish which
// are written as trees and replaced by their ids.
func (r *Repository) ResolveTreeish(ctx context.Context, treeish string) (string, error) {
	switch treeish {
	case IndexTreeish:
		return r.WriteIndex(ctx)
	case WorkingCopyTreeish:
		return r.WriteWorkingCopy(ctx, true)
	default:
		return treeish, nil
	}
}
