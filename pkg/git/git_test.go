package git_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/git"
	"github.com/treeverse/srcprep/pkg/testutil"
)

func TestIsRepository(t *testing.T) {
	testutil.RequireCommands(t, "git")
	tmpdir := t.TempDir()
	tmpSubdir, err := os.MkdirTemp(tmpdir, "")
	require.NoError(t, err)
	tmpFile, err := os.CreateTemp(tmpSubdir, "")
	require.NoError(t, err)
	defer func() {
		_ = tmpFile.Close()
	}()

	require.False(t, git.IsRepository(tmpFile.Name()))
	require.False(t, git.IsRepository(tmpdir))

	// Init git repo on root
	require.NoError(t, exec.Command("git", "init", "-q", tmpdir).Run())
	require.False(t, git.IsRepository(tmpFile.Name()))
	require.True(t, git.IsRepository(tmpdir))
	require.True(t, git.IsRepository(tmpSubdir))
}

func TestGetRepositoryPath(t *testing.T) {
	testutil.RequireCommands(t, "git")
	tmpdir, err := filepath.EvalSymlinks(t.TempDir()) // on macOS tmpdir is a symlink
	require.NoError(t, err)
	tmpSubdir, err := os.MkdirTemp(tmpdir, "")
	require.NoError(t, err)

	_, err = git.GetRepositoryPath(tmpdir)
	require.ErrorIs(t, err, git.ErrNotARepository)

	// Init git repo on root
	require.NoError(t, exec.Command("git", "init", "-q", tmpdir).Run())
	gitPath, err := git.GetRepositoryPath(tmpdir)
	require.NoError(t, err)
	require.Equal(t, tmpdir, gitPath)
	gitPath, err = git.GetRepositoryPath(tmpSubdir)
	require.NoError(t, err)
	require.Equal(t, tmpdir, gitPath)

	_, err = git.Open(t.TempDir())
	require.ErrorIs(t, err, git.ErrNotARepository)
}

func exportNames(t *testing.T, repo *git.Repository, treeish string, opts git.ExportOptions) []string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, repo.Export(context.Background(), treeish, opts, &buf))
	var names []string
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		names = append(names, hdr.Name)
	}
}

func TestRepository_Export(t *testing.T) {
	fixture := testutil.NewGitRepo(t, "main")
	fixture.WriteFiles(map[string]string{"README": "hello", "src/main.c": "int main;"})
	fixture.Commit("initial")

	repo, err := git.Open(filepath.Join(fixture.Dir, "src"))
	require.NoError(t, err)
	require.Equal(t, fixture.Dir, repo.Path())

	t.Run("prefix", func(t *testing.T) {
		names := exportNames(t, repo, "HEAD", git.ExportOptions{Format: archive.FormatTar, Prefix: "pkg-1.0/"})
		if diff := deep.Equal(names, []string{"pkg-1.0/", "pkg-1.0/README", "pkg-1.0/src/", "pkg-1.0/src/main.c"}); diff != nil {
			t.Fatal("unexpected members", diff)
		}
	})

	t.Run("root prefix", func(t *testing.T) {
		names := exportNames(t, repo, "HEAD", git.ExportOptions{Prefix: archive.SanitizePrefix("")})
		if diff := deep.Equal(names, []string{"README", "src/", "src/main.c"}); diff != nil {
			t.Fatal("unexpected members", diff)
		}
	})

	t.Run("stage", func(t *testing.T) {
		stage := repo.ExportStage("v1", git.ExportOptions{Format: archive.FormatZip, Prefix: "p/", Subdir: "sub"})
		require.Equal(t, "git archive --format=zip --prefix=p/ v1", stage.String())
		require.Equal(t, filepath.Join(fixture.Dir, "sub"), stage.Dir)
	})

	t.Run("unknown treeish", func(t *testing.T) {
		err := repo.Export(context.Background(), "no-such-branch", git.ExportOptions{}, io.Discard)
		require.Error(t, err)
	})
}

func TestRepository_Submodules(t *testing.T) {
	ctx := context.Background()
	nested := testutil.NewGitRepo(t, "nested")
	nested.WriteFiles(map[string]string{"n.txt": "n"})
	nested.Commit("nested")

	subA := testutil.NewGitRepo(t, "a")
	subA.WriteFiles(map[string]string{"a.txt": "a"})
	subA.Commit("a")
	nestedCommit := subA.AddSubmodule(nested, "deps/nested")
	subA.Commit("add nested")

	subB := testutil.NewGitRepo(t, "b")
	subB.WriteFiles(map[string]string{"b.txt": "b"})
	subB.Commit("b")

	main := testutil.NewGitRepo(t, "main")
	main.WriteFiles(map[string]string{"README": "main"})
	main.Commit("initial")

	repo, err := git.Open(main.Dir)
	require.NoError(t, err)
	require.False(t, repo.HasSubmodules())
	subs, err := repo.Submodules(ctx, "HEAD")
	require.NoError(t, err)
	require.Empty(t, subs)

	commitA := main.AddSubmodule(subA, "a")
	commitB := main.AddSubmodule(subB, "b")
	main.Commit("add submodules")
	require.NoError(t, repo.UpdateSubmodules(ctx))
	require.True(t, repo.HasSubmodules())

	subs, err = repo.Submodules(ctx, "HEAD")
	require.NoError(t, err)
	expected := []git.Submodule{
		{Path: "a", Commit: commitA},
		{Path: "a/deps/nested", Commit: nestedCommit},
		{Path: "b", Commit: commitB},
	}
	if diff := deep.Equal(subs, expected); diff != nil {
		t.Fatal("unexpected submodules", diff)
	}

	// the initial commit has no submodules
	subs, err = repo.Submodules(ctx, "HEAD~1")
	require.NoError(t, err)
	require.Empty(t, subs)

	_, err = repo.Submodules(ctx, "no-such-branch")
	require.ErrorIs(t, err, git.ErrUnknownRevision)
}

func TestRepository_WriteWorkingCopy(t *testing.T) {
	ctx := context.Background()
	fixture := testutil.NewGitRepo(t, "main")
	fixture.WriteFiles(map[string]string{"README": "hello", ".gitignore": "*.log\n"})
	fixture.Commit("initial")
	fixture.WriteFiles(map[string]string{"README": "changed", "untracked.txt": "new", "build.log": "log"})

	repo, err := git.Open(fixture.Dir)
	require.NoError(t, err)
	index := filepath.Join(fixture.Dir, ".git", "srcprep_index")

	t.Run("ignored files skipped", func(t *testing.T) {
		tree, err := repo.WriteWorkingCopy(ctx, false)
		require.NoError(t, err)
		names := exportNames(t, repo, tree, git.ExportOptions{})
		require.Contains(t, names, "README")
		require.Contains(t, names, "untracked.txt")
		require.NotContains(t, names, "build.log")
		require.NoFileExists(t, index)
	})

	t.Run("forced", func(t *testing.T) {
		tree, err := repo.WriteWorkingCopy(ctx, true)
		require.NoError(t, err)
		require.Contains(t, exportNames(t, repo, tree, git.ExportOptions{}), "build.log")

		// trees have no submodules here, and resolve like commits
		subs, err := repo.Submodules(ctx, tree)
		require.NoError(t, err)
		require.Empty(t, subs)
	})

	t.Run("stale index", func(t *testing.T) {
		require.NoError(t, os.WriteFile(index, []byte("garbage"), 0o644))
		_, err := repo.WriteWorkingCopy(ctx, false)
		require.NoError(t, err)
		require.NoFileExists(t, index)

		require.NoError(t, os.WriteFile(index, []byte("garbage"), 0o644))
		require.NoError(t, repo.DropIndex(ctx))
		require.NoFileExists(t, index)
		require.NoError(t, repo.DropIndex(ctx))
	})

	t.Run("resolve", func(t *testing.T) {
		treeish, err := repo.ResolveTreeish(ctx, "HEAD")
		require.NoError(t, err)
		require.Equal(t, "HEAD", treeish)

		// nothing is staged: the index holds the tree of HEAD
		treeish, err = repo.ResolveTreeish(ctx, git.IndexTreeish)
		require.NoError(t, err)
		require.Equal(t, fixture.Git("rev-parse", "HEAD^{tree}"), treeish)

		treeish, err = repo.ResolveTreeish(ctx, git.WorkingCopyTreeish)
		require.NoError(t, err)
		require.NotEqual(t, fixture.Git("rev-parse", "HEAD^{tree}"), treeish)
	})
}
