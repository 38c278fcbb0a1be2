package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// RequireCommands skips the test when any of the programs is not installed.
func RequireCommands(t testing.TB, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not installed", name)
		}
	}
}

// GitRepo is a throwaway git working copy used as a test fixture.
type GitRepo struct {
	t   testing.TB
	Dir string
}

// NewGitRepo initializes a repository below a test temporary directory.
func NewGitRepo(t testing.TB, name string) *GitRepo {
	t.Helper()
	RequireCommands(t, "git")
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	dir = filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// submodules of fixtures are cloned from local paths, including by the code under test
	t.Setenv("GIT_CONFIG_COUNT", "1")
	t.Setenv("GIT_CONFIG_KEY_0", "protocol.file.allow")
	t.Setenv("GIT_CONFIG_VALUE_0", "always")
	r := &GitRepo{t: t, Dir: dir}
	r.Git("init", "-q")
	r.Git("config", "user.name", "Test")
	r.Git("config", "user.email", "test@example.com")
	return r
}

// Git runs git in the working copy and returns its trimmed output.
func (r *GitRepo) Git(args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_DATE=2020-01-02T03:04:05Z",
		"GIT_COMMITTER_DATE=2020-01-02T03:04:05Z",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(r.t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// WriteFiles writes files (slash separated name to content) into the working copy.
func (r *GitRepo) WriteFiles(files map[string]string) {
	r.t.Helper()
	for name, content := range files {
		p := filepath.Join(r.Dir, filepath.FromSlash(name))
		require.NoError(r.t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(r.t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// Commit stages everything and commits, returning the new commit id.
func (r *GitRepo) Commit(message string) string {
	r.t.Helper()
	r.Git("add", "-A")
	r.Git("commit", "-q", "-m", message)
	return r.Git("rev-parse", "HEAD")
}

// AddSubmodule records sub at path and returns the commit id recorded for it.
func (r *GitRepo) AddSubmodule(sub *GitRepo, path string) string {
	r.t.Helper()
	r.Git("submodule", "--quiet", "add", sub.Dir, path)
	return sub.Git("rev-parse", "HEAD")
}
