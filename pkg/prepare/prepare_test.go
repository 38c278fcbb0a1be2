package prepare_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-openapi/swag"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/prepare"
	"github.com/treeverse/srcprep/pkg/testutil"
	"github.com/treeverse/srcprep/pkg/upstream"
)

var sampleFiles = map[string]string{
	"README":            "readme",
	"src/main.c":        "int main;",
	"vendor/lib/lib.go": "package lib",
	"docs/gen/api.html": "<html/>",
}

func makeTree(t *testing.T, name string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), name)
	for p, content := range sampleFiles {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

// makeArchive packs a sample tree with the given prefix into a new archive named name.
func makeArchive(t *testing.T, name, prefix string) string {
	t.Helper()
	src, err := upstream.New(makeTree(t, "upstream"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	_, err = src.Pack(context.Background(), path, nil, swag.String(prefix))
	require.NoError(t, err)
	return path
}

func requireDirEntries(t *testing.T, dir string, expected ...string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, expected, names)
}

func TestPreparePristine_Symlink(t *testing.T) {
	ctx := context.Background()
	archivePath := makeArchive(t, "foo-1.0.tar.gz", "foo-1.0")
	sum := testutil.ChecksumFile(t, archivePath)
	src, err := upstream.New(archivePath)
	require.NoError(t, err)

	for _, prefix := range []*string{nil, swag.String("foo-1.0"), swag.String("/foo-1.0/"), swag.String("./foo-1.0")} {
		scratchDir := t.TempDir()
		pristine, err := prepare.PreparePristine(ctx, src, prepare.PristineOptions{
			Name:       "foo",
			Version:    "1.0",
			CommitName: "foo_1.0.orig.tar.gz",
			Prefix:     prefix,
			ScratchDir: scratchDir,
		})
		require.NoError(t, err)
		pristinePath := filepath.Join(scratchDir, "foo_1.0.orig.tar.gz")
		require.Equal(t, pristinePath, pristine.Path())
		require.Equal(t, upstream.KindArchive, pristine.Kind())

		fi, err := os.Lstat(pristinePath)
		require.NoError(t, err)
		require.NotZero(t, fi.Mode()&os.ModeSymlink, "pristine archive should be a link")
		target, err := os.Readlink(pristinePath)
		require.NoError(t, err)
		require.Equal(t, archivePath, target)
		require.Equal(t, sum, testutil.ChecksumFile(t, pristinePath))
		requireDirEntries(t, scratchDir, "foo_1.0.orig.tar.gz")
	}
}

func TestPreparePristine_Repack(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name           string
		commitName     string
		filters        []string
		prefix         *string
		expectedPrefix string
		compression    archive.Compression
	}{
		{name: "compression", commitName: "foo_1.0.orig.tar.xz", expectedPrefix: "foo-1.0", compression: archive.CompressionXz},
		{name: "container", commitName: "foo_1.0.orig.zip", expectedPrefix: "foo-1.0", compression: archive.CompressionZip},
		{name: "prefix", commitName: "foo_1.0.orig.tar.gz", prefix: swag.String("foo"), expectedPrefix: "foo", compression: archive.CompressionGzip},
		{name: "filters", commitName: "foo_1.0.orig.tar.gz", filters: []string{"vendor"}, expectedPrefix: "foo-1.0", compression: archive.CompressionGzip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			archivePath := makeArchive(t, "foo-1.0.tar.gz", "foo-1.0")
			src, err := upstream.New(archivePath)
			require.NoError(t, err)
			scratchDir := t.TempDir()
			pristine, err := prepare.PreparePristine(ctx, src, prepare.PristineOptions{
				Name:       "foo",
				Version:    "1.0",
				CommitName: tc.commitName,
				Filters:    tc.filters,
				Prefix:     tc.prefix,
				ScratchDir: scratchDir,
			})
			require.NoError(t, err)
			fi, err := os.Lstat(pristine.Path())
			require.NoError(t, err)
			require.True(t, fi.Mode().IsRegular())
			require.Equal(t, tc.compression, pristine.Compression())

			reopened, err := upstream.New(pristine.Path())
			require.NoError(t, err)
			require.Equal(t, tc.expectedPrefix, reopened.Prefix())
			tree, err := reopened.Unpack(ctx, t.TempDir(), nil)
			require.NoError(t, err)
			if len(tc.filters) > 0 {
				require.NoDirExists(t, filepath.Join(tree.Path(), "vendor"))
			} else {
				require.DirExists(t, filepath.Join(tree.Path(), "vendor"))
			}
		})
	}
}

func TestPreparePristine_Directory(t *testing.T) {
	ctx := context.Background()
	src, err := upstream.New(makeTree(t, "checkout"))
	require.NoError(t, err)

	scratchDir := t.TempDir()
	pristine, err := prepare.PreparePristine(ctx, src, prepare.PristineOptions{
		Name:       "foo",
		Version:    "1.0",
		CommitName: "foo_1.0.orig.tar.gz",
		ScratchDir: scratchDir,
	})
	require.NoError(t, err)
	fi, err := os.Lstat(pristine.Path())
	require.NoError(t, err)
	require.True(t, fi.Mode().IsRegular(), "directories are always packed")
	require.Equal(t, "foo-1.0", pristine.Prefix())

	reopened, err := upstream.New(pristine.Path())
	require.NoError(t, err)
	require.Equal(t, "foo-1.0", reopened.Prefix())

	// an explicit prefix is used as is
	scratchDir = t.TempDir()
	pristine, err = prepare.PreparePristine(ctx, src, prepare.PristineOptions{
		Name:       "foo",
		Version:    "1.0",
		CommitName: "foo_1.0.orig.tar.gz",
		Prefix:     swag.String("checkout"),
		ScratchDir: scratchDir,
	})
	require.NoError(t, err)
	fi, err = os.Lstat(pristine.Path())
	require.NoError(t, err)
	require.True(t, fi.Mode().IsRegular())
	require.Equal(t, "checkout", pristine.Prefix())
}

func TestPreparePristine_OutputExists(t *testing.T) {
	ctx := context.Background()
	src, err := upstream.New(makeArchive(t, "foo-1.0.tar.gz", "foo-1.0"))
	require.NoError(t, err)
	scratchDir := t.TempDir()
	existing := filepath.Join(scratchDir, "foo_1.0.orig.tar.gz")
	require.NoError(t, os.WriteFile(existing, []byte("keep"), 0o644))

	_, err = prepare.PreparePristine(ctx, src, prepare.PristineOptions{
		Name:       "foo",
		Version:    "1.0",
		CommitName: "foo_1.0.orig.tar.gz",
		ScratchDir: scratchDir,
	})
	require.ErrorIs(t, err, prepare.ErrOutputExists)
	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "keep", string(content))
}

func TestPrepareSources_DirectoryPassthrough(t *testing.T) {
	ctx := context.Background()
	root := makeTree(t, "checkout")
	src, err := upstream.New(root)
	require.NoError(t, err)
	scratchDir := t.TempDir()

	importDir, pristinePath, err := prepare.PrepareSources(ctx, src, prepare.Options{
		Name:       "foo",
		Version:    "1.0",
		ScratchDir: scratchDir,
	})
	require.NoError(t, err)
	require.Equal(t, root, importDir)
	require.Empty(t, pristinePath)
	requireDirEntries(t, scratchDir)
}

func TestPrepareSources_DirectoryFiltered(t *testing.T) {
	ctx := context.Background()
	root := makeTree(t, "checkout")
	src, err := upstream.New(root)
	require.NoError(t, err)

	t.Run("without pristine", func(t *testing.T) {
		scratchDir := t.TempDir()
		importDir, pristinePath, err := prepare.PrepareSources(ctx, src, prepare.Options{
			Name:       "foo",
			Version:    "1.0",
			Filters:    []string{"vendor"},
			ScratchDir: scratchDir,
		})
		require.NoError(t, err)
		require.Empty(t, pristinePath)
		require.NoDirExists(t, filepath.Join(importDir, "vendor"))
		require.FileExists(t, filepath.Join(importDir, "src", "main.c"))

		// the intermediate archive is gone, the filtered tree stays
		entries, err := os.ReadDir(scratchDir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Regexp(t, "^filtered_", entries[0].Name())
		require.DirExists(t, root)
	})

	t.Run("with pristine", func(t *testing.T) {
		scratchDir := t.TempDir()
		importDir, pristinePath, err := prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig.tar.xz",
			Filters:            []string{"vendor"},
			Prefix:             swag.String(prepare.AutoPrefix),
			ScratchDir:         scratchDir,
		})
		require.NoError(t, err)
		require.Equal(t, filepath.Join(scratchDir, "foo_1.0.orig.tar.xz"), pristinePath)
		require.NoDirExists(t, filepath.Join(importDir, "vendor"))
		require.Equal(t, "foo-1.0", filepath.Base(importDir))

		pristine, err := upstream.New(pristinePath)
		require.NoError(t, err)
		require.Equal(t, "foo-1.0", pristine.Prefix())
		tree, err := pristine.Unpack(ctx, t.TempDir(), nil)
		require.NoError(t, err)
		require.DirExists(t, filepath.Join(tree.Path(), "vendor"), "pristine archive is not filtered")
	})
}

func TestPrepareSources_ArchiveFiltered(t *testing.T) {
	ctx := context.Background()
	archivePath := makeArchive(t, "foo-1.0.tar.gz", "foo-1.0")
	sum := testutil.ChecksumFile(t, archivePath)

	t.Run("pristine unfiltered", func(t *testing.T) {
		src, err := upstream.New(archivePath)
		require.NoError(t, err)
		scratchDir := t.TempDir()
		importDir, pristinePath, err := prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig.tar.xz",
			Filters:            []string{"vendor", "*.html"},
			ScratchDir:         scratchDir,
		})
		require.NoError(t, err)
		require.NoDirExists(t, filepath.Join(importDir, "vendor"))
		require.NoFileExists(t, filepath.Join(importDir, "docs", "gen", "api.html"))
		require.FileExists(t, filepath.Join(importDir, "README"))

		pristine, err := upstream.New(pristinePath)
		require.NoError(t, err)
		require.Equal(t, archive.CompressionXz, pristine.Compression())
		tree, err := pristine.Unpack(ctx, t.TempDir(), nil)
		require.NoError(t, err)
		require.FileExists(t, filepath.Join(tree.Path(), "vendor", "lib", "lib.go"))
		require.FileExists(t, filepath.Join(tree.Path(), "docs", "gen", "api.html"))
	})

	t.Run("pristine linked", func(t *testing.T) {
		src, err := upstream.New(archivePath)
		require.NoError(t, err)
		scratchDir := t.TempDir()
		importDir, pristinePath, err := prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig.tar.gz",
			Filters:            []string{"vendor"},
			ScratchDir:         scratchDir,
		})
		require.NoError(t, err)
		require.NoDirExists(t, filepath.Join(importDir, "vendor"))
		target, err := os.Readlink(pristinePath)
		require.NoError(t, err)
		require.Equal(t, archivePath, target)
		require.Equal(t, sum, testutil.ChecksumFile(t, pristinePath))
	})

	t.Run("pristine filtered", func(t *testing.T) {
		src, err := upstream.New(archivePath)
		require.NoError(t, err)
		scratchDir := t.TempDir()
		_, pristinePath, err := prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig.tar.gz",
			Filters:            []string{"vendor"},
			FilterPristine:     true,
			Prefix:             swag.String("%(name)s-%(upstreamversion)s"),
			ScratchDir:         scratchDir,
		})
		require.NoError(t, err)
		pristine, err := upstream.New(pristinePath)
		require.NoError(t, err)
		tree, err := pristine.Unpack(ctx, t.TempDir(), nil)
		require.NoError(t, err)
		require.Equal(t, "foo-1.0", filepath.Base(tree.Path()))
		require.NoDirExists(t, filepath.Join(tree.Path(), "vendor"))
	})
}

func TestPrepareSources_Cleanup(t *testing.T) {
	ctx := context.Background()
	archivePath := makeArchive(t, "foo-1.0.tar.gz", "foo-1.0")

	t.Run("invalid pristine name", func(t *testing.T) {
		src, err := upstream.New(archivePath)
		require.NoError(t, err)
		scratchDir := t.TempDir()
		_, _, err = prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig",
			Filters:            []string{"vendor"},
			ScratchDir:         scratchDir,
		})
		require.ErrorIs(t, err, archive.ErrUnknownFormat)
		requireDirEntries(t, scratchDir)
	})

	t.Run("unpacked copy forgotten", func(t *testing.T) {
		src, err := upstream.New(archivePath)
		require.NoError(t, err)
		scratchDir := t.TempDir()
		_, _, err = prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig",
			ScratchDir:         scratchDir,
		})
		require.ErrorIs(t, err, archive.ErrUnknownFormat)
		requireDirEntries(t, scratchDir)
		require.Empty(t, src.Unpacked())

		_, err = prepare.PreparePristine(ctx, src, prepare.PristineOptions{
			Name:       "foo",
			Version:    "1.0",
			CommitName: "foo_1.0.orig",
			Prefix:     swag.String("bar-1.0"),
			ScratchDir: scratchDir,
		})
		require.ErrorIs(t, err, archive.ErrUnknownFormat)
		requireDirEntries(t, scratchDir)
		require.Empty(t, src.Unpacked())

		// the handle is still usable
		pristine, err := prepare.PreparePristine(ctx, src, prepare.PristineOptions{
			Name:       "foo",
			Version:    "1.0",
			CommitName: "foo_1.0.orig.tar.xz",
			ScratchDir: scratchDir,
		})
		require.NoError(t, err)
		require.Equal(t, archive.CompressionXz, pristine.Compression())
		require.Equal(t, "foo-1.0", pristine.Prefix())
	})

	t.Run("pristine exists", func(t *testing.T) {
		src, err := upstream.New(makeTree(t, "checkout"))
		require.NoError(t, err)
		scratchDir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(scratchDir, "foo_1.0.orig.tar.gz"), nil, 0o644))
		_, _, err = prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig.tar.gz",
			Filters:            []string{"vendor"},
			ScratchDir:         scratchDir,
		})
		require.ErrorIs(t, err, prepare.ErrOutputExists)
		requireDirEntries(t, scratchDir, "foo_1.0.orig.tar.gz")
	})

	t.Run("bad filter", func(t *testing.T) {
		src, err := upstream.New(archivePath)
		require.NoError(t, err)
		scratchDir := t.TempDir()
		_, _, err = prepare.PrepareSources(ctx, src, prepare.Options{
			Name:       "foo",
			Version:    "1.0",
			Filters:    []string{"[vendor"},
			ScratchDir: scratchDir,
		})
		require.ErrorIs(t, err, archive.ErrInvalidFilter)
		requireDirEntries(t, scratchDir)
	})

	t.Run("bad filter on directory", func(t *testing.T) {
		cases := []struct {
			name           string
			pristine       string
			filterPristine bool
		}{
			{name: "packed intermediate"},
			{name: "pristine reused", pristine: "foo_1.0.orig.tar.gz"},
			{name: "pristine filtered", pristine: "foo_1.0.orig.tar.gz", filterPristine: true},
		}
		for _, tt := range cases {
			t.Run(tt.name, func(t *testing.T) {
				root := makeTree(t, "checkout")
				src, err := upstream.New(root)
				require.NoError(t, err)
				scratchDir := t.TempDir()
				_, _, err = prepare.PrepareSources(ctx, src, prepare.Options{
					Name:               "foo",
					Version:            "1.0",
					PristineCommitName: tt.pristine,
					Filters:            []string{"[vendor"},
					FilterPristine:     tt.filterPristine,
					ScratchDir:         scratchDir,
				})
				require.ErrorIs(t, err, archive.ErrInvalidFilter)
				requireDirEntries(t, scratchDir)
				require.FileExists(t, filepath.Join(root, "vendor", "lib", "lib.go"))
				require.Equal(t, root, src.Unpacked())
			})
		}
	})

	t.Run("bad prefix template", func(t *testing.T) {
		src, err := upstream.New(archivePath)
		require.NoError(t, err)
		scratchDir := t.TempDir()
		_, _, err = prepare.PrepareSources(ctx, src, prepare.Options{
			Name:               "foo",
			Version:            "1.0",
			PristineCommitName: "foo_1.0.orig.tar.gz",
			Prefix:             swag.String("%(nope)s"),
			ScratchDir:         scratchDir,
		})
		require.ErrorIs(t, err, prepare.ErrPrefixTemplate)
		requireDirEntries(t, scratchDir)
	})
}
