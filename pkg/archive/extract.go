package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treeverse/srcprep/pkg/fileutil"
	"golang.org/x/exp/slices"
)

// ExtractOptions controls archive extraction.
type ExtractOptions struct {
	// Filter excludes matching members.  Nil extracts everything.
	Filter *Filter
}

type dirTimes struct {
	path    string
	mode    fs.FileMode
	modTime time.Time
}

// extractor writes archive members below dir, refusing any member (or link) whose path leaves
// it.  Directory modes and times are applied last, once their content is in place.
type extractor struct {
	dir  string
	opts ExtractOptions
	dirs []dirTimes
}

func newExtractor(dir string, opts ExtractOptions) (*extractor, error) {
	if err := os.MkdirAll(dir, fileutil.DefaultDirectoryMask); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &extractor{dir: abs, opts: opts}, nil
}

// target returns the destination of member name, or "" when the member is skipped.
func (e *extractor) target(name string) (string, error) {
	clean := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+name)), "/")
	if clean == "" {
		return "", nil
	}
	if e.opts.Filter.Excluded(clean) {
		return "", nil
	}
	p := filepath.Join(e.dir, filepath.FromSlash(clean))
	parent, err := e.resolveParent(p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return filepath.Join(parent, filepath.Base(p)), nil
}

// resolveParent creates the parent of p and verifies it does not reach outside the destination
// through a previously extracted symlink.
func (e *extractor) resolveParent(p string) (string, error) {
	parent := filepath.Dir(p)
	if err := os.MkdirAll(parent, fileutil.DefaultDirectoryMask); err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", err
	}
	if !e.inside(resolved) {
		return "", ErrUnsafePath
	}
	return resolved, nil
}

func (e *extractor) inside(p string) bool {
	rel, err := filepath.Rel(e.dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *extractor) mkdir(p string, mode fs.FileMode, modTime time.Time) error {
	if err := os.MkdirAll(p, fileutil.DefaultDirectoryMask); err != nil {
		return err
	}
	e.dirs = append(e.dirs, dirTimes{path: p, mode: mode.Perm(), modTime: modTime})
	return nil
}

func (e *extractor) writeFile(p string, r io.Reader, mode fs.FileMode, modTime time.Time) error {
	if err := removeExisting(p); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(p, mode.Perm()); err != nil {
		return err
	}
	return os.Chtimes(p, modTime, modTime)
}

func (e *extractor) symlink(p, linkname string) error {
	if err := removeExisting(p); err != nil {
		return err
	}
	return os.Symlink(linkname, p)
}

func (e *extractor) hardlink(p, linkname string) error {
	clean := strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+linkname)), "/")
	if e.opts.Filter.Excluded(clean) {
		return nil
	}
	src := filepath.Join(e.dir, filepath.FromSlash(clean))
	if !e.inside(src) {
		return fmt.Errorf("%s: %w", linkname, ErrUnsafePath)
	}
	if err := removeExisting(p); err != nil {
		return err
	}
	return os.Link(src, p)
}

// finish applies directory modes and times, deepest first.
func (e *extractor) finish() error {
	slices.SortStableFunc(e.dirs, func(a, b dirTimes) int {
		return strings.Compare(b.path, a.path)
	})
	for _, d := range e.dirs {
		if err := os.Chmod(d.path, d.mode|0o700); err != nil {
			return err
		}
		if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			return err
		}
	}
	return nil
}

func removeExisting(p string) error {
	fi, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s: %w", p, fs.ErrExist)
	}
	return os.Remove(p)
}

// ExtractTar extracts the uncompressed tar stream r below dir.  It stops at the end-of-archive
// marker and does not consume trailing padding.
func ExtractTar(r io.Reader, dir string, opts ExtractOptions) error {
	e, err := newExtractor(dir, opts)
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		// member paths are confined by target below
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return err
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		p, err := e.target(hdr.Name)
		if err != nil {
			return err
		}
		if p == "" {
			continue
		}
		mode := hdr.FileInfo().Mode()
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = e.mkdir(p, mode, hdr.ModTime)
		case tar.TypeReg:
			err = e.writeFile(p, tr, mode, hdr.ModTime)
		case tar.TypeSymlink:
			err = e.symlink(p, hdr.Linkname)
		case tar.TypeLink:
			err = e.hardlink(p, hdr.Linkname)
		default:
			// devices and fifos are never part of a source tree
			continue
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
	}
	return e.finish()
}

// ExtractZip extracts the zip archive at path below dir.
func ExtractZip(path, dir string, opts ExtractOptions) error {
	zr, err := zip.OpenReader(path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return err
	}
	defer zr.Close()
	registerZipDecompressor(&zr.Reader)

	e, err := newExtractor(dir, opts)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		p, err := e.target(f.Name)
		if err != nil {
			return err
		}
		if p == "" {
			continue
		}
		if err := e.extractZipFile(f, p); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return e.finish()
}

func (e *extractor) extractZipFile(f *zip.File, p string) error {
	mode := f.Mode()
	if strings.HasSuffix(f.Name, "/") || mode.IsDir() {
		return e.mkdir(p, mode, f.Modified)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if mode&fs.ModeSymlink != 0 {
		target, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		return e.symlink(p, string(target))
	}
	if mode.Perm() == 0 {
		mode |= fileutil.DefaultFileMask
	}
	return e.writeFile(p, rc, mode, f.Modified)
}
