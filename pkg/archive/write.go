package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

// WriteOptions controls packing a directory into an archive.
type WriteOptions struct {
	// Prefix is the leading directory of every member.  Empty stores members relative to the
	// archive root.
	Prefix string
	// Filter excludes matching paths, relative to the packed directory.
	Filter *Filter
}

// entry is one file system object to pack, in walk order.
type entry struct {
	name string // member name including the prefix
	path string
	info fs.FileInfo
	link string
}

// walkEntries lists root in lexical order.  Members carry second resolution modification times
// only, so packing the same tree twice produces the same bytes.
func walkEntries(root string, opts WriteOptions) ([]entry, error) {
	prefix := ""
	if p := SanitizePrefix(opts.Prefix); p != "/" {
		prefix = p
	}
	var entries []entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			if prefix == "" {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			entries = append(entries, entry{name: prefix, path: p, info: info})
			return nil
		}
		if opts.Filter.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := entry{name: path.Join(prefix, rel), path: p, info: info}
		switch {
		case info.IsDir():
			e.name += "/"
		case info.Mode()&fs.ModeSymlink != 0:
			if e.link, err = os.Readlink(p); err != nil {
				return err
			}
		case !info.Mode().IsRegular():
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// WriteTar packs the directory root as an uncompressed tar stream into w.
func WriteTar(w io.Writer, root string, opts WriteOptions) error {
	entries, err := walkEntries(root, opts)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(w)
	for _, e := range entries {
		if err := writeTarEntry(tw, e); err != nil {
			return fmt.Errorf("pack %s: %w", e.path, err)
		}
	}
	return tw.Close()
}

func writeTarEntry(tw *tar.Writer, e entry) error {
	hdr, err := tar.FileInfoHeader(e.info, e.link)
	if err != nil {
		return err
	}
	hdr.Name = e.name
	hdr.ModTime = e.info.ModTime().Truncate(time.Second)
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}
	return copyFileTo(tw, e.path)
}

// WriteZip packs the directory root as a zip archive into w.
func WriteZip(w io.Writer, root string, opts WriteOptions) error {
	entries, err := walkEntries(root, opts)
	if err != nil {
		return err
	}
	zw := newZipWriter(w)
	for _, e := range entries {
		if err := writeZipEntry(zw, e); err != nil {
			return fmt.Errorf("pack %s: %w", e.path, err)
		}
	}
	return zw.Close()
}

func writeZipEntry(zw *zip.Writer, e entry) error {
	hdr, err := zip.FileInfoHeader(e.info)
	if err != nil {
		return err
	}
	hdr.Name = e.name
	hdr.Modified = e.info.ModTime().Truncate(time.Second)
	switch {
	case e.info.IsDir():
		hdr.Method = zip.Store
	case e.link != "":
		hdr.Method = zip.Store
	default:
		hdr.Method = zip.Deflate
	}
	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	switch {
	case e.info.IsDir():
		return nil
	case e.link != "":
		_, err = io.WriteString(fw, e.link)
		return err
	default:
		return copyFileTo(fw, e.path)
	}
}

func copyFileTo(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	if errors.Is(err, tar.ErrWriteTooLong) {
		return fmt.Errorf("%s changed while packing: %w", p, err)
	}
	return err
}
