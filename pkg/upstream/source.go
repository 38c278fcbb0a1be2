package upstream

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/logging"
)

// Kind tells the variants of a Source apart.
type Kind int

const (
	KindDirectory Kind = iota
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindArchive:
		return "archive"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Source is upstream source material: either an unpacked directory or a single archive file.
// Format and Compression are set for archives only.
type Source struct {
	path        string
	kind        Kind
	format      archive.Format
	compression archive.Compression
	prefix      string
	unpacked    string
}

// New inspects path, following symlinks.  Archives are recognized by their file name, or by
// their content when the name carries no usable suffix.
func New(path string) (*Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return newDirectory(path), nil
	}
	s := &Source{path: path, kind: KindArchive}
	_, s.format, s.compression = archive.ParseArchiveFilename(path)
	if s.format == archive.FormatUnknown {
		if err := s.sniff(); err != nil {
			return nil, err
		}
	}
	members, err := s.members()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.prefix = commonTopLevel(members)
	return s, nil
}

func newDirectory(path string) *Source {
	return &Source{
		path:     path,
		kind:     KindDirectory,
		prefix:   filepath.Base(filepath.Clean(path)),
		unpacked: path,
	}
}

func (s *Source) sniff() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	header := make([]byte, archive.SniffLen)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	format, compression := archive.Sniff(header[:n])
	switch {
	case format != archive.FormatUnknown:
		s.format, s.compression = format, compression
	case s.compression != archive.CompressionNone:
		s.format = s.compression.Format()
	default:
		return fmt.Errorf("%s: %w", s.path, ErrUnknownArchive)
	}
	return nil
}

func (s *Source) IsDir() bool {
	return s.kind == KindDirectory
}

func (s *Source) Path() string {
	return s.path
}

func (s *Source) Kind() Kind {
	return s.kind
}

func (s *Source) Format() archive.Format {
	return s.format
}

func (s *Source) Compression() archive.Compression {
	return s.compression
}

// Prefix returns the leading directory shared by all content, without slashes.  Empty when an
// archive has no single top level directory.
func (s *Source) Prefix() string {
	return s.prefix
}

// Unpacked returns the path of an unfiltered unpacked copy, or empty if there is none.
func (s *Source) Unpacked() string {
	return s.unpacked
}

// ResetUnpacked records dir as the unpacked copy of an archive, empty to forget it.  A directory
// is its own unpacked copy and is left as is.
func (s *Source) ResetUnpacked(dir string) {
	if s.kind == KindArchive {
		s.unpacked = dir
	}
}

func (s *Source) String() string {
	return fmt.Sprintf("%s %s", s.kind, s.path)
}

// members lists member names of the archive, directories with a trailing slash.
func (s *Source) members() ([]string, error) {
	if s.format == archive.FormatZip {
		zr, err := zip.OpenReader(s.path)
		if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
			return nil, err
		}
		defer zr.Close()
		names := make([]string, 0, len(zr.File))
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		return names, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := archive.NewReader(f, s.compression)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader:
			continue
		case tar.TypeDir:
			names = append(names, strings.TrimSuffix(hdr.Name, "/")+"/")
		default:
			names = append(names, hdr.Name)
		}
	}
}

// commonTopLevel returns the directory holding every member, or empty when members live
// directly at the archive root or below different directories.
func commonTopLevel(names []string) string {
	prefix := ""
	for _, name := range names {
		clean := strings.TrimPrefix(name, "./")
		if strings.Trim(clean, "/") == "" {
			continue
		}
		first, _, nested := strings.Cut(strings.TrimLeft(clean, "/"), "/")
		if !nested {
			// a file at the archive root
			return ""
		}
		if prefix == "" {
			prefix = first
		} else if first != prefix {
			return ""
		}
	}
	return prefix
}

// NormalizePrefix returns prefix the way Pack stores it: without leading or trailing slashes
// and dots.
func NormalizePrefix(prefix string) string {
	return strings.Trim(prefix, "/.")
}

// Unpack extracts the archive into dir, skipping members matching filters, and returns the
// extracted tree: the single top level directory of the archive, or dir itself.  An unfiltered
// unpack is remembered as the unpacked copy of s.
func (s *Source) Unpack(ctx context.Context, dir string, filters []string) (*Source, error) {
	if s.kind != KindArchive {
		return nil, fmt.Errorf("unpack %s: %w", s.path, ErrNotArchive)
	}
	filter, err := archive.NewFilter(filters)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).
		WithFields(logging.Fields{logging.SourceFieldKey: s.path, logging.OutputFieldKey: dir}).
		Debug("Unpacking upstream source")

	opts := archive.ExtractOptions{Filter: filter}
	if s.format == archive.FormatZip {
		err = archive.ExtractZip(s.path, dir, opts)
	} else {
		err = s.extractTar(dir, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", s.path, err)
	}

	top, err := unpackedTopLevel(dir)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		s.unpacked = top
	}
	return newDirectory(top), nil
}

func (s *Source) extractTar(dir string, opts archive.ExtractOptions) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := archive.NewReader(f, s.compression)
	if err != nil {
		return err
	}
	defer r.Close()
	return archive.ExtractTar(r, dir, opts)
}

func unpackedTopLevel(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// Pack writes the unpacked copy of s to the archive path, skipping paths matching filters.  The
// container and compression follow the suffix of path.  A nil prefix keeps the name of the
// unpacked directory as the leading directory; an empty one stores content at the archive root.
func (s *Source) Pack(ctx context.Context, path string, filters []string, prefix *string) (_ *Source, retErr error) {
	if s.unpacked == "" {
		return nil, fmt.Errorf("pack %s: %w", s.path, ErrNotUnpacked)
	}
	_, format, compression := archive.ParseArchiveFilename(path)
	if format == archive.FormatUnknown {
		if compression == archive.CompressionNone {
			return nil, fmt.Errorf("pack %s: %w", path, archive.ErrUnknownFormat)
		}
		format = compression.Format()
	}
	filter, err := archive.NewFilter(filters)
	if err != nil {
		return nil, err
	}
	leading := filepath.Base(filepath.Clean(s.unpacked))
	if prefix != nil {
		leading = NormalizePrefix(*prefix)
	}
	logging.FromContext(ctx).
		WithFields(logging.Fields{logging.SourceFieldKey: s.unpacked, logging.OutputFieldKey: path}).
		Debugf("Packing upstream source with prefix '%s/'", leading)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = err
		}
		if retErr != nil {
			_ = os.Remove(path)
		}
	}()

	opts := archive.WriteOptions{Prefix: leading, Filter: filter}
	if format == archive.FormatZip {
		err = archive.WriteZip(f, s.unpacked, opts)
	} else {
		err = writeCompressedTar(ctx, f, compression, s.unpacked, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", path, err)
	}

	packed := &Source{
		path:        path,
		kind:        KindArchive,
		format:      format,
		compression: compression,
		prefix:      strings.SplitN(leading, "/", 2)[0],
	}
	if filter == nil {
		packed.unpacked = s.unpacked
	}
	return packed, nil
}

func writeCompressedTar(ctx context.Context, w io.Writer, compression archive.Compression, root string, opts archive.WriteOptions) error {
	cw, err := archive.NewWriter(ctx, w, compression, 0)
	if err != nil {
		return err
	}
	if err := archive.WriteTar(cw, root, opts); err != nil {
		_ = cw.Close()
		return err
	}
	return cw.Close()
}
