package archive

import (
	"fmt"
	"path"
	"strings"
)

// Format is an archive container format.
type Format string

const (
	FormatUnknown Format = ""
	FormatTar     Format = "tar"
	FormatZip     Format = "zip"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatTar:
		return FormatTar, nil
	case FormatZip:
		return FormatZip, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

func (f Format) String() string {
	return string(f)
}

// Compression identifies how an archive file is compressed.  Zip is listed here as well: a zip
// file is its own compression, and comparing compressions of two archive files also compares
// their containers.
type Compression string

const (
	CompressionNone  Compression = ""
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXz    Compression = "xz"
	CompressionLzma  Compression = "lzma"
	CompressionZip   Compression = "zip"
)

type compressionInfo struct {
	ext     string
	aliases []string
}

var compressions = map[Compression]compressionInfo{
	CompressionGzip:  {ext: "gz", aliases: []string{"tgz"}},
	CompressionBzip2: {ext: "bz2", aliases: []string{"tbz2", "tbz"}},
	CompressionXz:    {ext: "xz", aliases: []string{"txz"}},
	CompressionLzma:  {ext: "lzma", aliases: []string{"tlz"}},
}

// ParseCompression accepts a compression name or one of its file extensions.
func ParseCompression(s string) (Compression, error) {
	s = strings.TrimPrefix(strings.ToLower(s), ".")
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zip":
		return CompressionZip, nil
	}
	for c, info := range compressions {
		if s == string(c) || s == info.ext {
			return c, nil
		}
	}
	return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, s)
}

func (c Compression) String() string {
	if c == CompressionNone {
		return "none"
	}
	return string(c)
}

// Extension returns the file name extension of the compressor, without a leading dot.
func (c Compression) Extension() string {
	return compressions[c].ext
}

// Program returns the name of the external program implementing c, empty when c does not
// compress a stream.
func (c Compression) Program() string {
	if _, ok := compressions[c]; ok {
		return string(c)
	}
	return ""
}

// Format returns the container used by archives compressed with c.
func (c Compression) Format() Format {
	if c == CompressionZip {
		return FormatZip
	}
	return FormatTar
}

// DefaultCompressorOptions returns the options needed for reproducible output of program.
func DefaultCompressorOptions(program string) []string {
	if program == string(CompressionGzip) {
		return []string{"-n"}
	}
	return nil
}

// ParseArchiveFilename splits an archive file name into its base name, container format and
// compression:
//
//	abc.tar.gz   -> abc, tar, gzip
//	abc.def.tbz2 -> abc.def, tar, bzip2
//	abc.zip      -> abc, zip, zip
//	abc.lzma     -> abc, "", lzma
//	abc.tar.foo  -> abc.tar.foo, "", none
func ParseArchiveFilename(filename string) (string, Format, Compression) {
	name := path.Base(filename)
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	switch ext {
	case "tar":
		return base, FormatTar, CompressionNone
	case "zip":
		return base, FormatZip, CompressionZip
	}
	for c, info := range compressions {
		for _, alias := range info.aliases {
			if ext == alias {
				return base, FormatTar, c
			}
		}
		if ext == info.ext {
			inner := path.Ext(base)
			if strings.ToLower(inner) == ".tar" {
				return strings.TrimSuffix(base, inner), FormatTar, c
			}
			return base, FormatUnknown, c
		}
	}
	return name, FormatUnknown, CompressionNone
}

// OrigTarballName returns the file name of an upstream tarball for a package version.
func OrigTarballName(pkg, version string, c Compression) string {
	name := fmt.Sprintf("%s_%s.orig.tar", pkg, version)
	if ext := c.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}

// SanitizePrefix normalizes prefix to have exactly one trailing slash and no leading slash; an
// empty prefix becomes the root "/".
func SanitizePrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return strings.Trim(prefix, "/") + "/"
}
