package prepare

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-openapi/swag"
	"github.com/treeverse/srcprep/pkg/archive"
	"github.com/treeverse/srcprep/pkg/fileutil"
	"github.com/treeverse/srcprep/pkg/logging"
	"github.com/treeverse/srcprep/pkg/upstream"
)

// PristineOptions describes the pristine archive to produce.
type PristineOptions struct {
	Name    string
	Version string
	// CommitName is the file name of the pristine archive; its suffix selects the compression.
	CommitName string
	Filters    []string
	// Prefix is the leading directory of the pristine archive.  Nil keeps the prefix of an
	// archive and guesses "<name>-<version>" for a directory.
	Prefix     *string
	ScratchDir string
}

// PreparePristine returns the pristine archive for src, created as CommitName in ScratchDir.  An
// archive that needs no filtering, prefix or compression change is linked, not rewritten, so its
// bytes stay identical to upstream.
func PreparePristine(ctx context.Context, src *upstream.Source, opts PristineOptions) (_ *upstream.Source, retErr error) {
	sc := &scratch{dir: opts.ScratchDir}
	unpacked := src.Unpacked()
	defer func() {
		if retErr != nil {
			sc.remove(ctx)
			src.ResetUnpacked(unpacked)
		}
	}()
	return preparePristine(ctx, sc, src, opts)
}

func preparePristine(ctx context.Context, sc *scratch, src *upstream.Source, opts PristineOptions) (*upstream.Source, error) {
	log := logging.FromContext(ctx).WithField(logging.SourceFieldKey, src.Path())
	pristinePath := filepath.Join(opts.ScratchDir, opts.CommitName)
	exists, err := fileutil.Exists(pristinePath)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", pristinePath, ErrOutputExists)
	}

	prefix := opts.Prefix
	needRepack := false
	if src.IsDir() {
		if prefix == nil {
			prefix = swag.String(opts.Name + "-" + opts.Version)
			log.Infof("Using guessed prefix '%s/' for pristine archive", *prefix)
		}
		needRepack = true
	} else {
		if prefix != nil && upstream.NormalizePrefix(*prefix) == upstream.NormalizePrefix(src.Prefix()) {
			prefix = nil
		}
		_, _, compression := archive.ParseArchiveFilename(opts.CommitName)
		if len(opts.Filters) > 0 || prefix != nil || src.Compression() != compression {
			if src.Unpacked() == "" {
				dir, err := sc.mkdirTemp("pristine_unpack_")
				if err != nil {
					return nil, err
				}
				if _, err := src.Unpack(ctx, dir, nil); err != nil {
					return nil, err
				}
			}
			needRepack = true
		}
	}

	if needRepack {
		log.WithField(logging.OutputFieldKey, pristinePath).
			Debugf("Packing '%s' for pristine archive with prefix '%s'", src.Unpacked(), swag.StringValue(prefix))
		sc.track(pristinePath)
		return src.Pack(ctx, pristinePath, opts.Filters, prefix)
	}

	// only the name changes: link to the original archive
	target, err := filepath.Abs(src.Path())
	if err != nil {
		return nil, err
	}
	if err := os.Symlink(target, pristinePath); err != nil {
		return nil, err
	}
	sc.track(pristinePath)
	return upstream.New(pristinePath)
}

// Options describes how upstream sources are prepared for import.
type Options struct {
	Name    string
	Version string
	// PristineCommitName is the file name of the pristine archive, empty for no pristine archive.
	PristineCommitName string
	// Filters exclude paths from the imported tree.
	Filters []string
	// FilterPristine applies Filters to the pristine archive too.
	FilterPristine bool
	// Prefix is a template for the pristine archive prefix (see ExpandPrefix).  Nil keeps the
	// prefix, AutoPrefix keeps it for archives and guesses it for directories.
	Prefix     *string
	ScratchDir string
}

// PrepareSources unpacks, filters and repacks src as needed.  It returns the directory holding
// the tree to import and the path of the pristine archive, empty when none was requested.
// Entries it created in ScratchDir are removed when it fails.
func PrepareSources(ctx context.Context, src *upstream.Source, opts Options) (importDir, pristinePath string, retErr error) {
	ctx = logging.AddFields(ctx, logging.Fields{
		logging.SourceFieldKey:     src.Path(),
		logging.ScratchDirFieldKey: opts.ScratchDir,
	})
	log := logging.FromContext(ctx)
	sc := &scratch{dir: opts.ScratchDir}
	// an unpack into the scratch directory must not outlive its removal
	unpacked := src.Unpacked()
	defer func() {
		if retErr != nil {
			sc.remove(ctx)
			src.ResetUnpacked(unpacked)
		}
	}()

	var pristineFilters []string
	if len(opts.Filters) > 0 && opts.FilterPristine {
		pristineFilters = opts.Filters
	}
	var pristinePrefix *string
	if opts.Prefix != nil && *opts.Prefix != AutoPrefix {
		p, err := ExpandPrefix(*opts.Prefix, opts.Name, opts.Version)
		if err != nil {
			return "", "", err
		}
		pristinePrefix = &p
	}
	pristineOpts := PristineOptions{
		Name:       opts.Name,
		Version:    opts.Version,
		CommitName: opts.PristineCommitName,
		Filters:    pristineFilters,
		Prefix:     pristinePrefix,
		ScratchDir: opts.ScratchDir,
	}

	var (
		pristine *upstream.Source
		filtered *upstream.Source
		err      error
	)
	if src.IsDir() {
		if opts.PristineCommitName != "" {
			log.Warn("Preparing unpacked sources for pristine archive")
			if pristine, err = preparePristine(ctx, sc, src, pristineOpts); err != nil {
				return "", "", err
			}
		}
		if len(opts.Filters) == 0 {
			return src.Path(), pristineSourcePath(pristine), nil
		}
		if filtered, err = filterDirectory(ctx, sc, src, pristine, opts.Filters); err != nil {
			return "", "", err
		}
	} else {
		dir, err := sc.mkdirTemp("filtered_")
		if err != nil {
			return "", "", err
		}
		log.Debugf("Unpacking to '%s'", dir)
		if filtered, err = src.Unpack(ctx, dir, opts.Filters); err != nil {
			return "", "", err
		}
		if opts.PristineCommitName != "" {
			if pristine, err = preparePristine(ctx, sc, src, pristineOpts); err != nil {
				return "", "", err
			}
		}
	}
	return filtered.Path(), pristineSourcePath(pristine), nil
}

// filterDirectory produces a filtered copy of the directory src.  The pristine archive, whose
// filters are a subset of filters, is reused as the source when it exists.
func filterDirectory(ctx context.Context, sc *scratch, src, pristine *upstream.Source, filters []string) (*upstream.Source, error) {
	packed := pristine
	if packed == nil {
		packedPath, err := sc.createTemp("packed_*.tar")
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = os.Remove(packedPath)
		}()
		logging.FromContext(ctx).Debugf("Packing to '%s'", packedPath)
		if packed, err = src.Pack(ctx, packedPath, nil, nil); err != nil {
			return nil, err
		}
	}
	dir, err := sc.mkdirTemp("filtered_")
	if err != nil {
		return nil, err
	}
	return packed.Unpack(ctx, dir, filters)
}

func pristineSourcePath(pristine *upstream.Source) string {
	if pristine == nil {
		return ""
	}
	return pristine.Path()
}
