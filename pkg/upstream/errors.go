package upstream

import "errors"

var (
	ErrNotArchive     = errors.New("source is not an archive")
	ErrNotUnpacked    = errors.New("source has no unpacked copy")
	ErrUnknownArchive = errors.New("unrecognized archive")
)
