package archive

import "errors"

var (
	ErrUnknownFormat      = errors.New("unknown archive format")
	ErrUnknownCompression = errors.New("unknown compression")
	ErrUnsafePath         = errors.New("archive member escapes destination")
	ErrInvalidFilter      = errors.New("invalid filter pattern")
)
