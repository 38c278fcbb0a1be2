package prepare

import "errors"

var (
	ErrOutputExists   = errors.New("output already exists")
	ErrPrefixTemplate = errors.New("invalid prefix template")
)
