package assemble

import "errors"

var (
	ErrOutputExists           = errors.New("output already exists")
	ErrSubmoduleNotCheckedOut = errors.New("submodule not checked out")
)
