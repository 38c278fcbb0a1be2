package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is a scratch directory owned by a single operation.  Close removes it together with
// everything created inside; it is safe to call more than once.
type Workspace struct {
	dir string
}

// NewWorkspace creates a fresh directory under root (os.TempDir() when empty) whose name starts
// with pattern.
func NewWorkspace(root, pattern string) (*Workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, DefaultDirectoryMask); err != nil {
			return nil, fmt.Errorf("temporary root %s: %w", root, err)
		}
	}
	dir, err := os.MkdirTemp(root, pattern)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins elem under the workspace directory.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.dir}, elem...)...)
}

func (w *Workspace) Close() error {
	if w.dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.dir, err)
	}
	w.dir = ""
	return nil
}
