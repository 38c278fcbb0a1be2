package prepare

import (
	"context"
	"os"

	"github.com/treeverse/srcprep/pkg/logging"
)

// scratch tracks the entries one preparation creates below the caller's scratch directory, so
// they can be removed when it fails.
type scratch struct {
	dir     string
	created []string
}

func (s *scratch) mkdirTemp(pattern string) (string, error) {
	dir, err := os.MkdirTemp(s.dir, pattern)
	if err != nil {
		return "", err
	}
	s.track(dir)
	return dir, nil
}

func (s *scratch) createTemp(pattern string) (string, error) {
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return "", err
	}
	s.track(f.Name())
	return f.Name(), f.Close()
}

func (s *scratch) track(p string) {
	s.created = append(s.created, p)
}

// remove deletes every tracked entry, newest first.
func (s *scratch) remove(ctx context.Context) {
	log := logging.FromContext(ctx)
	for i := len(s.created) - 1; i >= 0; i-- {
		if err := os.RemoveAll(s.created[i]); err != nil {
			log.WithError(err).WithField(logging.ScratchDirFieldKey, s.dir).Warnf("Failed to remove '%s'", s.created[i])
		}
	}
	s.created = nil
}
