package archive

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Filter excludes archive members matching any of its patterns.  Patterns follow tar's exclude
// semantics: they are not anchored, '*' also matches '/', and a pattern matching a leading
// directory excludes everything below it.
type Filter struct {
	patterns []string
	globs    []glob.Glob
}

// NewFilter compiles patterns.  It returns nil for an empty pattern list; a nil Filter excludes
// nothing.
func NewFilter(patterns []string) (*Filter, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	f := &Filter{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(strings.TrimRight(p, "/"))
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrInvalidFilter, p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

func (f *Filter) Patterns() []string {
	if f == nil {
		return nil
	}
	return f.patterns
}

// Excluded reports whether the slash separated member name is filtered out.
func (f *Filter) Excluded(name string) bool {
	if f == nil {
		return false
	}
	name = strings.Trim(strings.TrimPrefix(name, "./"), "/")
	if name == "" {
		return false
	}
	components := strings.Split(name, "/")
	for i := range components {
		for j := i + 1; j <= len(components); j++ {
			candidate := strings.Join(components[i:j], "/")
			for _, g := range f.globs {
				if g.Match(candidate) {
					return true
				}
			}
		}
	}
	return false
}
