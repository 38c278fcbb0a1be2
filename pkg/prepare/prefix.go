package prepare

import (
	"fmt"
	"regexp"
	"strings"
)

// AutoPrefix lets PrepareSources pick the prefix: guessed for directories, kept for archives.
const AutoPrefix = "auto"

var prefixKeyRegexp = regexp.MustCompile(`%\(([^)]*)\)s|%%`)

// ExpandPrefix substitutes %(name)s, %(version)s and %(upstreamversion)s in template.  %% stands
// for a literal percent sign.
func ExpandPrefix(template, name, version string) (string, error) {
	values := map[string]string{
		"name":            name,
		"version":         version,
		"upstreamversion": version,
	}
	var unknown []string
	expanded := prefixKeyRegexp.ReplaceAllStringFunc(template, func(token string) string {
		if token == "%%" {
			return "%"
		}
		key := prefixKeyRegexp.FindStringSubmatch(token)[1]
		v, ok := values[key]
		if !ok {
			unknown = append(unknown, key)
		}
		return v
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("%w: %q: unknown key(s) %s", ErrPrefixTemplate, template, strings.Join(unknown, ", "))
	}
	return expanded, nil
}
