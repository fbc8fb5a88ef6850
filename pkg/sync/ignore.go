package sync

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// IgnoreFileName is the name of an optional file in a source root that lists
// additional exclusions in gitignore syntax. Since its name starts with a dot,
// the file itself is never mirrored.
const IgnoreFileName = ".dirmirrorignore"

// WithIgnoreFile returns a copy of the target whose matcher also applies the
// rules in the source root's ignore file. The file is read once, so later
// edits take effect the next time the target is started. A missing ignore
// file isn't an error.
func (t Target) WithIgnoreFile() (Target, error) {
	contents, err := afero.ReadFile(fs, filepath.Join(t.SourceRoot, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return Target{}, errors.WithContext(err, "read ignore file")
	}

	var lines []string
	for _, line := range strings.Split(string(contents), "\n") {
		lines = append(lines, strings.TrimSuffix(line, "\r"))
	}

	matcher := NewMatcher(t.ExcludePatterns)
	matcher.ignore = ignore.CompileIgnoreLines(lines...)
	t.matcher = matcher
	return t, nil
}
