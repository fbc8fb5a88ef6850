package sync

import (
	"path/filepath"
	"strings"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// Target is a configured mirroring unit. Files changed under SourceRoot are
// copied to the same relative path under DestinationRoot, unless they match
// one of the ExcludePatterns.
//
// Targets are values. Construct them with NewTarget so that the roots are
// cleaned and validated.
type Target struct {
	SourceRoot      string
	DestinationRoot string
	ExcludePatterns []string

	matcher *Matcher
}

// NewTarget validates and cleans the given roots. Both roots must be absolute,
// and neither may contain the other. The source root isn't required to exist:
// that's checked when watching starts.
func NewTarget(source, destination string, excludePatterns []string) (Target, error) {
	if source == "" {
		return Target{}, errors.MissingFieldError{Field: "source"}
	}
	if destination == "" {
		return Target{}, errors.MissingFieldError{Field: "destination"}
	}

	for _, root := range []string{source, destination} {
		if !filepath.IsAbs(root) {
			return Target{}, errors.RelativePath{Path: root}
		}
	}

	source = filepath.Clean(source)
	destination = filepath.Clean(destination)
	if contains(source, destination) || contains(destination, source) {
		return Target{}, errors.OverlappingRoots{Source: source, Destination: destination}
	}

	patterns := append([]string{}, excludePatterns...)
	return Target{
		SourceRoot:      source,
		DestinationRoot: destination,
		ExcludePatterns: patterns,
		matcher:         NewMatcher(patterns),
	}, nil
}

// Matcher returns the compiled exclusion patterns of the target.
func (t Target) Matcher() *Matcher {
	if t.matcher == nil {
		return NewMatcher(t.ExcludePatterns)
	}
	return t.matcher
}

// RelativePath returns the path of `path` relative to the source root, and
// false if `path` isn't inside the source root.
func (t Target) RelativePath(path string) (string, bool) {
	rel, err := filepath.Rel(t.SourceRoot, path)
	if err != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// DestinationPath returns where the file at `relativePath` is mirrored to.
func (t Target) DestinationPath(relativePath string) string {
	return filepath.Join(t.DestinationRoot, relativePath)
}

func (t Target) String() string {
	return t.SourceRoot + " -> " + t.DestinationRoot
}

// contains returns whether `child` is `parent` or lies beneath it. Both paths
// must be clean.
func contains(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
