package sync

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"
)

// Braces and backslashes have no special meaning in shell globs, but do in
// gobwas/glob.
var globEscaper = strings.NewReplacer(`\`, `\\`, `{`, `\{`, `}`, `\}`)

// Matcher tests relative paths against a set of exclusion patterns.
type Matcher struct {
	patterns []pattern

	// ignore holds the rules from the source root's ignore file, if any.
	ignore *ignore.GitIgnore
}

type pattern struct {
	// segment is matched against each path segment. It's the pattern with
	// any trailing `/*` or `/` removed, so that `build/*` excludes everything
	// beneath any directory named `build`.
	segment matcher

	// full is matched against the whole relative path.
	full matcher
}

type matcher interface {
	Match(string) bool
}

// literal is used for patterns that don't compile. They match only
// themselves.
type literal string

func (l literal) Match(s string) bool {
	return string(l) == s
}

func compile(p string) matcher {
	g, err := glob.Compile(globEscaper.Replace(p))
	if err != nil {
		return literal(p)
	}
	return g
}

// NewMatcher compiles the given exclusion patterns.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		m.patterns = append(m.patterns, pattern{
			segment: compile(stripWildcardSuffix(p)),
			full:    compile(filepath.ToSlash(p)),
		})
	}
	return m
}

// Matches returns whether `relativePath` is excluded by any of `patterns`.
func Matches(relativePath string, patterns []string) bool {
	return NewMatcher(patterns).Match(relativePath)
}

// Match returns whether any pattern matches one of the segments of
// `relativePath`, or `relativePath` as a whole.
func (m *Matcher) Match(relativePath string) bool {
	segments := splitPath(relativePath)
	full := filepath.ToSlash(relativePath)
	for _, p := range m.patterns {
		if matchesAny(p.segment, segments) || p.full.Match(full) {
			return true
		}
	}
	return m.ignore != nil && m.ignore.MatchesPath(full)
}

// ExcludesDir returns whether every file beneath the directory at
// `relativeDir` is excluded. This is the case when one of the directory's own
// segments matches a pattern, since that segment is part of the path of every
// file inside it.
func (m *Matcher) ExcludesDir(relativeDir string) bool {
	segments := splitPath(relativeDir)
	for _, p := range m.patterns {
		if matchesAny(p.segment, segments) {
			return true
		}
	}
	return m.ignore != nil && m.ignore.MatchesPath(filepath.ToSlash(relativeDir)+"/")
}

// IsTempFile returns whether the file name looks like an editor artifact.
// These files are never mirrored.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}

func matchesAny(m matcher, segments []string) bool {
	for _, segment := range segments {
		if m.Match(segment) {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	var segments []string
	for _, segment := range strings.Split(path, string(filepath.Separator)) {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

func stripWildcardSuffix(p string) string {
	for {
		switch {
		case strings.HasSuffix(p, "/*"):
			p = strings.TrimSuffix(p, "/*")
		case len(p) > 1 && strings.HasSuffix(p, "/"):
			p = strings.TrimSuffix(p, "/")
		default:
			return p
		}
	}
}
