package errors

import (
	"fmt"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// NotADirectory is returned when a path that must be a directory refers to
// something else.
type NotADirectory struct {
	Path string
}

func (err NotADirectory) Error() string {
	return fmt.Sprintf("%q is not a directory", err.Path)
}

// OverlappingRoots is returned when a source root and a destination root are
// the same directory or one contains the other. Mirroring such a pair would
// feed copies back into the watched tree.
type OverlappingRoots struct {
	Source, Destination string
}

func (err OverlappingRoots) Error() string {
	return fmt.Sprintf("source %q and destination %q overlap", err.Source, err.Destination)
}

// RelativePath is returned when a root that must be absolute isn't.
type RelativePath struct {
	Path string
}

func (err RelativePath) Error() string {
	return fmt.Sprintf("%q is not an absolute path", err.Path)
}
