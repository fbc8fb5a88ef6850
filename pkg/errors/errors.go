// Package errors contains the error helpers and typed errors shared by the
// rest of dirmirror.
package errors

import (
	"fmt"

	pkgErrors "github.com/pkg/errors"
)

// New returns an error with the given message.
func New(msg string) error {
	return pkgErrors.New(msg)
}

// Errorf formats an error message.
func Errorf(format string, args ...interface{}) error {
	return pkgErrors.Errorf(format, args...)
}

// WithContext annotates err with a short description of what was being
// attempted. The result prints as "context: err".
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return pkgErrors.WithMessage(err, context)
}

// RootCause unwraps every layer of context added by WithContext and returns
// the original error.
func RootCause(err error) error {
	return pkgErrors.Cause(err)
}

// FriendlyError is an error whose message is meant to be read by users
// directly, without the context chain that's normally attached to errors.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError with a formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}
