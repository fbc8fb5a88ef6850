package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// Mocked out for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// HandleFatalError prints the error and exits. Errors that implement
// FriendlyError are printed without their context, since they're meant to be
// read by users directly.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")

	if friendly, ok := errors.RootCause(err).(errors.FriendlyError); ok {
		fmt.Fprintln(stderr, friendly.FriendlyMessage())
	} else {
		fmt.Fprintf(stderr, "Error: %s\n", err)
	}
	exit(1)
}

// HandlePanic logs the stack trace of a panic before crashing. It should be
// deferred at the start of every goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		panic(r)
	}
}
