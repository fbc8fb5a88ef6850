package sync

import (
	"io"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// ChangeKind is the type of filesystem change that was observed.
type ChangeKind int

const (
	Created ChangeKind = iota
	Modified
	Removed
	Renamed
	Chmod
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	case Chmod:
		return "chmod"
	}
	return "unknown"
}

// Change is a single filesystem notification.
type Change struct {
	Kind ChangeKind
	Path string

	// IsDir is set by the watcher when it already knows that Path is a
	// directory. The Handler also checks the filesystem itself.
	IsDir bool
}

// Handler mirrors changed files for a single Target. It's safe for concurrent
// use, but a watch session calls it from a single goroutine so that copies
// happen in the order the changes were observed.
type Handler struct {
	target  Target
	matcher *Matcher
	sink    Sink
	clock   clockwork.Clock
}

// NewHandler returns a Handler bound to `target` that reports outcomes to
// `sink`.
func NewHandler(target Target, sink Sink, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		target:  target,
		matcher: target.Matcher(),
		sink:    sink,
		clock:   clock,
	}
}

// Target returns the target the handler is bound to.
func (h *Handler) Target() Target {
	return h.target
}

// Handle reacts to `change`. Only created and modified files are mirrored;
// everything else is ignored without producing an event. Errors never escape
// Handle: they're reported to the sink.
func (h *Handler) Handle(change Change) {
	if change.IsDir || (change.Kind != Created && change.Kind != Modified) {
		log.WithFields(log.Fields{
			"path": change.Path,
			"kind": change.Kind,
		}).Debug("Ignoring change")
		return
	}

	relPath, ok := h.target.RelativePath(change.Path)
	if !ok {
		log.WithField("path", change.Path).Debug("Ignoring change outside of source root")
		return
	}

	if IsTempFile(filepath.Base(relPath)) {
		h.emit(SeverityInfo, FileSkipped, change.Path, "", ReasonTempFile)
		return
	}

	if h.matcher.Match(relPath) {
		h.emit(SeverityInfo, FileSkipped, change.Path, "", ReasonExcluded)
		return
	}

	fi, err := fs.Stat(change.Path)
	switch {
	case os.IsNotExist(err):
		h.emit(SeverityWarning, FileSkipped, change.Path, "", ReasonVanished)
		return
	case err != nil:
		h.emit(SeverityError, CopyFailed, change.Path, "", errors.WithContext(err, "stat").Error())
		return
	case fi.IsDir():
		log.WithField("path", change.Path).Debug("Ignoring directory change")
		return
	}

	dst := h.target.DestinationPath(relPath)
	if err := copyFile(change.Path, dst); err != nil {
		if os.IsNotExist(errors.RootCause(err)) && !sourceExists(change.Path) {
			h.emit(SeverityWarning, FileSkipped, change.Path, "", ReasonVanished)
			return
		}
		h.emit(SeverityError, CopyFailed, change.Path, dst, err.Error())
		return
	}
	h.emit(SeverityInfo, FileCopied, change.Path, dst, "")
}

func (h *Handler) emit(severity Severity, kind EventKind, path, dst, reason string) {
	h.sink.Emit(Event{
		Time:        h.clock.Now(),
		Severity:    severity,
		Kind:        kind,
		Target:      h.target.SourceRoot,
		Path:        path,
		Destination: dst,
		Reason:      reason,
	})
}

func sourceExists(path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

// MakeParents creates every missing parent directory of `path`. Other
// sessions may be creating the same directories concurrently, so a directory
// that appears while we're creating it isn't an error.
func MakeParents(path string) error {
	parent := filepath.Dir(path)
	if err := fs.MkdirAll(parent, 0755); err != nil {
		if isDir, statErr := afero.DirExists(fs, parent); statErr == nil && isDir {
			return nil
		}
		return err
	}
	return nil
}

// copyFile copies the contents, permission bits and modification time of
// `src` to `dst`, overwriting `dst` if it exists.
func copyFile(src, dst string) error {
	if err := MakeParents(dst); err != nil {
		return errors.WithContext(err, "make parent")
	}

	srcFile, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer srcFile.Close()

	fileInfo, err := srcFile.Stat()
	if err != nil {
		return errors.WithContext(err, "stat")
	}

	dstFile, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileInfo.Mode().Perm())
	if err != nil {
		return errors.WithContext(err, "open destination")
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return errors.WithContext(err, "copy")
	}

	if err := dstFile.Close(); err != nil {
		return errors.WithContext(err, "close destination")
	}

	// Permission bits are best-effort: the destination may be on a
	// filesystem that doesn't support them.
	if err := fs.Chmod(dst, fileInfo.Mode().Perm()); err != nil {
		log.WithError(err).WithField("path", dst).Debug("Failed to set file mode")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if err := fs.Chtimes(dst, fileInfo.ModTime(), fileInfo.ModTime()); err != nil {
		return errors.WithContext(err, "set file modtime")
	}
	return nil
}
