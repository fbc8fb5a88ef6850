package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	goSync "sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/sync"
)

var fs = afero.NewOsFs()

// Watcher watches a directory tree recursively. fsnotify only watches single
// directories, so the Watcher adds every subdirectory when it starts, and
// follows directories that are created afterwards.
type Watcher struct {
	root    string
	matcher *sync.Matcher
	watcher *fsnotify.Watcher

	events  chan sync.Change
	closing chan struct{}
	done    chan struct{}

	closeOnce goSync.Once
	closeErr  error
}

// Watch starts watching the directory tree rooted at `root`. Directories that
// `matcher` excludes entirely aren't watched. A nil matcher watches
// everything.
func Watch(root string, matcher *sync.Matcher) (*Watcher, error) {
	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		return nil, errors.NotADirectory{Path: root}
	}

	if matcher == nil {
		matcher = sync.NewMatcher(nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := &Watcher{
		root:    root,
		matcher: matcher,
		watcher: watcher,
		events:  make(chan sync.Change),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	dirs, _, err := w.getPathsToWatch(root)
	if err != nil {
		if err := watcher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close file watcher")
		}
		return nil, errors.WithContext(err, "get paths")
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
		}
	}

	go w.run()
	return w, nil
}

// Events returns the channel that changes are delivered on. It's closed once
// the Watcher is closed.
func (w *Watcher) Events() <-chan sync.Change {
	return w.events
}

// Close stops the watcher and waits for its goroutine to exit. Changes that
// haven't been received yet are dropped. It's safe to call Close more than
// once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closing)
		w.closeErr = w.watcher.Close()
		<-w.done
	})
	return w.closeErr
}

func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.events)

	for {
		select {
		case <-w.closing:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.handleEvent(event) {
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).WithField("root", w.root).Warn("File watcher error")
		}
	}
}

// handleEvent translates `event` and delivers the resulting changes. It
// returns false if the watcher was closed in the meantime.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	change := toChange(event)
	if change.Kind != sync.Created {
		return w.send(change)
	}

	fi, err := fs.Stat(event.Name)
	if err != nil || !fi.IsDir() {
		return w.send(change)
	}

	change.IsDir = true
	if !w.send(change) {
		return false
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err == nil && w.matcher.ExcludesDir(rel) {
		return true
	}

	// Files may have been written into the new directory before we started
	// watching it, so report everything that's already there. The tree is
	// listed again after every round of new watches, until a listing finds
	// no unwatched directories.
	watched := map[string]bool{}
	var files []string
	for {
		dirs, found, err := w.getPathsToWatch(event.Name)
		if err != nil {
			log.WithError(err).WithField("path", event.Name).Warn(
				"Failed to list new directory")
		}
		files = found

		added := false
		for _, dir := range dirs {
			if watched[dir] {
				continue
			}
			watched[dir] = true
			added = true
			if err := w.watcher.Add(dir); err != nil {
				log.WithError(err).WithField("path", dir).Warn(
					"Failed to watch new directory")
			}
		}

		if !added {
			break
		}
	}

	for _, file := range files {
		if !w.send(sync.Change{Kind: sync.Created, Path: file}) {
			return false
		}
	}
	return true
}

func (w *Watcher) send(change sync.Change) bool {
	select {
	case w.events <- change:
		return true
	case <-w.closing:
		return false
	}
}

// getPathsToWatch walks `dir` and returns the directories to watch, and the
// files within them. Subtrees excluded by the matcher are skipped.
func (w *Watcher) getPathsToWatch(dir string) (dirs, files []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if !fi.IsDir() {
			files = append(files, path)
			return nil
		}

		relativePath, err := filepath.Rel(w.root, path)
		if err != nil {
			return errors.WithContext(err, "normalized path")
		}

		if relativePath != "." && w.matcher.ExcludesDir(relativePath) {
			return filepath.SkipDir
		}

		dirs = append(dirs, path)
		return nil
	})
	return dirs, files, err
}

func toChange(event fsnotify.Event) sync.Change {
	change := sync.Change{Path: event.Name}
	switch {
	case event.Has(fsnotify.Remove):
		change.Kind = sync.Removed
	case event.Has(fsnotify.Rename):
		change.Kind = sync.Renamed
	case event.Has(fsnotify.Create):
		change.Kind = sync.Created
	case event.Has(fsnotify.Write):
		change.Kind = sync.Modified
	default:
		change.Kind = sync.Chmod
	}
	return change
}
