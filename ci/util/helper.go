package util

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// TestHelper contains methods commonly used during integration tests.
type TestHelper struct {
	Binary       string
	Root         string
	RegistryPath string
	LogPath      string
}

// NewTestHelper creates a new TestHelper with its own registry and log file
// inside a fresh temporary directory.
func NewTestHelper(binary string) (*TestHelper, error) {
	root, err := ioutil.TempDir("", "dirmirror-ci")
	if err != nil {
		return nil, errors.WithContext(err, "make root dir")
	}

	return &TestHelper{
		Binary:       binary,
		Root:         root,
		RegistryPath: filepath.Join(root, "registry.yaml"),
		LogPath:      filepath.Join(root, "dirmirror.log"),
	}, nil
}

// Cleanup removes the helper's temporary directory.
func (helper *TestHelper) Cleanup() error {
	return os.RemoveAll(helper.Root)
}

// Run runs the given dirmirror command against the helper's registry, and
// returns its stdout.
func (helper *TestHelper) Run(ctx context.Context, command ...string) ([]byte, error) {
	args := append(command, "--config", helper.RegistryPath)
	cmd := exec.CommandContext(ctx, helper.Binary, args...)

	stderr := bytes.NewBuffer(nil)
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s (stderr: %s)", err, stderr)
	}
	return out, nil
}

// Watcher is a running `dirmirror watch` process.
type Watcher struct {
	cmd     *exec.Cmd
	waitErr chan error
}

// Watch starts `dirmirror watch`, and waits until it has logged
// `expWatching` sessions starting.
func (helper *TestHelper) Watch(ctx context.Context, expWatching int) (*Watcher, error) {
	log.Info("Starting dirmirror watch")
	cmd := exec.Command(helper.Binary, "watch",
		"--config", helper.RegistryPath,
		"--log-file", helper.LogPath)

	stderr := bytes.NewBuffer(nil)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.WithContext(err, "start")
	}

	w := &Watcher{cmd: cmd, waitErr: make(chan error, 1)}
	go func() {
		w.waitErr <- cmd.Wait()
		close(w.waitErr)
	}()

	err := helper.WaitForLog(ctx, "Watching for changes", expWatching)
	if err != nil {
		w.Stop()
		return nil, errors.WithContext(err, fmt.Sprintf("wait for watch (stderr: %s)", stderr))
	}
	return w, nil
}

// Reload sends SIGHUP to the watch process.
func (w *Watcher) Reload() error {
	return w.cmd.Process.Signal(syscall.SIGHUP)
}

// Stop sends SIGTERM to the watch process, and waits for it to exit.
func (w *Watcher) Stop() error {
	select {
	case err := <-w.waitErr:
		return fmt.Errorf("crashed: %v", err)
	default:
	}

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.WithContext(err, "kill")
	}
	return <-w.waitErr
}

// WaitForLog blocks until `msg` appears at least `count` times in the log
// file.
func (helper *TestHelper) WaitForLog(ctx context.Context, msg string, count int) error {
	found := TestWithRetry(ctx, func() bool {
		logs, err := ioutil.ReadFile(helper.LogPath)
		if err != nil {
			return false
		}
		return bytes.Count(logs, []byte(msg)) >= count
	})
	if !found {
		return fmt.Errorf("timed out waiting for %q", msg)
	}
	return nil
}

// TestWithRetry runs `test` with exponential backoff until it succeeds, or
// the context is cancelled.
func TestWithRetry(ctx context.Context, test func() bool) bool {
	maxSleepTime := 2 * time.Second
	sleepTime := 10 * time.Millisecond
	for {
		if test() {
			return true
		}

		select {
		case <-ctx.Done():
			return test()
		case <-time.After(sleepTime):
			sleepTime *= 2
			if sleepTime > maxSleepTime {
				sleepTime = maxSleepTime
			}
		}
	}
}
