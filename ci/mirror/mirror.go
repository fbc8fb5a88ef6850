package mirror

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirmirror/ci/util"
)

const syncTimeout = 30 * time.Second

// TestFileChange checks that changes within a single target are mirrored.
func TestFileChange(t *testing.T, helper *util.TestHelper) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	refFile := randomFile("test-file")
	changedContents := refFile.WithContents("changed contents")
	changedFileMode := refFile.WithMode(os.FileMode(0600))
	changedModTime := refFile.WithModTime(refFile.modTime.Add(1 * time.Minute))
	nestedFile := randomFile("a/b/c/nested")
	excludedFile := randomFile("build/output.log")

	tests := []struct {
		name   string
		change fsOp
		checks []mirrorAssertion
	}{
		{
			name:   "ChangeContents",
			change: createFile(changedContents),
			checks: []mirrorAssertion{shouldExist(changedContents)},
		},
		{
			name:   "ChangeMode",
			change: createFile(changedFileMode),
			checks: []mirrorAssertion{shouldExist(changedFileMode)},
		},
		{
			name:   "ChangeModTime",
			change: createFile(changedModTime),
			checks: []mirrorAssertion{shouldExist(changedModTime)},
		},
		{
			name:   "NewDirectory",
			change: createFile(nestedFile),
			checks: []mirrorAssertion{shouldExist(nestedFile)},
		},
		{
			// The mirror only copies files. Removals aren't propagated.
			name:   "RemoveFile",
			change: removeFile(refFile.path),
			checks: []mirrorAssertion{shouldExist(refFile)},
		},
	}

	fs, err := newMockFs(helper.Root, "file-change")
	require.NoError(t, err)

	_, err = helper.Run(ctx, "config", "add",
		"--source", fs.src,
		"--destination", fs.dst,
		"--exclude", "*.log")
	require.NoError(t, err, "add target")

	watcher, err := helper.Watch(ctx, 1)
	require.NoError(t, err, "start dirmirror watch")
	defer func() {
		assert.NoError(t, watcher.Stop(), "stop dirmirror watch")
	}()

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, createFile(refFile)(fs))
			waitFor(t, fs, shouldExist(refFile))

			require.NoError(t, test.change(fs))
			waitFor(t, fs, test.checks...)
		})
	}

	t.Run("Exclude", func(t *testing.T) {
		require.NoError(t, createFile(excludedFile)(fs))

		// Wait for a file created afterwards, so that the excluded file would
		// have been copied by now if it weren't excluded.
		marker := randomFile("marker")
		require.NoError(t, createFile(marker)(fs))
		waitFor(t, fs, shouldExist(marker))
		assert.NoError(t, shouldNotExist(excludedFile)(fs))
	})
}

// TestReload checks that targets added to the registry are picked up after
// SIGHUP.
func TestReload(t *testing.T, helper *util.TestHelper) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	first, err := newMockFs(helper.Root, "reload-first")
	require.NoError(t, err)
	second, err := newMockFs(helper.Root, "reload-second")
	require.NoError(t, err)

	_, err = helper.Run(ctx, "config", "add",
		"--source", first.src,
		"--destination", first.dst,
		"--exclude", "")
	require.NoError(t, err, "add first target")

	watcher, err := helper.Watch(ctx, 1)
	require.NoError(t, err, "start dirmirror watch")
	defer func() {
		assert.NoError(t, watcher.Stop(), "stop dirmirror watch")
	}()

	beforeReload := randomFile("before-reload")
	require.NoError(t, createFile(beforeReload)(second))

	_, err = helper.Run(ctx, "config", "add",
		"--source", second.src,
		"--destination", second.dst,
		"--exclude", "")
	require.NoError(t, err, "add second target")

	// The log now contains one start message from the initial watch, and one
	// for each target after the reload.
	require.NoError(t, watcher.Reload())
	require.NoError(t, helper.WaitForLog(ctx, "Watching for changes", 3))

	afterReload := randomFile("after-reload")
	require.NoError(t, createFile(afterReload)(second))
	waitFor(t, second, shouldExist(afterReload))

	// Files that existed before the target was added aren't copied.
	assert.NoError(t, shouldNotExist(beforeReload)(second))

	inFirst := randomFile("in-first")
	require.NoError(t, createFile(inFirst)(first))
	waitFor(t, first, shouldExist(inFirst))
}

func waitFor(t *testing.T, fs mockFs, checks ...mirrorAssertion) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	var lastErr error
	ok := util.TestWithRetry(ctx, func() bool {
		for _, check := range checks {
			if lastErr = check(fs); lastErr != nil {
				return false
			}
		}
		return true
	})
	assert.True(t, ok, "mirror never converged: %v", lastErr)
}
