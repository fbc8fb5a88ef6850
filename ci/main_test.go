// +build ci

package main

import (
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirmirror/ci/mirror"
	"github.com/sidkik/dirmirror/ci/util"
)

type TestFunction func(*testing.T, *util.TestHelper)

func TestDirmirror(t *testing.T) {
	binary, ok := os.LookupEnv("CI_DIRMIRROR_BINARY")
	if !ok {
		binary = "dirmirror"
	}

	tests := []struct {
		name   string
		testFn TestFunction
	}{
		{
			name:   "FileChange",
			testFn: mirror.TestFileChange,
		},
		{
			name:   "Reload",
			testFn: mirror.TestReload,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			helper, err := util.NewTestHelper(binary)
			require.NoError(t, err)
			defer helper.Cleanup()

			test.testFn(t, helper)
			t.Run("CLILogs", func(t *testing.T) { testCLILogs(t, helper) })
		})
	}
}

func testCLILogs(t *testing.T, helper *util.TestHelper) {
	logs, err := ioutil.ReadFile(helper.LogPath)
	require.NoError(t, err)
	assertNoErrorOrWarningLogs(t, string(logs))
}

var logWhitelist = []string{
	// Removed files trigger no copy, but the watcher may still see a write
	// for them just before they disappear.
	"Skipped file that no longer exists",
}

func assertNoErrorOrWarningLogs(t *testing.T, log string) {
Outer:
	for _, line := range strings.Split(log, "\n") {
		for _, pattern := range logWhitelist {
			if strings.Contains(line, pattern) {
				continue Outer
			}
		}

		assert.NotContains(t, line, "level=warning", "unexpected warning log")
		assert.NotContains(t, line, "level=error", "unexpected error log")
	}
}
