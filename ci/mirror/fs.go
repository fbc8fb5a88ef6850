package mirror

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sidkik/dirmirror/pkg/errors"
)

type file struct {
	path     string
	contents string
	mode     os.FileMode
	modTime  time.Time
}

func (f file) WithPath(path string) file {
	f.path = path
	return f
}

func (f file) WithContents(contents string) file {
	f.contents = contents
	return f
}

func (f file) WithMode(mode os.FileMode) file {
	f.mode = mode
	return f
}

func (f file) WithModTime(modTime time.Time) file {
	f.modTime = modTime
	return f
}

func randomFile(path string) file {
	randomTime := time.Date(2019, 11, 10, rand.Intn(23), rand.Intn(59), rand.Intn(59), 0, time.UTC)
	return file{
		path:     path,
		contents: strconv.Itoa(rand.Int()),
		mode:     os.FileMode(0640 | rand.Intn(8)),
		modTime:  randomTime,
	}
}

// mockFs contains a source and destination directory for a single sync
// target.
type mockFs struct {
	src, dst string
}

type fsOp func(mockFs) error

func newMockFs(root, name string) (mockFs, error) {
	fs := mockFs{
		src: filepath.Join(root, name, "src"),
		dst: filepath.Join(root, name, "dst"),
	}
	if err := os.MkdirAll(fs.src, 0755); err != nil {
		return mockFs{}, errors.WithContext(err, "make source directory")
	}
	return fs, nil
}

// createFile writes the file under a temporary name, and then renames it into
// place, so that the file's contents and attributes are complete when it
// first appears in the source directory.
func createFile(toCreate file) fsOp {
	return func(fs mockFs) error {
		path := filepath.Join(fs.src, toCreate.path)
		parent := filepath.Dir(path)
		if err := os.MkdirAll(parent, 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}

		tmpPath := filepath.Join(parent, "."+filepath.Base(path)+".tmp")
		if err := ioutil.WriteFile(tmpPath, []byte(toCreate.contents), 0600); err != nil {
			return errors.WithContext(err, "write")
		}

		if err := os.Chmod(tmpPath, toCreate.mode); err != nil {
			return errors.WithContext(err, "chmod")
		}

		if err := os.Chtimes(tmpPath, time.Now(), toCreate.modTime); err != nil {
			return errors.WithContext(err, "chtimes")
		}

		if err := os.Rename(tmpPath, path); err != nil {
			return errors.WithContext(err, "rename")
		}
		return nil
	}
}

func removeFile(path string) fsOp {
	return func(fs mockFs) error {
		return os.Remove(filepath.Join(fs.src, path))
	}
}

func getMirroredFile(fs mockFs, path string) (file, bool, error) {
	fullPath := filepath.Join(fs.dst, path)
	fi, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return file{}, false, nil
		}
		return file{}, false, errors.WithContext(err, "stat")
	}

	contents, err := ioutil.ReadFile(fullPath)
	if err != nil {
		return file{}, false, errors.WithContext(err, "read")
	}

	return file{
		path:     path,
		contents: string(contents),
		mode:     fi.Mode(),
		modTime:  fi.ModTime().UTC(),
	}, true, nil
}

type mirrorAssertion func(mockFs) error

func shouldExist(exp file) mirrorAssertion {
	return func(fs mockFs) error {
		actual, exists, err := getMirroredFile(fs, exp.path)
		if err != nil {
			return errors.WithContext(err, "get mirrored file")
		}

		if !exists {
			return fmt.Errorf("file %q does not exist", exp.path)
		}

		if actual != exp {
			return fmt.Errorf("Expected file %v, got %v", exp, actual)
		}
		return nil
	}
}

func shouldNotExist(exp file) mirrorAssertion {
	return func(fs mockFs) error {
		_, exists, err := getMirroredFile(fs, exp.path)
		if err != nil {
			return errors.WithContext(err, "get mirrored file")
		}

		if exists {
			return fmt.Errorf("file %q exists", exp.path)
		}
		return nil
	}
}
