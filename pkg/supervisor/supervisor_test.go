package supervisor

import (
	"io/ioutil"
	"os"
	"path/filepath"
	goSync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/sync"
)

const waitTimeout = 10 * time.Second

func mustTarget(t *testing.T, src, dst string, patterns ...string) sync.Target {
	target, err := sync.NewTarget(src, dst, patterns)
	require.NoError(t, err)
	return target
}

func kinds(events []sync.Event) (res []sync.EventKind) {
	for _, e := range events {
		res = append(res, e.Kind)
	}
	return res
}

func waitForFile(t *testing.T, path, contents string) {
	assert.Eventually(t, func() bool {
		actual, err := ioutil.ReadFile(path)
		return err == nil && string(actual) == contents
	}, waitTimeout, 20*time.Millisecond, "waiting for %s", path)
}

func TestStartPartialFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	missing := filepath.Join(dir, "missing")
	require.NoError(t, os.Mkdir(src, 0755))

	recorder := &sync.Recorder{}
	s := New(recorder, nil)
	defer s.Stop()

	err := s.Start([]sync.Target{
		mustTarget(t, missing, filepath.Join(dir, "missing-dst")),
		mustTarget(t, src, dst),
	})
	require.NoError(t, err)
	assert.True(t, s.IsRunning())
	assert.Len(t, s.Targets(), 1)

	events := recorder.Events()
	require.Equal(t, []sync.EventKind{sync.WatchStartFailed, sync.WatchStarted}, kinds(events))
	assert.Equal(t, sync.SeverityError, events[0].Severity)
	assert.Equal(t, missing, events[0].Target)
	assert.Contains(t, events[0].Reason, "does not exist")
	assert.Equal(t, src, events[1].Target)
	assert.Equal(t, dst, events[1].Destination)

	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "notes.txt"), []byte("notes"), 0644))
	waitForFile(t, filepath.Join(dst, "notes.txt"), "notes")
}

func TestStartInvalidTarget(t *testing.T) {
	dir := t.TempDir()
	recorder := &sync.Recorder{}
	s := New(recorder, clockwork.NewFakeClock())
	defer s.Stop()

	// Bypass NewTarget's validation.
	overlapping := sync.Target{SourceRoot: dir, DestinationRoot: filepath.Join(dir, "mirror")}
	require.NoError(t, s.Start([]sync.Target{overlapping}))
	assert.False(t, s.IsRunning())

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, sync.WatchStartFailed, events[0].Kind)
	assert.Contains(t, events[0].Reason, "overlap")
}

func TestMirrorScenario(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "build"), 0755))

	recorder := &sync.Recorder{}
	s := New(recorder, nil)
	require.NoError(t, s.Start([]sync.Target{mustTarget(t, src, dst, "*.tmp", "build/*")}))
	defer s.Stop()

	write := func(name, contents string) {
		require.NoError(t, ioutil.WriteFile(filepath.Join(src, name), []byte(contents), 0644))
	}
	write(filepath.Join("build", "out.bin"), "binary")
	write("cache.tmp", "cache")
	write("notes.txt", "v1")
	waitForFile(t, filepath.Join(dst, "notes.txt"), "v1")

	write("notes.txt", "v2")
	waitForFile(t, filepath.Join(dst, "notes.txt"), "v2")

	for _, name := range []string{"build", "cache.tmp"} {
		_, err := os.Stat(filepath.Join(dst, name))
		assert.True(t, os.IsNotExist(err), name)
	}

	var excluded []string
	for _, e := range recorder.Events() {
		if e.Kind == sync.FileSkipped && e.Reason == sync.ReasonExcluded {
			excluded = append(excluded, e.Path)
		}
	}
	assert.Contains(t, excluded, filepath.Join(src, "cache.tmp"))
	assert.NotContains(t, excluded, filepath.Join(src, "notes.txt"))
}

func TestIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.Mkdir(src, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(src, sync.IgnoreFileName),
		[]byte("*.log\n"), 0644))

	s := New(&sync.Recorder{}, nil)
	require.NoError(t, s.Start([]sync.Target{mustTarget(t, src, dst)}))
	defer s.Stop()

	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "app.log"), []byte("log"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "notes.txt"), []byte("notes"), 0644))
	waitForFile(t, filepath.Join(dst, "notes.txt"), "notes")

	for _, name := range []string{"app.log", sync.IgnoreFileName} {
		_, err := os.Stat(filepath.Join(dst, name))
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestStartTwice(t *testing.T) {
	s := New(&sync.Recorder{}, nil)
	defer s.Stop()

	require.NoError(t, s.Start(nil))
	assert.Equal(t, ErrAlreadyRunning, s.Start(nil))

	// Running with no sessions still requires a Stop before restarting.
	assert.False(t, s.IsRunning())
	s.Stop()
	assert.NoError(t, s.Start(nil))
}

func TestStopIdempotent(t *testing.T) {
	s := New(&sync.Recorder{}, nil)
	s.Stop()

	dir := t.TempDir()
	require.NoError(t, s.Start([]sync.Target{
		mustTarget(t, dir, filepath.Join(t.TempDir(), "dst")),
	}))
	assert.True(t, s.IsRunning())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Empty(t, s.Targets())
}

func TestNoEventsAfterStop(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.Mkdir(src, 0755))

	recorder := &sync.Recorder{}
	s := New(recorder, nil)
	require.NoError(t, s.Start([]sync.Target{mustTarget(t, src, dst)}))

	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "before.txt"), []byte("before"), 0644))
	waitForFile(t, filepath.Join(dst, "before.txt"), "before")

	s.Stop()
	numEvents := len(recorder.Events())

	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "after.txt"), []byte("after"), 0644))
	time.Sleep(200 * time.Millisecond)

	assert.Len(t, recorder.Events(), numEvents)
	_, err := os.Stat(filepath.Join(dst, "after.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestart(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.Mkdir(src, 0755))
	targets := []sync.Target{mustTarget(t, src, dst)}

	s := New(&sync.Recorder{}, nil)
	require.NoError(t, s.Start(targets))
	s.Stop()
	require.NoError(t, s.Start(targets))
	defer s.Stop()
	assert.True(t, s.IsRunning())

	require.NoError(t, ioutil.WriteFile(filepath.Join(src, "file.txt"), []byte("contents"), 0644))
	waitForFile(t, filepath.Join(dst, "file.txt"), "contents")
}

type fakeSource struct {
	events chan sync.Change

	lock   goSync.Mutex
	closed bool
}

func (f *fakeSource) Events() <-chan sync.Change {
	return f.events
}

func (f *fakeSource) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	return nil
}

// blockingHandler blocks in Handle until `release` is closed.
type blockingHandler struct {
	entered chan sync.Change
	release chan struct{}

	lock    goSync.Mutex
	handled []sync.Change
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{
		entered: make(chan sync.Change, 16),
		release: make(chan struct{}),
	}
}

func (h *blockingHandler) Handle(change sync.Change) {
	h.entered <- change
	<-h.release

	h.lock.Lock()
	defer h.lock.Unlock()
	h.handled = append(h.handled, change)
}

func (h *blockingHandler) Handled() []sync.Change {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]sync.Change{}, h.handled...)
}

// mockSessions replaces the file watcher and handler with fakes keyed by the
// target's source root.
func mockSessions(t *testing.T, sources map[string]*fakeSource,
	handlers map[string]changeHandler) {

	origWatch, origNewHandler := watch, newHandler
	t.Cleanup(func() {
		watch, newHandler = origWatch, origNewHandler
	})

	watch = func(root string, _ *sync.Matcher) (changeSource, error) {
		source, ok := sources[root]
		if !ok {
			return nil, errors.FileNotFound{Path: root}
		}
		return source, nil
	}
	newHandler = func(target sync.Target, _ sync.Sink, _ clockwork.Clock) changeHandler {
		return handlers[target.SourceRoot]
	}
}

func TestStopWaitsForInFlightCopy(t *testing.T) {
	source := &fakeSource{events: make(chan sync.Change, 2)}
	handler := newBlockingHandler()
	mockSessions(t, map[string]*fakeSource{"/src": source},
		map[string]changeHandler{"/src": handler})

	s := New(&sync.Recorder{}, nil)
	require.NoError(t, s.Start([]sync.Target{mustTarget(t, "/src", "/dst")}))

	first := sync.Change{Kind: sync.Created, Path: "/src/first"}
	source.events <- first
	assert.Equal(t, first, <-handler.entered)

	// Queued behind the in-flight copy. It's dropped by Stop.
	source.events <- sync.Change{Kind: sync.Created, Path: "/src/second"}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a copy was in progress")
	case <-time.After(100 * time.Millisecond):
	}

	close(handler.release)
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Stop didn't return after the copy finished")
	}

	assert.Equal(t, []sync.Change{first}, handler.Handled())
	assert.True(t, source.closed)
	assert.False(t, s.IsRunning())
}

type countingHandler struct {
	handled chan sync.Change
}

func (h countingHandler) Handle(change sync.Change) {
	h.handled <- change
}

func TestSessionsAreIndependent(t *testing.T) {
	slowSource := &fakeSource{events: make(chan sync.Change, 1)}
	fastSource := &fakeSource{events: make(chan sync.Change, 1)}
	slowHandler := newBlockingHandler()
	fastHandler := countingHandler{handled: make(chan sync.Change, 1)}
	mockSessions(t,
		map[string]*fakeSource{"/slow": slowSource, "/fast": fastSource},
		map[string]changeHandler{"/slow": slowHandler, "/fast": fastHandler})

	s := New(&sync.Recorder{}, nil)
	require.NoError(t, s.Start([]sync.Target{
		mustTarget(t, "/slow", "/slow-dst"),
		mustTarget(t, "/fast", "/fast-dst"),
	}))
	defer func() {
		close(slowHandler.release)
		s.Stop()
	}()

	slowSource.events <- sync.Change{Kind: sync.Created, Path: "/slow/file"}
	<-slowHandler.entered

	change := sync.Change{Kind: sync.Created, Path: "/fast/file"}
	fastSource.events <- change
	select {
	case handled := <-fastHandler.handled:
		assert.Equal(t, change, handled)
	case <-time.After(waitTimeout):
		t.Fatal("a blocked session stalled another session")
	}
}

func TestChangesHandledInOrder(t *testing.T) {
	source := &fakeSource{events: make(chan sync.Change, 16)}
	handler := countingHandler{handled: make(chan sync.Change, 16)}
	mockSessions(t, map[string]*fakeSource{"/src": source},
		map[string]changeHandler{"/src": handler})

	s := New(&sync.Recorder{}, nil)
	require.NoError(t, s.Start([]sync.Target{mustTarget(t, "/src", "/dst")}))
	defer s.Stop()

	var exp []sync.Change
	for _, name := range []string{"a", "b", "c", "d"} {
		change := sync.Change{Kind: sync.Modified, Path: "/src/" + name}
		exp = append(exp, change)
		source.events <- change
	}

	var actual []sync.Change
	for range exp {
		select {
		case change := <-handler.handled:
			actual = append(actual, change)
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for changes")
		}
	}
	assert.Equal(t, exp, actual)
}
