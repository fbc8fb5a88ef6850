// Package supervisor runs one watch session per sync target, and starts and
// stops them as a group.
package supervisor

import (
	"context"
	goSync "sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/fswatch"
	"github.com/sidkik/dirmirror/pkg/sync"
)

// ErrAlreadyRunning is returned by Start if the supervisor wasn't stopped
// since the last call to Start.
var ErrAlreadyRunning = errors.New("supervisor is already running")

type changeSource interface {
	Events() <-chan sync.Change
	Close() error
}

type changeHandler interface {
	Handle(sync.Change)
}

// Mocked out for unit testing.
var (
	watch = func(root string, matcher *sync.Matcher) (changeSource, error) {
		return fswatch.Watch(root, matcher)
	}
	newHandler = func(target sync.Target, sink sync.Sink, clock clockwork.Clock) changeHandler {
		return sync.NewHandler(target, sink, clock)
	}
)

// Supervisor owns the watch sessions of a set of targets.
//
// Events are emitted to the sink from the session goroutines while the
// supervisor's lock may be held, so sinks must not call back into the
// Supervisor.
type Supervisor struct {
	sink  sync.Sink
	clock clockwork.Clock

	lock     goSync.Mutex
	running  bool
	sessions []*session
	cancel   context.CancelFunc
	group    *errgroup.Group
}

type session struct {
	target  sync.Target
	source  changeSource
	handler changeHandler
}

// New creates an idle Supervisor that reports to `sink`. A nil clock uses the
// real time.
func New(sink sync.Sink, clock clockwork.Clock) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{sink: sink, clock: clock}
}

// Start starts a watch session for each target. A target that can't be
// watched is reported with a WatchStartFailed event, and doesn't prevent the
// other targets from starting. Start only fails if the supervisor is already
// running.
func (s *Supervisor) Start(targets []sync.Target) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	group := &errgroup.Group{}
	for _, target := range targets {
		sess, err := s.startSession(target)
		if err != nil {
			log.WithError(err).WithField("target", target.String()).Debug(
				"Failed to start watch session")
			s.emit(sync.Event{
				Severity: sync.SeverityError,
				Kind:     sync.WatchStartFailed,
				Target:   target.SourceRoot,
				Reason:   err.Error(),
			})
			continue
		}

		s.sessions = append(s.sessions, sess)
		s.emit(sync.Event{
			Severity:    sync.SeverityInfo,
			Kind:        sync.WatchStarted,
			Target:      target.SourceRoot,
			Destination: target.DestinationRoot,
		})
		group.Go(func() error {
			sess.run(ctx)
			return nil
		})
	}

	s.running = true
	s.cancel = cancel
	s.group = group
	return nil
}

func (s *Supervisor) startSession(target sync.Target) (*session, error) {
	// Targets may have been constructed without NewTarget.
	validated, err := sync.NewTarget(target.SourceRoot, target.DestinationRoot,
		target.ExcludePatterns)
	if err != nil {
		return nil, errors.WithContext(err, "validate target")
	}

	validated, err = validated.WithIgnoreFile()
	if err != nil {
		return nil, err
	}

	source, err := watch(validated.SourceRoot, validated.Matcher())
	if err != nil {
		return nil, errors.WithContext(err, "watch")
	}

	return &session{
		target:  validated,
		source:  source,
		handler: newHandler(validated, s.sink, s.clock),
	}, nil
}

// Stop stops every session and blocks until they've exited. A copy that's in
// progress is allowed to finish, but changes that haven't been handled yet
// are dropped. No events are emitted after Stop returns. Stopping an idle
// Supervisor is a no-op.
func (s *Supervisor) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	for _, sess := range s.sessions {
		if err := sess.source.Close(); err != nil {
			log.WithError(err).WithField("target", sess.target.String()).Warn(
				"Failed to close file watcher")
		}
	}

	// The sessions never return errors.
	_ = s.group.Wait()

	s.sessions = nil
	s.running = false
	s.cancel = nil
	s.group = nil
}

// IsRunning returns whether at least one watch session is active.
func (s *Supervisor) IsRunning() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions) > 0
}

// Targets returns the targets that are currently being watched.
func (s *Supervisor) Targets() []sync.Target {
	s.lock.Lock()
	defer s.lock.Unlock()

	var targets []sync.Target
	for _, sess := range s.sessions {
		targets = append(targets, sess.target)
	}
	return targets
}

func (s *Supervisor) emit(e sync.Event) {
	e.Time = s.clock.Now()
	s.sink.Emit(e)
}

// run handles changes one at a time until the context is cancelled or the
// change source is closed.
func (sess *session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sess.source.Events():
			if !ok {
				return
			}

			// Both cases may be ready at once. Stopping takes precedence.
			if ctx.Err() != nil {
				return
			}
			sess.handler.Handle(change)
		}
	}
}
