package sync

import (
	goSync "sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Severity is the importance of an Event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EventKind identifies what happened.
type EventKind string

const (
	WatchStarted     EventKind = "watch-started"
	WatchStartFailed EventKind = "watch-start-failed"
	FileSkipped      EventKind = "file-skipped"
	FileCopied       EventKind = "file-copied"
	CopyFailed       EventKind = "copy-failed"
)

// Reasons attached to FileSkipped events.
const (
	ReasonTempFile = "temp-file"
	ReasonExcluded = "excluded"

	// ReasonVanished means the source file was removed between the
	// notification and the copy.
	ReasonVanished = "vanished"
)

// Event is a single outcome reported by the mirroring engine.
type Event struct {
	Time     time.Time
	Severity Severity
	Kind     EventKind

	// Target is the source root of the target the event belongs to.
	Target string

	Path        string
	Destination string
	Reason      string
}

// Sink receives events. Implementations must be safe for concurrent use, since
// every watch session reports from its own goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) {
	f(e)
}

// MultiSink fans each event out to several sinks, in order.
type MultiSink []Sink

// Emit forwards e to every sink.
func (sinks MultiSink) Emit(e Event) {
	for _, sink := range sinks {
		sink.Emit(e)
	}
}

// ChanSink delivers events on a channel. Emit blocks if the channel is full,
// so readers must keep up.
type ChanSink chan Event

// Emit sends e on the channel.
func (c ChanSink) Emit(e Event) {
	c <- e
}

// LogSink writes events to a logrus logger.
type LogSink struct {
	Logger log.FieldLogger
}

// NewLogSink returns a LogSink that writes to the standard logrus logger.
func NewLogSink() LogSink {
	return LogSink{Logger: log.StandardLogger()}
}

// Emit logs e at a level matching its severity.
func (s LogSink) Emit(e Event) {
	fields := log.Fields{"target": e.Target}
	if e.Path != "" {
		fields["path"] = e.Path
	}
	if e.Destination != "" {
		fields["destination"] = e.Destination
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}

	entry := s.Logger.WithFields(fields)
	msg := e.message()
	switch e.Severity {
	case SeverityError:
		entry.Error(msg)
	case SeverityWarning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}

func (e Event) message() string {
	switch e.Kind {
	case WatchStarted:
		return "Watching for changes"
	case WatchStartFailed:
		return "Failed to start watching"
	case FileSkipped:
		switch e.Reason {
		case ReasonTempFile:
			return "Skipped temporary file"
		case ReasonExcluded:
			return "Skipped excluded file"
		case ReasonVanished:
			return "Skipped file that no longer exists"
		}
		return "Skipped file"
	case FileCopied:
		return "Copied file"
	case CopyFailed:
		return "Failed to copy file"
	}
	return string(e.Kind)
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	lock   goSync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(e Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Event{}, r.events...)
}
