package pthread

import (
	"time"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// Stream is the channel a diagnostic line was written to.
type Stream int

const (
	Stdout Stream = iota
	Stderr
	Alert
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "out"
	case Stderr:
		return "err"
	case Alert:
		return "alert"
	default:
		return "unknown"
	}
}

// Diagnostic is one line of thread output surfaced to the operator.
type Diagnostic struct {
	Stream Stream     `json:"-"`
	Thread shm.Handle `json:"thread"`
	Text   string     `json:"text"`
	Time   time.Time  `json:"time"`
}

// DiagnosticSink receives thread output. Emit is called on the coordinator
// loop and must not block for long.
type DiagnosticSink interface {
	Emit(d Diagnostic)
}

// SinkFunc adapts a function to DiagnosticSink.
type SinkFunc func(d Diagnostic)

func (f SinkFunc) Emit(d Diagnostic) {
	f(d)
}

// MultiSink fans a diagnostic out to several sinks.
type MultiSink []DiagnosticSink

func (m MultiSink) Emit(d Diagnostic) {
	for _, s := range m {
		if s != nil {
			s.Emit(d)
		}
	}
}

// LoggerSink writes diagnostics to a logger: out at info, err at warn and
// alert at error level.
type LoggerSink struct {
	Logger core.Logger
}

func (s LoggerSink) Emit(d Diagnostic) {
	l := s.Logger.With("thread", d.Thread.String())
	switch d.Stream {
	case Stderr:
		l.Warn(d.Text)
	case Alert:
		l.Error(d.Text)
	default:
		l.Info(d.Text)
	}
}
