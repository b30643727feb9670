// Package natsink publishes thread diagnostics to NATS.
//
// Subject mapping: <prefix>.<stream>, with stream one of out, err or alert.
// Payloads are JSON encoded pthread.Diagnostic records.
package natsink

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/pthread"
)

// ThreadHeader carries the emitting thread's handle.
const ThreadHeader = "Pthread-Thread"

// Config configures a NATS sink.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string `yaml:"url" json:"url" toml:"url"`

	// Prefix is prepended to all subjects. Default: "pthreads.diag".
	Prefix string `yaml:"prefix" json:"prefix" toml:"prefix"`

	// Name is an optional NATS connection name.
	Name string `yaml:"name" json:"name" toml:"name"`

	// FlushTimeout bounds Close. Default: 2s.
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout" toml:"flush_timeout"`
}

// Sink is a pthread.DiagnosticSink backed by a NATS connection.
type Sink struct {
	nc           *nats.Conn
	owned        bool
	prefix       string
	flushTimeout time.Duration
	logger       core.Logger
}

// Connect dials NATS and returns a sink owning the connection.
func Connect(cfg Config, logger core.Logger) (*Sink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, func(o *nats.Options) error {
		if cfg.Name != "" {
			o.Name = cfg.Name
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}

	s := New(nc, cfg.Prefix, logger)
	s.owned = true
	if cfg.FlushTimeout > 0 {
		s.flushTimeout = cfg.FlushTimeout
	}
	return s, nil
}

// New wraps an existing connection. Close does not close it.
func New(nc *nats.Conn, prefix string, logger core.Logger) *Sink {
	if prefix == "" {
		prefix = "pthreads.diag"
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Sink{nc: nc, prefix: prefix, flushTimeout: 2 * time.Second, logger: logger}
}

// Subject returns the subject diagnostics of stream are published on.
func (s *Sink) Subject(stream pthread.Stream) string {
	return s.prefix + "." + stream.String()
}

// Emit implements pthread.DiagnosticSink. Publishing never blocks the
// coordinator; failures are logged.
func (s *Sink) Emit(d pthread.Diagnostic) {
	data, err := core.JSONEncode(d)
	if err != nil {
		s.logger.Errorf("encode diagnostic: %v", err)
		return
	}

	msg := &nats.Msg{
		Subject: s.Subject(d.Stream),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(ThreadHeader, d.Thread.String())

	if err := s.nc.PublishMsg(msg); err != nil {
		s.logger.Warnf("publish diagnostic to %s: %v", msg.Subject, err)
	}
}

// Close flushes pending diagnostics and closes an owned connection.
func (s *Sink) Close() error {
	err := s.nc.FlushTimeout(s.flushTimeout)
	if s.owned {
		s.nc.Close()
	}
	return err
}
