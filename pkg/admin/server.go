// Package admin serves the operator endpoints of a running thread runtime:
// Prometheus metrics, pool statistics and a liveness probe.
package admin

import (
	"context"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/pthread"
)

// StatsSource reports pool statistics. *pthread.Runtime implements it.
type StatsSource interface {
	Stats(ctx context.Context) (pthread.Stats, error)
	Done() <-chan struct{}
}

// Config configures the admin server.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr" toml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
	StatsTimeout time.Duration `yaml:"stats_timeout" json:"stats_timeout" toml:"stats_timeout"`
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Addr:         ":9464",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		StatsTimeout: 2 * time.Second,
	}
}

// Server is a fasthttp server exposing /metrics, /pool and /healthz.
type Server struct {
	cfg     Config
	source  StatsSource
	metrics fasthttp.RequestHandler
	srv     *fasthttp.Server
	logger  core.Logger
}

// NewServer creates a server. gatherer defaults to the prometheus default
// gatherer.
func NewServer(cfg Config, source StatsSource, gatherer prometheus.Gatherer, logger core.Logger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = def.StatsTimeout
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}

	s := &Server{
		cfg:     cfg,
		source:  source,
		metrics: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
		logger:  logger,
	}
	s.srv = &fasthttp.Server{
		Name:         "pthreadd-admin",
		Handler:      s.Handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler routes a request.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}

	switch string(ctx.Path()) {
	case "/metrics":
		s.metrics(ctx)
	case "/pool":
		s.pool(ctx)
	case "/healthz":
		s.health(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) pool(ctx *fasthttp.RequestCtx) {
	c, cancel := context.WithTimeout(context.Background(), s.cfg.StatsTimeout)
	defer cancel()

	stats, err := s.source.Stats(c)
	if err != nil {
		s.logger.Warnf("pool stats: %v", err)
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, stats)
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	select {
	case <-s.source.Done():
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "down"})
	default:
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "up"})
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := core.JSONEncode(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Infof("admin server listening on %s", s.cfg.Addr)
	return s.srv.ListenAndServe(s.cfg.Addr)
}

// Shutdown stops accepting connections and waits for open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
