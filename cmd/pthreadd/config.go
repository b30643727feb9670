package main

import (
	"fmt"
	"os"

	"github.com/fluxorio/pthreads/pkg/admin"
	"github.com/fluxorio/pthreads/pkg/config"
	"github.com/fluxorio/pthreads/pkg/diag/natsink"
	"github.com/fluxorio/pthreads/pkg/observability/tracing"
	"github.com/fluxorio/pthreads/pkg/pthread"
)

// AppConfig is the daemon configuration. Every field can be overridden from
// the environment with the PTHREADS_ prefix, e.g. PTHREADS_POOL_POOL_SIZE.
type AppConfig struct {
	Log      LogConfig      `yaml:"log" json:"log" toml:"log"`
	Pool     pthread.Config `yaml:"pool" json:"pool" toml:"pool"`
	Admin    AdminConfig    `yaml:"admin" json:"admin" toml:"admin"`
	Tracing  tracing.Config `yaml:"tracing" json:"tracing" toml:"tracing"`
	NATS     NATSConfig     `yaml:"nats" json:"nats" toml:"nats"`
	Wasm     WasmConfig     `yaml:"wasm" json:"wasm" toml:"wasm"`
	Workload WorkloadConfig `yaml:"workload" json:"workload" toml:"workload"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level" toml:"level"`
	Development bool   `yaml:"development" json:"development" toml:"development"`
}

type AdminConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled" toml:"enabled"`
	Server  admin.Config `yaml:"server" json:"server" toml:"server"`
}

// NATSConfig publishes thread output to NATS when enabled.
type NATSConfig struct {
	Enabled bool           `yaml:"enabled" json:"enabled" toml:"enabled"`
	Sink    natsink.Config `yaml:"sink" json:"sink" toml:"sink"`
}

// WasmConfig selects a WebAssembly image instead of the built-in workload.
type WasmConfig struct {
	Path     string   `yaml:"path" json:"path" toml:"path"`
	Entry    string   `yaml:"entry" json:"entry" toml:"entry"`
	Routines []string `yaml:"routines" json:"routines" toml:"routines"`
	WASI     bool     `yaml:"wasi" json:"wasi" toml:"wasi"`

	MemoryLimitPages uint32 `yaml:"memory_limit_pages" json:"memory_limit_pages" toml:"memory_limit_pages"`
}

// WorkloadConfig drives the built-in demo workload.
type WorkloadConfig struct {
	Threads int    `yaml:"threads" json:"threads" toml:"threads"`
	Arg     uint64 `yaml:"arg" json:"arg" toml:"arg"`

	// Once exits after the workload instead of waiting for a signal.
	Once bool `yaml:"once" json:"once" toml:"once"`
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Log:  LogConfig{Level: "info"},
		Pool: pthread.Config{PoolSize: 4, Strict: pthread.StrictOff},
		Admin: AdminConfig{
			Enabled: true,
			Server:  admin.DefaultConfig(),
		},
		Tracing: tracing.Config{Exporter: tracing.ExporterNone, ServiceName: "pthreadd"},
		NATS: NATSConfig{
			Sink: natsink.Config{Prefix: "pthreads.diag", Name: "pthreadd"},
		},
		Wasm:     WasmConfig{Entry: "main"},
		Workload: WorkloadConfig{Threads: 8, Arg: 10},
	}
}

// loadConfig reads path (when set) over the defaults, then applies the
// environment.
func loadConfig(path string) (*AppConfig, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv("PTHREADS_CONFIG")
	}
	if err := config.LoadWithEnv(path, "PTHREADS", cfg); err != nil {
		return nil, err
	}

	err := config.Validate(cfg,
		config.OneOfValidator("Tracing.Exporter", tracing.ExporterNone, tracing.ExporterStdout, tracing.ExporterZipkin),
		config.RangeValidator("Workload.Threads", 0, pthread.MaxPoolSize),
		config.When(config.Enabled("Admin.Enabled"), config.RequiredFields("Admin.Server.Addr")),
		config.When(config.Enabled("NATS.Enabled"), config.RequiredFields("NATS.Sink.Prefix")),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
